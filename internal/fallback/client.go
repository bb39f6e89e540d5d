// Package fallback submits code over the REST API when the battle socket is
// down.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/auth"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

var languages = map[string]bool{
	"python":     true,
	"cpp":        true,
	"java":       true,
	"javascript": true,
}

// APIError is a non-2xx answer from the battle API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("battle api: status %d", e.Status)
	}
	return fmt.Sprintf("battle api: status %d: %s", e.Status, e.Message)
}

// Result is the judged submission as the API reports it.
type Result struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	ProblemTitle    string `json:"problem_title"`
	Language        string `json:"language"`
	Status          string `json:"status"`
	PointsEarned    int    `json:"points_earned"`
	ExecutionTimeMS *int   `json:"execution_time_ms"`
	SubmittedAt     string `json:"submitted_at"`
	Message         string `json:"-"`
}

type Client struct {
	client  *http.Client
	baseURL string
	token   string
	log     *zap.Logger
}

func NewClient(baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		log:     log,
	}
}

type submitRequest struct {
	ProblemID string `json:"problem_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit posts one solution and waits for the judged result. Submissions are
// never retried: a second POST would be judged again.
func (c *Client) Submit(ctx context.Context, battleID, problemID, code, language string) (*Result, error) {
	if !languages[language] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	id, err := auth.NormalizeBattleID(battleID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(submitRequest{ProblemID: problemID, Code: code, Language: language})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/battles/%s/submit/", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug("fallback submit", zap.String("battle", id), zap.String("problem", problemID))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		c.log.Warn("fallback submit rejected", zap.Int("status", resp.StatusCode), zap.String("message", apiErr.Message))
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}

	var res Result
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	res.Message = env.Message
	return &res, nil
}
