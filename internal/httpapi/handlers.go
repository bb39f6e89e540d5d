package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/auth"
	"github.com/DoyleJ11/battle-client/internal/conn"
	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/internal/fallback"
	"github.com/DoyleJ11/battle-client/internal/hub"
	"github.com/DoyleJ11/battle-client/internal/mirror"
	"github.com/DoyleJ11/battle-client/internal/scoreboard"
	"github.com/DoyleJ11/battle-client/internal/session"
	"github.com/DoyleJ11/battle-client/internal/types"
	ptypes "github.com/DoyleJ11/battle-client/pkg/types"
)

const (
	requestTimeout = 5 * time.Second
	leaderboardTop = 10
)

// Submitter sends a solution without the battle socket.
type Submitter interface {
	Submit(ctx context.Context, battleID, problemID, code, language string) (*fallback.Result, error)
}

// Forgetter drops what was recorded for a battle.
type Forgetter interface {
	Forget(ctx context.Context, battleID string) error
}

// Leaderboard reads a scoreboard published by another process.
type Leaderboard interface {
	Top(ctx context.Context, battleID string, limit int) ([]mirror.Entry, error)
}

type scoreboardResponse struct {
	Rows   []scoreboard.Row `json:"rows"`
	Leader string           `json:"leader,omitempty"`
	Source string           `json:"source,omitempty"`
}

type submitRequest struct {
	ProblemID string `json:"problem_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

type selectRequest struct {
	Index int `json:"index"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func ListBattles(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Battles []string `json:"battles"`
		}{Battles: h.List(r.Context())})
	}
}

func JoinBattle(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		s, err := h.Ensure(ctx, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeView(ctx, w, s)
	}
}

func GetBattle(h *hub.Hub) http.HandlerFunc {
	return withSession(h, func(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session) {
		writeView(ctx, w, s)
	})
}

// GetScoreboard answers from the joined session, or from the shared mirror
// when this process does not follow the battle.
func GetScoreboard(h *hub.Hub, lb Leaderboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		id := chi.URLParam(r, "id")
		if s := h.Get(ctx, id); s != nil {
			v, err := s.State(ctx)
			if err != nil {
				writeError(w, err)
				return
			}
			writeScoreboard(w, scoreboard.Rank(v.State.Scores, v.State.Me), "")
			return
		}
		if lb == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "battle not joined"})
			return
		}

		id, err := auth.NormalizeBattleID(id)
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := lb.Top(ctx, id, leaderboardTop)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		if len(entries) == 0 {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "battle not joined"})
			return
		}
		rows := make([]scoreboard.Row, len(entries))
		for i, e := range entries {
			rows[i] = scoreboard.Row{Rank: e.Rank, Username: e.Username, Score: e.Score}
		}
		writeScoreboard(w, rows, "mirror")
	}
}

func writeScoreboard(w http.ResponseWriter, rows []scoreboard.Row, source string) {
	resp := scoreboardResponse{Rows: rows, Source: source}
	if lead, ok := scoreboard.Leader(rows); ok {
		resp.Leader = lead.Username
	}
	writeJSON(w, http.StatusOK, resp)
}

func Submit(h *hub.Hub, fb Submitter, log *zap.Logger) http.HandlerFunc {
	return withSession(h, func(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
			return
		}

		err := s.Submit(ctx, req.ProblemID, req.Code, req.Language)
		if err == nil {
			writeJSON(w, http.StatusAccepted, struct {
				Status string `json:"status"`
			}{Status: "sent"})
			return
		}
		if fb == nil || !offline(err) {
			writeError(w, err)
			return
		}

		// Take the pending slot first so concurrent REST submits are refused.
		if err := s.SubmitOffline(ctx, req.ProblemID, req.Code, req.Language); err != nil {
			writeError(w, err)
			return
		}
		// The slot is released even if this request is cancelled.
		after, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()

		log.Info("socket down, submitting over REST", zap.String("battle", s.ID()), zap.String("problem", req.ProblemID))
		res, err := fb.Submit(ctx, s.ID(), req.ProblemID, req.Code, req.Language)
		if err != nil {
			if aerr := s.AbortSubmit(after); aerr != nil && !errors.Is(aerr, engine.ErrSessionCompleted) {
				log.Warn("pending submission not released", zap.Error(aerr))
			}
			writeError(w, err)
			return
		}
		if err := s.Deliver(after, fallbackResult(req.ProblemID, res)); err != nil {
			log.Warn("fallback result not delivered", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// fallbackResult turns a REST verdict into the frame the socket would have sent.
func fallbackResult(problemID string, res *fallback.Result) *ptypes.SubmissionResult {
	out := &ptypes.SubmissionResult{
		ProblemID:       problemID,
		Status:          res.Status,
		ExecutionTimeMS: res.ExecutionTimeMS,
		Message:         res.Message,
	}
	if res.Status == string(engine.ResultAccepted) {
		points := res.PointsEarned
		out.PointsEarned = &points
	}
	return out
}

func RequestEnd(h *hub.Hub) http.HandlerFunc {
	return withSession(h, func(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session) {
		if err := s.RequestEnd(ctx); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func SelectProblem(h *hub.Hub) http.HandlerFunc {
	return withSession(h, func(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session) {
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
			return
		}
		if err := s.SelectProblem(ctx, req.Index); err != nil {
			writeError(w, err)
			return
		}
		writeView(ctx, w, s)
	})
}

// LeaveBattle disposes the session. The journaled frames go with it, so a
// restart does not rejoin a battle the user left.
func LeaveBattle(h *hub.Hub, jr Forgetter, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !h.Remove(r.Context(), id) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "battle not joined"})
			return
		}
		if jr != nil {
			if norm, err := auth.NormalizeBattleID(id); err == nil {
				if err := jr.Forget(r.Context(), norm); err != nil {
					log.Warn("journal not cleared", zap.String("battle", norm), zap.Error(err))
				}
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sessionHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, s *session.Session)

func withSession(h *hub.Hub, next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		s := h.Get(ctx, chi.URLParam(r, "id"))
		if s == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "battle not joined"})
			return
		}
		next(ctx, w, r, s)
	}
}

func writeView(ctx context.Context, w http.ResponseWriter, s *session.Session) {
	v, err := s.State(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	view := types.NewBattleView(v.State)
	writeJSON(w, http.StatusOK, types.ServerMessage{Type: types.MsgStateSnapshot, Version: v.Version, State: &view})
}

func offline(err error) bool {
	return errors.Is(err, engine.ErrNotConnected) || errors.Is(err, conn.ErrNotConnected)
}

func statusFor(err error) int {
	var apiErr *fallback.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 {
			return http.StatusBadGateway
		}
		return apiErr.Status
	case errors.Is(err, auth.ErrInvalidBattleID),
		errors.Is(err, engine.ErrUnknownProblem),
		errors.Is(err, engine.ErrIndexOutOfRange),
		errors.Is(err, fallback.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBattleNotActive),
		errors.Is(err, engine.ErrSubmissionPending),
		errors.Is(err, engine.ErrSessionCompleted),
		errors.Is(err, engine.ErrNotInProblemPhase):
		return http.StatusConflict
	case offline(err), errors.Is(err, conn.ErrSendQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed), errors.Is(err, hub.ErrHubClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
