// Package auth inspects the access token handed to this client by the login
// flow and builds the authenticated socket URIs. Tokens are never verified
// here; the battle server does that.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken    = errors.New("missing auth token")
	ErrMalformedToken  = errors.New("malformed auth token")
	ErrTokenExpired    = errors.New("auth token expired")
	ErrInvalidBattleID = errors.New("invalid battle id")
)

type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Inspect decodes the token's claims without checking the signature and
// rejects tokens that have already expired at now.
func Inspect(token string, now time.Time) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

// Identity is the local participant's name: the configured one, else the
// token's username claim.
func Identity(configured string, claims *Claims) string {
	if configured != "" {
		return configured
	}
	if claims != nil {
		return claims.Username
	}
	return ""
}

// NormalizeBattleID validates a battle id and returns its canonical form.
func NormalizeBattleID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidBattleID, id)
	}
	return u.String(), nil
}

// BattleURL returns <base><battleID>/?token=<token>.
func BattleURL(base, battleID, token string) (string, error) {
	id, err := NormalizeBattleID(battleID)
	if err != nil {
		return "", err
	}
	return withToken(strings.TrimSuffix(base, "/")+"/"+id+"/", token)
}

// NotifyURL returns the per-user notification socket URI.
func NotifyURL(base, token string) (string, error) {
	return withToken(base, token)
}

func withToken(raw, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
