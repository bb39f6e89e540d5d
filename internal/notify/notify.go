// Package notify listens on the per-user notification socket.
package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/conn"
)

const (
	TypeSubmissionResult    = "submission_result"
	TypeContestNotification = "contest_notification"
	TypeSystemNotification  = "system_notification"
	TypeBattleRequest       = "battle_request"
	TypeBattleRejected      = "battle_rejected"
	TypeBattleStarted       = "battle_started"
)

type Notification struct {
	Type string
	Data json.RawMessage
}

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode accepts both {type, data} frames and relayed
// {type:"notify", event_type, payload} frames.
func Decode(raw []byte) (Notification, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Notification{}, false
	}
	if env.Type == "notify" {
		if env.EventType == "" {
			return Notification{}, false
		}
		return Notification{Type: env.EventType, Data: env.Payload}, true
	}
	if env.Type == "" {
		return Notification{}, false
	}
	return Notification{Type: env.Type, Data: env.Data}, true
}

type BattleProblem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

type BattleStarted struct {
	BattleID   string          `json:"battle_id"`
	Challenger string          `json:"challenger"`
	Opponent   string          `json:"opponent"`
	Difficulty string          `json:"difficulty"`
	Problems   []BattleProblem `json:"problems"`
}

type BattleRequest struct {
	RequestID  string `json:"request_id"`
	Challenger string `json:"challenger"`
	Difficulty string `json:"difficulty"`
	ExpiresAt  string `json:"expires_at"`
}

func (n Notification) BattleStarted() (BattleStarted, bool) {
	var b BattleStarted
	if n.Type != TypeBattleStarted || json.Unmarshal(n.Data, &b) != nil || b.BattleID == "" {
		return BattleStarted{}, false
	}
	return b, true
}

func (n Notification) BattleRequest() (BattleRequest, bool) {
	var b BattleRequest
	if n.Type != TypeBattleRequest || json.Unmarshal(n.Data, &b) != nil {
		return BattleRequest{}, false
	}
	return b, true
}

// Listener keeps the notification socket open and hands every notification
// to Notifications. Unlike a battle socket it always reconnects, except after
// an authentication refusal.
type Listener struct {
	mgr *conn.Manager
	out chan Notification
	log *zap.Logger
}

func NewListener(url string, opts conn.Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Listener{
		out: make(chan Notification, 32),
		log: opts.Logger.Named("notify"),
	}
	l.mgr = conn.NewManager(url, l, opts)
	return l
}

func (l *Listener) Notifications() <-chan Notification { return l.out }

// Run connects and blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	l.mgr.Start()
	<-ctx.Done()
	return l.mgr.Close()
}

func (l *Listener) HandleOpen() { l.log.Info("notification socket open") }

func (l *Listener) HandleFrame(data []byte) {
	n, ok := Decode(data)
	if !ok {
		return
	}
	select {
	case l.out <- n:
	default:
		l.log.Warn("notification dropped", zap.String("type", n.Type))
	}
}

func (l *Listener) HandleClose(err error) {
	l.log.Info("notification socket closed", zap.Error(err))
	l.mgr.ScheduleReconnect()
}
