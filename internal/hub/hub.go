package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/auth"
	"github.com/DoyleJ11/battle-client/internal/session"
)

var ErrHubClosed = errors.New("hub closed")

// Factory builds, restores and connects the session for one battle.
type Factory func(ctx context.Context, battleID string) (*session.Session, error)

type HubMsg interface{ isHubMsg() }

type Result struct {
	Session *session.Session
	Err     error
}

type EnsureSession struct {
	BattleID string
	Reply    chan Result
}

type GetSession struct {
	BattleID string
	Reply    chan *session.Session
}

type RemoveSession struct {
	BattleID string
	Reply    chan bool
}

type ListSessions struct {
	Reply chan []string
}

type ShutdownHub struct{ Done chan struct{} }

func (EnsureSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (RemoveSession) isHubMsg() {}
func (ListSessions) isHubMsg()  {}
func (ShutdownHub) isHubMsg()   {}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	factory  Factory
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		factory:  factory,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureSession:
				id, err := auth.NormalizeBattleID(msg.BattleID)
				if err != nil {
					msg.Reply <- Result{Err: err}
					break
				}
				if s := h.sessions[id]; s != nil {
					msg.Reply <- Result{Session: s}
					break
				}
				s, err := h.factory(h.ctx, id)
				if err != nil {
					h.log.Warn("session create failed", zap.String("battle", id), zap.Error(err))
					msg.Reply <- Result{Err: err}
					break
				}
				h.sessions[id] = s
				h.log.Info("session joined", zap.String("battle", id))
				msg.Reply <- Result{Session: s}

			case GetSession:
				id, err := auth.NormalizeBattleID(msg.BattleID)
				if err != nil {
					msg.Reply <- nil
					break
				}
				msg.Reply <- h.sessions[id] // May be nil

			case RemoveSession:
				id, _ := auth.NormalizeBattleID(msg.BattleID)
				s, ok := h.sessions[id]
				if ok {
					delete(h.sessions, id)
					s.Dispose()
					h.log.Info("session left", zap.String("battle", id))
				}
				if msg.Reply != nil {
					msg.Reply <- ok
				}

			case ListSessions:
				ids := make([]string, 0, len(h.sessions))
				for id := range h.sessions {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				if msg.Done != nil {
					close(msg.Done)
				}
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, s := range h.sessions {
		s.Dispose()
	}
	clear(h.sessions)
}

// Ensure returns the live session for battleID, creating it on first use.
func (h *Hub) Ensure(ctx context.Context, battleID string) (*session.Session, error) {
	reply := make(chan Result, 1)
	if err := h.post(ctx, EnsureSession{BattleID: battleID, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.Session, r.Err
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) Get(ctx context.Context, battleID string) *session.Session {
	reply := make(chan *session.Session, 1)
	if err := h.post(ctx, GetSession{BattleID: battleID, Reply: reply}); err != nil {
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Remove disposes the session for battleID. It reports whether one existed.
func (h *Hub) Remove(ctx context.Context, battleID string) bool {
	reply := make(chan bool, 1)
	if err := h.post(ctx, RemoveSession{BattleID: battleID, Reply: reply}); err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) List(ctx context.Context) []string {
	reply := make(chan []string, 1)
	if err := h.post(ctx, ListSessions{Reply: reply}); err != nil {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Shutdown disposes every session and stops the hub.
func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	}
	<-h.done
}

func (h *Hub) post(ctx context.Context, m HubMsg) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}
