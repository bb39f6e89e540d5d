package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/hub"
	"github.com/DoyleJ11/battle-client/internal/session"
	"github.com/DoyleJ11/battle-client/internal/types"
)

var errUnknownType = errors.New("unknown type")

// Handler streams session snapshots to a local UI and routes its commands
// back into the session.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		battleID := r.URL.Query().Get("battle")
		if battleID == "" {
			http.Error(w, "missing battle", http.StatusBadRequest)
			return
		}

		s := h.Get(r.Context(), battleID)
		if s == nil {
			http.Error(w, "battle not joined", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan session.Snapshot, 8)
		clientID := uuid.NewString()
		log := log.With(zap.String("battle", s.ID()), zap.String("client", clientID))

		select {
		case s.Inbox() <- session.Join{ClientID: clientID, Outbox: out}:
		case <-s.Done():
			return
		}
		defer func() {
			select {
			case s.Inbox() <- session.Leave{ClientID: clientID}:
			case <-s.Done():
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				view := types.NewBattleView(snap.State)
				writeJSON(writeCtx, conn, types.ServerMessage{Type: types.MsgStateSnapshot, Version: snap.Version, State: &view})
			}
			// session gone or we were dropped as a slow reader
			conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("ui socket closed", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeJSON(r.Context(), conn, types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}

			if err := dispatch(r.Context(), s, cm); err != nil {
				writeJSON(r.Context(), conn, types.ServerMessage{Type: types.MsgError, Error: err.Error()})
			}
		}
	}
}

func dispatch(ctx context.Context, s *session.Session, m types.ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	switch m.Type {
	case types.MsgSubmit:
		return s.Submit(ctx, m.ProblemID, m.Code, m.Language)
	case types.MsgRequestEnd:
		return s.RequestEnd(ctx)
	case types.MsgSelectProblem:
		return s.SelectProblem(ctx, m.Index)
	default:
		return errUnknownType
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, payload)
}
