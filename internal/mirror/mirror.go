// Package mirror copies each session's scoreboard and view into redis so
// other local tools can read them without talking to the client.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/internal/session"
	"github.com/DoyleJ11/battle-client/internal/types"
)

const DefaultTTL = 24 * time.Hour

type Entry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

type Mirror struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

func New(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Mirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{client: client, ttl: ttl, log: log}
}

func scoresKey(battleID string) string { return fmt.Sprintf("battle:%s:scores", battleID) }

func viewKey(battleID string) string { return fmt.Sprintf("battle:%s:view", battleID) }

// Publish replaces the stored scoreboard and view for one battle.
func (m *Mirror) Publish(ctx context.Context, version int, s engine.State) error {
	view := types.NewBattleView(s)
	payload, err := json.Marshal(types.ServerMessage{Type: types.MsgStateSnapshot, Version: version, State: &view})
	if err != nil {
		return err
	}

	members := zMembers(s.Scores)
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		key := scoresKey(s.BattleID)
		p.Del(ctx, key)
		if len(members) > 0 {
			p.ZAdd(ctx, key, members...)
			p.Expire(ctx, key, m.ttl)
		}
		p.Set(ctx, viewKey(s.BattleID), payload, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror publish: %w", err)
	}
	return nil
}

func (m *Mirror) Top(ctx context.Context, battleID string, limit int) ([]Entry, error) {
	results, err := m.client.ZRevRangeWithScores(ctx, scoresKey(battleID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(results))
	for i, z := range results {
		name, _ := z.Member.(string)
		entries[i] = Entry{Username: name, Score: int(z.Score), Rank: i + 1}
	}
	return entries, nil
}

// Follow subscribes to s and publishes every snapshot until the session or
// ctx ends. A subscriber dropped for falling behind joins again.
func (m *Mirror) Follow(ctx context.Context, s *session.Session) {
	log := m.log.With(zap.String("battle", s.ID()))
	for {
		out := make(chan session.Snapshot, 16)
		id := "mirror-" + uuid.NewString()
		select {
		case s.Inbox() <- session.Join{ClientID: id, Outbox: out}:
		case <-s.Done():
			return
		case <-ctx.Done():
			return
		}

		if !m.drain(ctx, s, out) {
			return
		}
		log.Debug("mirror fell behind, resubscribing")
	}
}

// drain publishes snapshots until out closes. It reports false once the
// session or ctx is gone, true when only this subscriber was dropped.
func (m *Mirror) drain(ctx context.Context, s *session.Session, out <-chan session.Snapshot) bool {
	for {
		select {
		case snap, ok := <-out:
			if !ok {
				select {
				case <-s.Done():
					return false
				default:
					return ctx.Err() == nil
				}
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := m.Publish(pctx, snap.Version, snap.State); err != nil {
				m.log.Warn("mirror publish failed", zap.String("battle", s.ID()), zap.Error(err))
			}
			cancel()
		case <-s.Done():
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func zMembers(scores []engine.ScoreEntry) []redis.Z {
	members := make([]redis.Z, 0, len(scores))
	for _, e := range scores {
		if e.Username == "" {
			continue
		}
		members = append(members, redis.Z{Score: float64(e.Score), Member: e.Username})
	}
	return members
}
