package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/auth"
	"github.com/DoyleJ11/battle-client/internal/config"
	"github.com/DoyleJ11/battle-client/internal/conn"
	"github.com/DoyleJ11/battle-client/internal/engine"
	"github.com/DoyleJ11/battle-client/internal/hub"
	"github.com/DoyleJ11/battle-client/internal/journal"
	"github.com/DoyleJ11/battle-client/internal/mirror"
	"github.com/DoyleJ11/battle-client/internal/session"
	"github.com/DoyleJ11/battle-client/pkg/types"
)

// newSessionFactory builds a session per battle: restored from the journal
// when one is configured, connected through its own Manager, and mirrored to
// redis when a mirror is configured.
func newSessionFactory(cfg *config.Config, me string, jr *journal.Journal, mr *mirror.Mirror, logger *zap.Logger) hub.Factory {
	rules := engine.Rules{PrepSeconds: cfg.PrepSeconds, ProblemSeconds: cfg.ProblemSeconds}
	keepAlive, _ := types.Encode(types.PingAction())

	return func(ctx context.Context, battleID string) (*session.Session, error) {
		url, err := auth.BattleURL(cfg.BattleWSURL, battleID, cfg.AuthToken)
		if err != nil {
			return nil, err
		}
		log := logger.With(zap.String("battle", battleID))

		initial := engine.NewState(battleID, me, rules)
		opts := session.Options{TickInterval: cfg.TickInterval, Logger: logger}
		if jr != nil {
			lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			frames, err := jr.Load(lctx, battleID)
			cancel()
			if err != nil {
				return nil, err
			}
			if len(frames) > 0 {
				initial = session.Replay(initial, frames)
				log.Info("session restored", zap.Int("frames", len(frames)), zap.String("status", string(initial.Status)))
			}
			opts.Journal = jr
		}

		s := session.New(ctx, initial, opts)
		s.Connect(conn.NewManager(url, s, conn.Options{
			Backoff:      backoffFor(cfg),
			PingInterval: 30 * time.Second,
			KeepAlive:    keepAlive,
			Logger:       log,
		}))
		if mr != nil {
			go mr.Follow(ctx, s)
		}
		return s, nil
	}
}

func backoffFor(cfg *config.Config) conn.Backoff {
	if cfg.ReconnectPolicy == config.PolicyExponential {
		return conn.Exponential{Base: cfg.ReconnectDelay, Max: cfg.ReconnectMax}
	}
	return conn.Fixed{Delay: cfg.ReconnectDelay}
}
