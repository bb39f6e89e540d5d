package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/battle-client/internal/auth"
	"github.com/DoyleJ11/battle-client/internal/config"
	"github.com/DoyleJ11/battle-client/internal/conn"
	"github.com/DoyleJ11/battle-client/internal/fallback"
	"github.com/DoyleJ11/battle-client/internal/httpapi"
	"github.com/DoyleJ11/battle-client/internal/hub"
	"github.com/DoyleJ11/battle-client/internal/journal"
	"github.com/DoyleJ11/battle-client/internal/logging"
	"github.com/DoyleJ11/battle-client/internal/mirror"
	"github.com/DoyleJ11/battle-client/internal/notify"
)

func main() {
	battleID := flag.String("battle", "", "battle id to join on startup")
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *battleID, logger); err != nil {
		logger.Fatal("battle client stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, battleID string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	me := cfg.Username
	if cfg.AuthToken != "" {
		claims, err := auth.Inspect(cfg.AuthToken, time.Now())
		if err != nil {
			return err
		}
		me = auth.Identity(me, claims)
	}
	logger = logger.With(zap.String("user", me))

	var jr *journal.Journal
	if cfg.DatabaseURL != "" {
		var err error
		jr, err = journal.Open(cfg.DatabaseURL, logger.Named("journal"))
		if err != nil {
			return err
		}
		defer jr.Close()
	}

	var mr *mirror.Mirror
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		mr = mirror.New(rdb, mirror.DefaultTTL, logger.Named("mirror"))
	}

	h := hub.NewHub(ctx, newSessionFactory(cfg, me, jr, mr, logger), logger.Named("hub"))

	deps := httpapi.Deps{Log: logger.Named("http")}
	if cfg.APIBaseURL != "" && cfg.AuthToken != "" {
		deps.Fallback = fallback.NewClient(cfg.APIBaseURL, cfg.AuthToken, logger.Named("fallback"))
	}
	if jr != nil {
		deps.Journal = jr
	}
	if mr != nil {
		deps.Leaderboard = mr
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.SetupRoutes(h, deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if battleID != "" {
		g.Go(func() error {
			_, err := h.Ensure(gctx, battleID)
			return err
		})
	}

	if cfg.NotifyWSURL != "" && cfg.AuthToken != "" {
		url, err := auth.NotifyURL(cfg.NotifyWSURL, cfg.AuthToken)
		if err != nil {
			return err
		}
		l := notify.NewListener(url, conn.Options{
			Backoff:      conn.Exponential{Base: time.Second, Max: cfg.ReconnectMax},
			PingInterval: 30 * time.Second,
			Logger:       logger,
		})
		g.Go(func() error { return l.Run(gctx) })
		g.Go(func() error { return autoJoin(gctx, h, l, logger) })
	}

	return g.Wait()
}

// autoJoin enters every battle the notification channel reports as started.
func autoJoin(ctx context.Context, h *hub.Hub, l *notify.Listener, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notifications():
			switch n.Type {
			case notify.TypeBattleStarted:
				b, ok := n.BattleStarted()
				if !ok {
					continue
				}
				if _, err := h.Ensure(ctx, b.BattleID); err != nil {
					logger.Warn("auto-join failed", zap.String("battle", b.BattleID), zap.Error(err))
					continue
				}
				logger.Info("battle started", zap.String("battle", b.BattleID),
					zap.String("challenger", b.Challenger), zap.String("opponent", b.Opponent))
			case notify.TypeBattleRequest:
				if req, ok := n.BattleRequest(); ok {
					logger.Info("battle requested", zap.String("challenger", req.Challenger), zap.String("difficulty", req.Difficulty))
				}
			default:
				logger.Debug("notification", zap.String("type", n.Type), zap.ByteString("data", n.Data))
			}
		}
	}
}
