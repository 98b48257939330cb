package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatcore-backend/internal/blob"
	"chatcore-backend/internal/chat"
	"chatcore-backend/internal/config"
	"chatcore-backend/internal/fanout"
	"chatcore-backend/internal/httpserver"
	"chatcore-backend/internal/identity"
	"chatcore-backend/internal/logging"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/relay"
	"chatcore-backend/internal/storage"
	"chatcore-backend/internal/ws"
)

const (
	maxUploadSize     = 50 << 20
	idempotencyTTL    = 24 * time.Hour
	idempotencySweep  = time.Hour
	shutdownGraceTime = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = os.Stderr.WriteString("log init error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Info("starting", "httpAddr", cfg.HTTPAddr, "database", storage.RedactedDatabaseURL(cfg.DatabaseURL))

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewFSStore(cfg.UploadDir, cfg.PublicBaseURL, maxUploadSize)
	if err != nil {
		logger.Error("failed to open upload dir", "error", err)
		os.Exit(1)
	}

	verifier := identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	svc := chat.NewService(store, blobs, nil, logger)
	engine := fanout.NewEngine(svc, cfg.SubscriberBuffer, logger)

	var (
		pub fanout.Publisher = engine
		rel *relay.Relay
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		rel = relay.New(rdb, cfg.RedisChannel, engine, logger)
		pub = rel
	}

	tracker := presence.New(store, pub, cfg.PresenceTimeout, cfg.PresenceSweepInterval, logger)
	svc.SetPublisher(pub)
	svc.SetPresence(tracker)

	wsManager := ws.NewManager(logger, verifier, svc, engine, tracker, cfg.WSRateLimit)
	handler := httpserver.NewHandler(logger, httpserver.HandlerOptions{
		Ready:         store,
		Auth:          verifier,
		Service:       svc,
		Presence:      tracker,
		Blobs:         blobs,
		Stream:        wsManager.Handler(),
		UploadDir:     cfg.UploadDir,
		MaxUploadSize: maxUploadSize,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.StdLogger(logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "httpAddr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return tracker.Run(gctx) })
	if rel != nil {
		g.Go(func() error { return rel.Run(gctx) })
	}
	g.Go(func() error { return purgeIdempotencyKeys(gctx, store, logger) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		wsManager.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTime)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	exitCode := 0
	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		exitCode = 1
	}

	if err := store.Close(); err != nil {
		logger.Error("db close error", "error", err)
	}

	logger.Info("stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func purgeIdempotencyKeys(ctx context.Context, store *storage.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(idempotencySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := store.PurgeIdempotencyKeys(ctx, now.Add(-idempotencyTTL).UnixMilli())
			if err != nil {
				logger.Warn("purge idempotency keys failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged idempotency keys", "count", n)
			}
		}
	}
}
