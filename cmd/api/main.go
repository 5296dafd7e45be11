package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"doc-converter/internal/api"
	"doc-converter/internal/archive"
	"doc-converter/internal/capture"
	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/queue"
	"doc-converter/internal/ratelimit"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := store.NewClient(cfg)
	defer client.Close()
	st := store.New(client)
	q := queue.NewRedisQueue(client, cfg.VisibilityTimeout)

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}

	router := dispatch.New(cfg, logger)
	notifier := webhook.NewNotifier(st, cfg.WebhookTimeout, logger)
	jobs := lifecycle.NewManager(st, q, router, backend, notifier, cfg, logger)
	sessions := capture.NewAssembler(st, jobs, backend, cfg, logger)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var history api.History
	if cfg.ArchivePostgresDSN != "" {
		arch, err := archive.New(ctx, cfg.ArchivePostgresDSN)
		if err != nil {
			logger.Fatal("connect archive", zap.Error(err))
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			logger.Fatal("archive migrations", zap.Error(err))
		}
		history = arch
	}

	server := api.New(cfg, jobs, st, sessions, backend, router, limiter, history, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
