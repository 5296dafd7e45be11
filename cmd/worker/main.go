package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"doc-converter/internal/archive"
	"doc-converter/internal/config"
	"doc-converter/internal/dispatch"
	"doc-converter/internal/lifecycle"
	"doc-converter/internal/queue"
	"doc-converter/internal/storage"
	"doc-converter/internal/store"
	"doc-converter/internal/sweeper"
	"doc-converter/internal/telemetry"
	"doc-converter/internal/webhook"
	workerproc "doc-converter/internal/worker"
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

	var archiver sweeper.Archiver
	if cfg.ArchivePostgresDSN != "" {
		arch, err := archive.New(ctx, cfg.ArchivePostgresDSN)
		if err != nil {
			logger.Fatal("connect archive", zap.Error(err))
		}
		defer arch.Close()
		if err := arch.RunMigrations(ctx); err != nil {
			logger.Fatal("archive migrations", zap.Error(err))
		}
		archiver = arch
	}

	sw := sweeper.New(st, backend, archiver, cfg, logger)
	cronRunner := sw.Start(ctx)
	defer cronRunner.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout))

	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-%d", workerID, i)
		processor := workerproc.NewProcessor(cfg, q, st, jobs, router, backend, notifier, logger, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("worker stopped", zap.String("worker_id", id), zap.Error(err))
			}
		}()
	}
	wg.Wait()
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
