// Package main runs the background reconciliation worker.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hatim-circle/backend/config"
	"github.com/hatim-circle/backend/internal/bootstrap"
	"github.com/hatim-circle/backend/internal/events"
	"github.com/hatim-circle/backend/internal/hatim"
	"github.com/hatim-circle/backend/internal/worker"
	"github.com/hatim-circle/backend/pkg/queue"
)

func main() {
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	enqueue := flag.String("enqueue", "", "enqueue a reconcile job with this reason and exit")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := bootstrap.OpenRedis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	var (
		jobQueue  *queue.Queue
		listCache hatim.ListCache = hatim.NopCache{}
	)
	if rdb != nil {
		defer rdb.Close()
		jobQueue = queue.NewQueue(rdb.Client, logger)
		listCache = hatim.NewRedisListCache(rdb.Client, cfg.Cache.ListTTL)
	}

	if *enqueue != "" {
		if jobQueue == nil {
			logger.Fatal("enqueue requires Redis")
		}
		if err := jobQueue.EnqueueReconcile(ctx, queue.ReconcilePayload{Reason: *enqueue}); err != nil {
			logger.Fatal("enqueue reconcile", zap.Error(err))
		}
		logger.Info("reconcile job enqueued", zap.String("reason", *enqueue))
		return
	}

	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	registry := hatim.NewRegistry(st, events.Nop{}, listCache, logger.Named("hatim"))
	var source worker.JobQueue
	if jobQueue != nil {
		source = jobQueue
	}
	processor := worker.NewReconcileProcessor(registry, source, cfg.Worker.ReconcileInterval, logger)

	if *once {
		if _, err := processor.Sweep(ctx, "manual"); err != nil {
			logger.Fatal("reconcile", zap.Error(err))
		}
		return
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := processor.Sweep(workerCtx, "startup"); err != nil {
		logger.Error("startup reconcile failed", zap.Error(err))
	}
	go processor.RunTicker(workerCtx)
	go processor.Run(workerCtx)
	logger.Info("worker started", zap.Duration("interval", cfg.Worker.ReconcileInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
