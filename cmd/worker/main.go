// Package main runs the report archive worker: it drains the Redis job queue
// and exports closed-session reports to S3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MadushanIlangakoon/nibm-research-backend/config"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/lectures"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/reports"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/worker"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/database"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/queue"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/redis"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ArchivesBucket:       cfg.AWS.ArchivesBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	reportRepo := reports.NewRepository(pool)
	lectureRepo := lectures.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	processor := worker.NewArchiveProcessor(reportRepo, lectureRepo, s3Client, jobQueue, logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("archive worker started", zap.String("queue", queue.QueueArchives))
	processor.Run(ctx)
	logger.Info("archive worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
