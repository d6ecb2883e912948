// Package main runs the live classroom coordinator: HTTP API, WebSocket
// signaling, and per-session dispatch loops, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MadushanIlangakoon/nibm-research-backend/config"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/auth"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/inference"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/lectures"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/middleware"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/realtime"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/reports"
	"github.com/MadushanIlangakoon/nibm-research-backend/internal/session"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/database"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/queue"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/redis"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/response"
	"github.com/MadushanIlangakoon/nibm-research-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	predictor := inference.NewClient(cfg.Inference.URL, time.Duration(cfg.Inference.TimeoutSec)*time.Second, logger)

	reportRepo := reports.NewRepository(pool)
	lectureRepo := lectures.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	defer sessionCancel()
	sessions := session.NewManager(
		sessionCtx,
		hub.TransportFor,
		reportRepo,
		jobQueue,
		predictor,
		time.Duration(cfg.Session.SampleIntervalMS)*time.Millisecond,
		time.Duration(cfg.Session.DisconnectGraceSec)*time.Second,
		logger,
	)

	// Archive downloads need S3; the server runs without it.
	var presigner reports.ArchivePresigner
	if s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ArchivesBucket:       cfg.AWS.ArchivesBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger); err != nil {
		logger.Warn("s3 disabled, archive downloads unavailable", zap.Error(err))
	} else {
		presigner = s3Client
	}

	lectureHandler := lectures.NewHandler(lectureRepo, sessions, logger)
	reportHandler := reports.NewHandler(reportRepo, presigner)

	jwtValidate := func(token string) (userID uuid.UUID, name, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", "", err
		}
		return claims.UserID, claims.Name, claims.Role, nil
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// ICE configuration for client peer connections
		api.GET("/rtc/ice", func(c *gin.Context) { response.OK(c, iceServers) })

		// Lectures and live sessions
		api.GET("/courses/:id/lectures", lectureHandler.List)
		api.GET("/lectures/:id", lectureHandler.GetByID)
		api.POST("/lectures/:id/sessions", middleware.RequireRole("teacher", "admin"), lectureHandler.StartSession)
		api.GET("/sessions/:id", lectureHandler.GetSession)
		api.POST("/sessions/:id/end", middleware.RequireRole("teacher", "admin"), lectureHandler.EndSession)

		// Reports (closed sessions only)
		api.GET("/sessions/:id/reports", middleware.RequireRole("teacher", "admin"), reportHandler.GetBySession)
		api.GET("/sessions/:id/archive", middleware.RequireRole("teacher", "admin"), reportHandler.DownloadArchive)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, sessions, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sessionCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
