// Package main runs the hatim HTTP API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hatim-circle/backend/config"
	"github.com/hatim-circle/backend/internal/auth"
	"github.com/hatim-circle/backend/internal/bootstrap"
	"github.com/hatim-circle/backend/internal/events"
	"github.com/hatim-circle/backend/internal/hatim"
	"github.com/hatim-circle/backend/internal/middleware"
	"github.com/hatim-circle/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	var (
		publisher events.Publisher = events.Nop{}
		listCache hatim.ListCache  = hatim.NopCache{}
	)
	if rdb != nil {
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb.Client, logger.Named("events"))
		listCache = hatim.NewRedisListCache(rdb.Client, cfg.Cache.ListTTL)
	}

	if err := hatim.RegisterValidators(); err != nil {
		logger.Fatal("validators", zap.Error(err))
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.ExpireHours)
	registry := hatim.NewRegistry(st, publisher, listCache, logger.Named("hatim"))
	hatimHandler := hatim.NewHandler(registry, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	hatimHandler.RegisterRoutes(router, middleware.JWT(jwtService), middleware.OptionalJWT(jwtService))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
