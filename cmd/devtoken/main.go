// Package main mints a bearer token for local development and records the
// user in the directory so join-request listings show a name.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hatim-circle/backend/config"
	"github.com/hatim-circle/backend/internal/auth"
	"github.com/hatim-circle/backend/internal/bootstrap"
	"github.com/hatim-circle/backend/internal/models"
)

func main() {
	rawID := flag.String("user", "", "user id (random when empty)")
	email := flag.String("email", "", "user email")
	name := flag.String("name", "", "user full name")
	skipUpsert := flag.Bool("no-upsert", false, "do not write the user to the directory")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	userID := uuid.New()
	if *rawID != "" {
		if userID, err = uuid.Parse(*rawID); err != nil {
			logger.Fatal("invalid user id", zap.String("user", *rawID), zap.Error(err))
		}
	}

	if !*skipUpsert {
		ctx := context.Background()
		st, err := bootstrap.OpenStore(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("store", zap.Error(err))
		}
		defer st.Close()
		if err := st.UpsertUser(ctx, models.UserSummary{ID: userID, Email: *email, FullName: *name}); err != nil {
			logger.Fatal("upsert user", zap.Error(err))
		}
	}

	token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.ExpireHours).Generate(userID, *email, *name)
	if err != nil {
		logger.Fatal("sign token", zap.Error(err))
	}
	fmt.Printf("user_id=%s\ntoken=%s\n", userID, token)
}

func newLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
