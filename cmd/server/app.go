package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"homeworkhelper/internal/config"
	"homeworkhelper/internal/db"
	"homeworkhelper/internal/logger"
	"homeworkhelper/internal/metrics"
	"homeworkhelper/internal/middleware"
	"homeworkhelper/internal/services"
	"homeworkhelper/internal/store"
)

const devJWTSecret = "secret_key_change_me"

// app 各子命令共用的依赖
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Collector
	backend store.Backend
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &app{cfg: cfg, log: log, metrics: metrics.New(), backend: backend}, nil
}

// openBackend 按 STORE_DRIVER 打开存储并完成建表/建索引
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		log.Info("Connecting to MongoDB", zap.String("database", cfg.MongoDatabase))
		b, err := store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		gdb, err := db.Open(cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(gdb); err != nil {
			return nil, err
		}
		return store.NewSQL(gdb, nil), nil
	}
}

func (a *app) close(ctx context.Context) {
	if err := a.backend.Close(ctx); err != nil {
		a.log.Warn("close store failed", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) authenticator() *middleware.Authenticator {
	return newAuthenticator(a.cfg, a.log)
}

// newAuthenticator 只依赖配置，签发 token 时不必打开存储
func newAuthenticator(cfg *config.Config, log *zap.Logger) *middleware.Authenticator {
	secret := cfg.JWTSecret
	if secret == "" {
		log.Warn("JWT_SECRET not set, using development secret")
		secret = devJWTSecret
	}
	return middleware.NewAuthenticator(secret)
}

func (a *app) reconciler() *services.Reconciler {
	return services.NewReconciler(a.backend.Questions(), a.backend.Votes(), a.log, a.metrics).
		WithGrace(a.cfg.ReconcileGrace)
}
