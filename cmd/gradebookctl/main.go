package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-gradebook-api/internal/repository"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	"github.com/noah-isme/campus-gradebook-api/pkg/cache"
	"github.com/noah-isme/campus-gradebook-api/pkg/config"
	"github.com/noah-isme/campus-gradebook-api/pkg/database"
	"github.com/noah-isme/campus-gradebook-api/pkg/logger"
	"github.com/noah-isme/campus-gradebook-api/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openBackend).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dbMigrator struct {
	db *sqlx.DB
}

func (m dbMigrator) Up(ctx context.Context) error   { return database.Migrate(ctx, m.db.DB) }
func (m dbMigrator) Down(ctx context.Context) error { return database.Rollback(ctx, m.db.DB) }
func (m dbMigrator) Version() (int64, error)        { return database.Version(m.db.DB) }

func openBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	flush, err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env, cfg.Sentry.Release)
	if err != nil {
		logr.Warn("sentry disabled", zap.Error(err))
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		flush()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	policy, err := service.NewGradingPolicy(cfg.Grading.AssessmentWeight, cfg.Grading.ActivityWeight, cfg.Grading.LetterScale)
	if err != nil {
		_ = db.Close()
		flush()
		return nil, fmt.Errorf("grading policy: %w", err)
	}

	// Recomputed rollups must evict what the API has cached.
	var cacheSvc *service.CacheService
	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		logr.Warn("redis unavailable, cache will not be invalidated", zap.Error(err))
	}
	if redisClient != nil {
		cacheSvc = service.NewCacheService(repository.NewCacheRepository(redisClient, "gradebook"), nil, cfg.Cache.TTL, logr, true)
	}

	activityRepo := repository.NewActivityRepository(db)
	aggregator := service.NewGradeAggregator(
		repository.NewActivityGradeRepository(db),
		repository.NewTermRepository(db),
		repository.NewGradeBookRepository(db),
		repository.NewStudentGradeRepository(db),
		repository.NewStudentTopicGradeRepository(db),
		activityRepo,
		cacheSvc, nil, observability.CaptureErr,
		service.AggregatorConfig{Policy: policy, ActiveTermID: cfg.Grading.ActiveTermID},
		logr,
	)

	return &backend{
		migrations: dbMigrator{db: db},
		aggregator: aggregator,
		close: func() error {
			flush()
			_ = logr.Sync()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return db.Close()
		},
	}, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return cache.NewRedis(ctx, cfg.Redis)
}
