package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-gradebook-api/api/swagger"
	"github.com/noah-isme/campus-gradebook-api/internal/handler"
	"github.com/noah-isme/campus-gradebook-api/internal/repository"
	"github.com/noah-isme/campus-gradebook-api/internal/service"
	"github.com/noah-isme/campus-gradebook-api/pkg/cache"
	"github.com/noah-isme/campus-gradebook-api/pkg/config"
	"github.com/noah-isme/campus-gradebook-api/pkg/database"
	"github.com/noah-isme/campus-gradebook-api/pkg/export"
	"github.com/noah-isme/campus-gradebook-api/pkg/jobs"
	"github.com/noah-isme/campus-gradebook-api/pkg/logger"
	"github.com/noah-isme/campus-gradebook-api/pkg/observability"
)

// @title Campus Gradebook API
// @version 1.0.0
// @description Activity grading and grade book roll-ups for campus classes.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	flush, err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env, cfg.Sentry.Release)
	if err != nil {
		logr.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logr.Info("migrations applied")
	}

	metrics := service.NewMetricsService()
	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		} else {
			defer redisClient.Close()
			checks["redis"] = cache.Pinger(redisClient)
		}
	}

	policy, err := service.NewGradingPolicy(cfg.Grading.AssessmentWeight, cfg.Grading.ActivityWeight, cfg.Grading.LetterScale)
	if err != nil {
		return fmt.Errorf("grading policy: %w", err)
	}

	app := buildServices(db, redisClient, metrics, policy, cfg, logr)

	if cfg.Reconciler.Enabled {
		reconciler := service.NewReconciler(app.aggregator, jobs.QueueConfig{
			Workers:    cfg.Reconciler.Workers,
			BufferSize: cfg.Reconciler.BufferSize,
			MaxRetries: cfg.Reconciler.MaxRetries,
			RetryDelay: cfg.Reconciler.RetryDelay,
		}, metrics, logr)
		reconciler.Start(ctx)
		defer reconciler.Stop()
		app.aggregator.UseScheduler(reconciler)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	router := newRouter(cfg, logr, metrics, routeHandlers{
		auth:           app.auth,
		activityGrades: handler.NewActivityGradeHandler(app.activityGrades),
		gradeBooks:     handler.NewGradeBookHandler(app.gradeBooks, app.exporter, app.aggregator),
		metrics:        handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type services struct {
	auth           *service.AuthService
	activityGrades *service.ActivityGradeService
	gradeBooks     *service.GradeBookService
	exporter       *service.GradeBookExportService
	aggregator     *service.GradeAggregator
}

func buildServices(db *sqlx.DB, redisClient *redis.Client, metrics *service.MetricsService, policy service.GradingPolicy, cfg *config.Config, logr *zap.Logger) services {
	activityGradeRepo := repository.NewActivityGradeRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	classRepo := repository.NewClassRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	termRepo := repository.NewTermRepository(db)
	gradeBookRepo := repository.NewGradeBookRepository(db)
	studentGradeRepo := repository.NewStudentGradeRepository(db)
	topicGradeRepo := repository.NewStudentTopicGradeRepository(db)

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, "gradebook")
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, cfg.Cache.Enabled && redisClient != nil)

	validate := validator.New()

	aggregator := service.NewGradeAggregator(
		activityGradeRepo, termRepo, gradeBookRepo, studentGradeRepo, topicGradeRepo, activityRepo,
		cacheSvc, metrics, observability.CaptureErr,
		service.AggregatorConfig{Policy: policy, ActiveTermID: cfg.Grading.ActiveTermID},
		logr,
	)

	gradeBooks := service.NewGradeBookService(gradeBookRepo, classRepo, termRepo, studentRepo, studentGradeRepo, topicGradeRepo, aggregator, cacheSvc, policy, validate, logr)

	return services{
		auth: service.NewAuthService(logr, service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			Issuer:            cfg.JWT.Issuer,
			Audience:          cfg.JWT.Audience,
		}),
		activityGrades: service.NewActivityGradeService(activityGradeRepo, activityRepo, studentRepo, aggregator, metrics, validate, logr),
		gradeBooks:     gradeBooks,
		exporter:       service.NewGradeBookExportService(gradeBooks, studentGradeRepo, export.Renderers(), logr),
		aggregator:     aggregator,
	}
}
