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

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/metislab-api/api/swagger"
	"github.com/noah-isme/metislab-api/internal/handler"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/repository"
	"github.com/noah-isme/metislab-api/internal/router"
	"github.com/noah-isme/metislab-api/internal/service"
	"github.com/noah-isme/metislab-api/internal/workflow"
	"github.com/noah-isme/metislab-api/pkg/cache"
	"github.com/noah-isme/metislab-api/pkg/config"
	"github.com/noah-isme/metislab-api/pkg/database"
	"github.com/noah-isme/metislab-api/pkg/export"
	"github.com/noah-isme/metislab-api/pkg/logger"
)

type eventPublisher interface {
	Publish(event models.RequestEvent)
}

type eventSubscriber interface {
	Subscribe() (<-chan models.RequestEvent, func())
}

// @title METIS Lab Access API
// @version 1.0.0
// @description Access requests for the METIS Lab compute resource and their four-stage approval workflow
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	if err := database.MigrateUp(cfg.Database.MigrationsPath, cfg.Database.URL()); err != nil {
		return err
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return err
	}
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	requestRepo := repository.NewAccessRequestRepository(db)
	userRepo := repository.NewUserRepository(db)

	validate := validator.New()
	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Dashboard.CacheTTL, logr, cfg.Dashboard.CacheEnabled && cacheRepo.Enabled())

	var (
		publisher  eventPublisher
		subscriber eventSubscriber
	)
	if cfg.EventFeed.Enabled {
		var relay service.FeedRelay
		if cacheRepo.Enabled() {
			relay = cacheRepo
		}
		feed := service.NewEventFeed(relay, metrics, logr, service.EventFeedConfig{
			Channel:    cfg.EventFeed.Channel,
			Workers:    cfg.EventFeed.Workers,
			BufferSize: cfg.EventFeed.BufferSize,
		})
		feed.Start(ctx)
		defer feed.Stop()
		publisher, subscriber = feed, feed
	}

	engine := workflow.NewEngine(requestRepo, logr)
	requestSvc := service.NewRequestService(requestRepo, validate, cacheSvc, publisher, logr)
	approvalSvc := service.NewApprovalService(service.ApprovalServiceParams{
		Repo:    requestRepo,
		Engine:  engine,
		Cache:   cacheSvc,
		Feed:    publisher,
		Metrics: metrics,
		Logger:  logr,
	})
	projectionSvc := service.NewProjectionService(service.ProjectionServiceParams{
		Repo:    requestRepo,
		Users:   userRepo,
		Cache:   cacheSvc,
		Metrics: metrics,
		Logger:  logr,
		Config: service.ProjectionServiceConfig{
			CacheTTL:    cfg.Dashboard.CacheTTL,
			RecentLimit: cfg.Dashboard.RecentLimit,
			QueueLimit:  cfg.Dashboard.QueueLimit,
		},
	})
	exportSvc := service.NewExportService(requestRepo, userRepo, export.NewPDFExporter(), logr)
	userSvc := service.NewUserService(userRepo, validate, cacheSvc, logr)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	collector := service.NewStatsCollector(requestRepo, metrics, cfg.Stats.Schedule, logr)
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop()

	checks := map[string]handler.Pinger{"database": handler.PingFunc(db.PingContext)}
	if cacheRepo.Enabled() {
		checks["redis"] = cacheRepo
	}

	engineHTTP := router.New(router.Deps{
		Config:   cfg,
		Logger:   logr,
		Tokens:   authSvc,
		Observer: metrics,
		Audit:    userRepo,
	}, router.Handlers{
		Auth:      handler.NewAuthHandler(authSvc),
		Users:     handler.NewUserHandler(userSvc),
		Requests:  handler.NewRequestHandler(requestSvc, projectionSvc, exportSvc),
		Approvals: handler.NewApprovalHandler(approvalSvc),
		Dashboard: handler.NewDashboardHandler(projectionSvc, cfg.Dashboard.PollInterval),
		Events:    handler.NewEventHandler(subscriber, requestSvc, cfg.EventFeed.Heartbeat),
		Ops:       handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engineHTTP,
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
