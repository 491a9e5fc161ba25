package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/internal/workflow"
)

type stageCounter interface {
	StageCounts(ctx context.Context, ownerID string) ([]models.StageCount, error)
}

// StatsCollector refreshes the per-status request gauges on a cron schedule.
type StatsCollector struct {
	repo     stageCounter
	metrics  *MetricsService
	logger   *zap.Logger
	schedule string
	timeout  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewStatsCollector constructs a collector for schedule (standard cron or @every syntax).
func NewStatsCollector(repo stageCounter, metrics *MetricsService, schedule string, logger *zap.Logger) *StatsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &StatsCollector{repo: repo, metrics: metrics, logger: logger, schedule: schedule, timeout: 10 * time.Second}
}

// Start runs one refresh immediately and schedules the rest.
func (c *StatsCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(c.schedule, func() { c.refreshLogged(ctx) }); err != nil {
		return fmt.Errorf("schedule stats collector %q: %w", c.schedule, err)
	}
	c.refreshLogged(ctx)
	scheduler.Start()
	c.cron = scheduler
	c.logger.Info("stats collector started", zap.String("schedule", c.schedule))
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (c *StatsCollector) Stop() {
	c.mu.Lock()
	scheduler := c.cron
	c.cron = nil
	c.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
	c.logger.Info("stats collector stopped")
}

// Refresh recomputes the gauges once.
func (c *StatsCollector) Refresh(ctx context.Context) (map[models.RequestStatus]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.repo.StageCounts(ctx, "")
	c.metrics.ObserveDBQuery("stage_counts", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("collect request stats: %w", err)
	}
	totals := workflow.StatusTotals(rows)
	c.metrics.SetRequestsByStatus(totals)
	return totals, nil
}

func (c *StatsCollector) refreshLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("stats refresh failed", zap.Error(err))
	}
}
