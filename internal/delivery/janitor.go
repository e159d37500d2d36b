package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/notification-dispatch/internal/domain"
	"github.com/robfig/cron/v3"
)

// Maintainer is implemented by brokers that need periodic housekeeping.
type Maintainer interface {
	RecoverExpiredLeases(ctx context.Context) (int64, error)
	PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error)
	Stats(ctx context.Context) (map[domain.JobState]int, error)
}

// JanitorConfig holds janitor schedules.
type JanitorConfig struct {
	RecoverSchedule    string
	PurgeSchedule      string
	StatsSchedule      string
	DeliveredRetention time.Duration
	Timeout            time.Duration
}

// DefaultJanitorConfig returns the default janitor schedules.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		RecoverSchedule:    "@every 1m",
		PurgeSchedule:      "@every 1h",
		StatsSchedule:      "@every 15s",
		DeliveredRetention: 72 * time.Hour,
		Timeout:            30 * time.Second,
	}
}

// Janitor runs broker housekeeping on cron schedules.
type Janitor struct {
	config JanitorConfig
	broker Maintainer
	cron   *cron.Cron
}

// NewJanitor validates schedules and registers jobs. Call Start to run them.
func NewJanitor(config JanitorConfig, broker Maintainer) (*Janitor, error) {
	defaults := DefaultJanitorConfig()
	if config.RecoverSchedule == "" {
		config.RecoverSchedule = defaults.RecoverSchedule
	}
	if config.PurgeSchedule == "" {
		config.PurgeSchedule = defaults.PurgeSchedule
	}
	if config.StatsSchedule == "" {
		config.StatsSchedule = defaults.StatsSchedule
	}
	if config.DeliveredRetention <= 0 {
		config.DeliveredRetention = defaults.DeliveredRetention
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	j := &Janitor{
		config: config,
		broker: broker,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{name: "recover_leases", schedule: config.RecoverSchedule, run: j.RecoverLeases},
		{name: "purge_delivered", schedule: config.PurgeSchedule, run: j.PurgeDelivered},
		{name: "queue_stats", schedule: config.StatsSchedule, run: j.RefreshStats},
	}
	for _, job := range jobs {
		if _, err := j.cron.AddFunc(job.schedule, func() { j.runJob(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("janitor %s schedule %q: %w", job.name, job.schedule, err)
		}
	}

	return j, nil
}

// Start runs the scheduler in its own goroutine.
func (j *Janitor) Start() {
	slog.Info("janitor started",
		"recover_schedule", j.config.RecoverSchedule,
		"purge_schedule", j.config.PurgeSchedule,
		"delivered_retention", j.config.DeliveredRetention,
	)
	j.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	slog.Info("janitor stopped")
}

// RecoverLeases returns jobs with expired leases to pending.
func (j *Janitor) RecoverLeases(ctx context.Context) error {
	n, err := j.broker.RecoverExpiredLeases(ctx)
	if err != nil {
		return fmt.Errorf("recover expired leases: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered expired leases", "count", n)
	}
	return nil
}

// PurgeDelivered removes delivered jobs older than the retention.
func (j *Janitor) PurgeDelivered(ctx context.Context) error {
	n, err := j.broker.PurgeDelivered(ctx, j.config.DeliveredRetention)
	if err != nil {
		return fmt.Errorf("purge delivered jobs: %w", err)
	}
	if n > 0 {
		slog.Info("purged delivered jobs", "count", n, "retention", j.config.DeliveredRetention)
	}
	return nil
}

// RefreshStats updates queue gauges.
func (j *Janitor) RefreshStats(ctx context.Context) error {
	stats, err := j.broker.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	RecordQueueStats(stats)
	return nil
}

func (j *Janitor) runJob(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.Timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		slog.Error("janitor job failed", "job", name, "error", err)
	}
}
