// Package retention prunes resolved delivery history on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/observability"
)

// Pruner deletes resolved deliveries last attempted before a cutoff.
// repository.DeliveryRepository implements it.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Schedule is a standard five-field cron expression.
	Schedule string
	MaxAge   time.Duration
	// Timeout bounds a single run.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Schedule: "0 3 * * *",
		MaxAge:   30 * 24 * time.Hour,
		Timeout:  5 * time.Minute,
	}
}

type Job struct {
	config  Config
	store   Pruner
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

func New(config Config, store Pruner, clk clock.Clock, logger *slog.Logger) (*Job, error) {
	if config.MaxAge <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	j := &Job{
		config: config,
		store:  store,
		clock:  clk,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := j.cron.AddFunc(config.Schedule, func() { j.Run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", config.Schedule, err)
	}
	return j, nil
}

func (j *Job) WithMetrics(m *observability.Metrics) *Job {
	j.metrics = m
	return j
}

// Run prunes once and returns the number of attempt rows removed.
func (j *Job) Run(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.config.MaxAge)
	removed, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("retention run failed", "cutoff", cutoff, "error", err)
		return 0
	}

	if j.metrics != nil {
		j.metrics.RetentionDeleted.Add(float64(removed))
	}
	j.logger.Info("retention run completed", "cutoff", cutoff, "deleted", removed)
	return removed
}

func (j *Job) Start() {
	j.cron.Start()
	j.logger.Info("retention scheduled", "schedule", j.config.Schedule, "max_age", j.config.MaxAge)
}

// Stop waits for a running prune to finish.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
}
