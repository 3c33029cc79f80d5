package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

// PendingSource lists deliveries whose latest attempt is neither a success
// nor terminal.
type PendingSource interface {
	Pending(ctx context.Context, afterID int64, limit int) ([]*domain.DeliveryAttempt, error)
}

// Scheduler re-enters a delivery after its last recorded attempt.
// It returns domain.ErrDeliveryInProgress when it already owns the delivery.
type Scheduler interface {
	Resume(ctx context.Context, last *domain.DeliveryAttempt) error
}

// ResumerConfig holds configuration for the resumer.
type ResumerConfig struct {
	// Interval between sweeps (default: 1m). The first sweep runs on Start.
	Interval time.Duration
	// BatchSize is the page size used while walking pending deliveries
	// (default: 100).
	BatchSize int
}

func DefaultResumerConfig() ResumerConfig {
	return ResumerConfig{
		Interval:  time.Minute,
		BatchSize: 100,
	}
}

// Resumer sweeps the durable store for deliveries abandoned by a previous
// process and hands them back to the scheduler. Deliveries already owned by
// the running scheduler are skipped, so sweeps are safe to repeat.
type Resumer struct {
	config    ResumerConfig
	source    PendingSource
	scheduler Scheduler
	logger    *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

func NewResumer(source PendingSource, scheduler Scheduler, config ResumerConfig, logger *slog.Logger) *Resumer {
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resumer{
		config:    config,
		source:    source,
		scheduler: scheduler,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start runs sweeps until Stop is called or ctx is cancelled. It blocks.
func (r *Resumer) Start(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	r.logger.Info("delivery resumer started",
		"interval", r.config.Interval,
		"batch_size", r.config.BatchSize,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("delivery resumer stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("delivery resumer stopping due to stop signal")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Resumer) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Sweep walks every pending delivery page by page and returns how many were
// handed to the scheduler. Rows that cannot be resumed do not hide the rows
// after them. A full queue ends the sweep early; the next one starts over.
func (r *Resumer) Sweep(ctx context.Context) int {
	var (
		resumed int
		fetched int
		afterID int64
	)

	for ctx.Err() == nil {
		pending, err := r.source.Pending(ctx, afterID, r.config.BatchSize)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("failed to fetch pending deliveries", "error", err)
			}
			break
		}
		fetched += len(pending)

		for _, last := range pending {
			if ctx.Err() != nil {
				break
			}
			afterID = last.ID

			err := r.scheduler.Resume(ctx, last)
			switch {
			case err == nil:
				resumed++
			case errors.Is(err, domain.ErrDeliveryInProgress):
			case errors.Is(err, domain.ErrNotFound):
				r.logger.Warn("subscription gone, delivery closed",
					"delivery_id", last.DeliveryID,
					"webhook_id", last.WebhookID,
				)
			case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrPoolStopped):
				r.logger.Warn("scheduler not accepting deliveries, sweep cut short",
					"error", err,
					"resumed", resumed,
				)
				return resumed
			default:
				r.logger.Error("failed to resume delivery",
					"error", err,
					"delivery_id", last.DeliveryID,
				)
			}
		}

		if len(pending) < r.config.BatchSize {
			break
		}
	}

	if resumed > 0 {
		r.logger.Info("resumed pending deliveries", "count", resumed, "fetched", fetched)
	}
	return resumed
}
