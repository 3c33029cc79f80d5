// Package dispatcher turns a domain event into one delivery job per
// matching webhook subscription and hands the jobs to the scheduler.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
)

// Subscriptions is the part of the registry the dispatcher reads.
// *registry.Registry implements it.
type Subscriptions interface {
	Get(ctx context.Context, id string) (*domain.Subscription, error)
	FindActiveMatching(ctx context.Context, event domain.EventType, tenantID *string) ([]*domain.Subscription, error)
}

// Scheduler accepts delivery jobs. *worker.Pool implements it.
type Scheduler interface {
	Enqueue(job *domain.DeliveryJob) error
	EnqueueAndWait(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryAttempt, error)
	Retry(ctx context.Context, deliveryID string) error
}

// TriggerResult counts enqueue outcomes, not delivery outcomes.
type TriggerResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type Dispatcher struct {
	subs       Subscriptions
	scheduler  Scheduler
	conditions *Conditions
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	newID      func() string
}

func New(subs Subscriptions, scheduler Scheduler, conditions *Conditions, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if conditions == nil {
		conditions = NewConditions(0)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Dispatcher{
		subs:       subs,
		scheduler:  scheduler,
		conditions: conditions,
		clock:      clk,
		logger:     logger,
		newID:      uuid.NewString,
	}
}

func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Trigger enqueues a delivery of event to every active subscription that
// matches it. It returns as soon as the jobs are queued. A subscription
// whose job cannot be queued, or whose condition fails to evaluate, counts
// as Failed.
func (d *Dispatcher) Trigger(ctx context.Context, tenantID *string, event domain.EventType, payload json.RawMessage) (TriggerResult, error) {
	var result TriggerResult

	if _, err := domain.ParseEventType(string(event)); err != nil {
		return result, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return result, &domain.ValidationError{Field: "data", Message: "must be valid JSON"}
	}

	subs, err := d.subs.FindActiveMatching(ctx, event, tenantID)
	if err != nil {
		return result, fmt.Errorf("find subscriptions: %w", err)
	}
	if d.metrics != nil {
		d.metrics.EventsTriggered.WithLabelValues(string(event)).Inc()
	}
	if len(subs) == 0 {
		d.logger.Debug("no subscriptions for event", "event", event)
		return result, nil
	}

	now := d.clock.Now().UTC()
	for _, sub := range subs {
		ok, err := d.conditions.Match(sub.Condition, event, tenantID, payload)
		if err != nil {
			d.logger.Warn("subscription condition failed",
				"webhook_id", sub.ID,
				"event", event,
				"error", err,
			)
			result.Failed++
			continue
		}
		if !ok {
			continue
		}

		job := domain.NewDeliveryJob(d.newID(), sub, tenantID, event, payload, now)
		if err := d.scheduler.Enqueue(job); err != nil {
			d.logger.Error("failed to enqueue delivery",
				"delivery_id", job.DeliveryID,
				"webhook_id", sub.ID,
				"event", event,
				"error", err,
			)
			result.Failed++
			continue
		}
		result.Success++
	}

	d.logger.Info("event dispatched",
		"event", event,
		"matched", len(subs),
		"enqueued", result.Success,
		"failed", result.Failed,
	)
	return result, nil
}

// TestWebhook sends a single webhook.test delivery to the subscription,
// regardless of its status and event filter, and waits for the recorded
// attempt.
func (d *Dispatcher) TestWebhook(ctx context.Context, webhookID string) (*domain.DeliveryAttempt, error) {
	sub, err := d.subs.Get(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now().UTC()
	payload, err := json.Marshal(map[string]any{
		"webhook_id": sub.ID,
		"message":    "This is a test delivery",
		"sent_at":    now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	job := domain.NewDeliveryJob(d.newID(), sub, sub.TenantID, domain.EventWebhookTest, payload, now)
	job.MaxAttempts = 1

	attempt, err := d.scheduler.EnqueueAndWait(ctx, job)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, errors.New("test delivery resolved without an attempt")
	}
	return attempt, nil
}

// RetryDelivery re-enters a terminally failed delivery for one more attempt.
func (d *Dispatcher) RetryDelivery(ctx context.Context, deliveryID string) error {
	return d.scheduler.Retry(ctx, deliveryID)
}
