package domain

import (
	"encoding/json"
	"time"
)

// DeliveryState is the scheduler-side lifecycle of one delivery.
type DeliveryState string

const (
	DeliveryStatePending         DeliveryState = "pending"
	DeliveryStateInFlight        DeliveryState = "in_flight"
	DeliveryStateSuccess         DeliveryState = "success"
	DeliveryStateFailedRetryable DeliveryState = "failed_retryable"
	DeliveryStateFailedTerminal  DeliveryState = "failed_terminal"
)

func (s DeliveryState) Terminal() bool {
	return s == DeliveryStateSuccess || s == DeliveryStateFailedTerminal
}

// DeliveryAttempt is one HTTP try. Attempts sharing a DeliveryID form the
// history of one (event, webhook) delivery; rows are never updated.
type DeliveryAttempt struct {
	ID           int64           `json:"id"`
	DeliveryID   string          `json:"delivery_id"`
	WebhookID    string          `json:"webhook_id"`
	TenantID     *string         `json:"tenant_id,omitempty"`
	Event        EventType       `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	Success      bool            `json:"success"`
	StatusCode   *int            `json:"status_code,omitempty"`
	ResponseBody *string         `json:"response_body,omitempty"`
	Error        *string         `json:"error,omitempty"`
	DurationMs   int             `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	// DeliveredAt is set on the attempt that resolved the delivery,
	// whether it succeeded or exhausted its retries.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// State derives the delivery state implied by this attempt being the latest.
func (a *DeliveryAttempt) State() DeliveryState {
	switch {
	case a.Success:
		return DeliveryStateSuccess
	case a.DeliveredAt != nil:
		return DeliveryStateFailedTerminal
	default:
		return DeliveryStateFailedRetryable
	}
}

// DeliveryJob is the unit of work owned by the scheduler until terminal.
type DeliveryJob struct {
	DeliveryID string          `json:"delivery_id"`
	WebhookID  string          `json:"webhook_id"`
	URL        string          `json:"url"`
	Secret     *string         `json:"-"`
	TenantID   *string         `json:"tenant_id,omitempty"`
	Event      EventType       `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	// MaxAttempts overrides the retry policy when non-zero.
	MaxAttempts int       `json:"max_attempts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDeliveryJob builds the first attempt of a delivery of event to sub.
func NewDeliveryJob(deliveryID string, sub *Subscription, tenantID *string, event EventType, payload json.RawMessage, now time.Time) *DeliveryJob {
	return &DeliveryJob{
		DeliveryID: deliveryID,
		WebhookID:  sub.ID,
		URL:        sub.URL,
		Secret:     sub.Secret,
		TenantID:   tenantID,
		Event:      event,
		Payload:    payload,
		Attempt:    1,
		CreatedAt:  now,
	}
}

// DeliveryStats aggregates attempts. Total, Successful and Failed count
// attempts, not deliveries; Deliveries counts distinct delivery IDs.
type DeliveryStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	Deliveries  int64   `json:"deliveries"`
}

// ComputeRate fills SuccessRate from the counters.
func (s *DeliveryStats) ComputeRate() {
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.Successful) / float64(s.Total)
}
