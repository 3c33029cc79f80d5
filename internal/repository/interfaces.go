// Package repository defines the storage contracts for subscriptions and
// delivery history. Implementations live in the memory and postgres
// subpackages and return domain.ErrNotFound for missing rows.
package repository

import (
	"context"
	"time"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// SubscriptionRepository persists webhook subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	// Update loads the subscription, applies mutate and stores the result.
	// Concurrent updates of one subscription are serialized; an error from
	// mutate aborts the update.
	Update(ctx context.Context, id string, mutate func(*domain.Subscription) error) (*domain.Subscription, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter SubscriptionFilter, page Page) (*SubscriptionList, error)
	FindActiveMatching(ctx context.Context, event domain.EventType, tenantID *string) ([]*domain.Subscription, error)
}

// DeliveryRepository is the append-only log of delivery attempts.
type DeliveryRepository interface {
	// Record appends an attempt, assigning ID and CreatedAt. A second row
	// for the same (DeliveryID, Attempt) fails with domain.ErrAlreadyExists.
	Record(ctx context.Context, attempt *domain.DeliveryAttempt) error
	// Get returns every attempt of a delivery ordered by attempt number.
	Get(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error)
	// ListForWebhook returns up to limit attempts, most recent first.
	ListForWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.DeliveryAttempt, error)
	Page(ctx context.Context, q DeliveryQuery) (*DeliveryPage, error)
	// Stats counts attempts, optionally restricted to one webhook.
	Stats(ctx context.Context, webhookID *string) (*domain.DeliveryStats, error)
	// Pending returns the latest attempt of each delivery that is neither
	// successful nor terminal, ordered by attempt ID and starting after
	// afterID. Pass the last returned ID to read the next page.
	Pending(ctx context.Context, afterID int64, limit int) ([]*domain.DeliveryAttempt, error)
	// DeleteOlderThan removes resolved deliveries whose last attempt
	// predates before, returning the number of attempt rows removed.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type SubscriptionFilter struct {
	Status   *domain.SubscriptionStatus
	TenantID *string
	Event    *domain.EventType
}

// Matches applies the filter in memory.
func (f SubscriptionFilter) Matches(s *domain.Subscription) bool {
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.TenantID != nil && (s.TenantID == nil || *s.TenantID != *f.TenantID) {
		return false
	}
	if f.Event != nil && !s.MatchesEventType(*f.Event) {
		return false
	}
	return true
}

// Page is an offset window over a listing.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the limit into [1, MaxPageSize] and the offset to >= 0.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// SubscriptionList is one page of subscriptions. HasMore and HasPrevious
// reflect rows that actually exist beyond the page.
type SubscriptionList struct {
	Items       []*domain.Subscription `json:"items"`
	TotalCount  int                    `json:"total_count"`
	HasMore     bool                   `json:"has_more"`
	HasPrevious bool                   `json:"has_previous"`
}

// DeliveryQuery selects a keyset page of one webhook's attempts, most
// recent first. Before and After are attempt IDs; zero means unset.
type DeliveryQuery struct {
	WebhookID string
	Limit     int
	Before    int64
	After     int64
}

func (q DeliveryQuery) Normalize() DeliveryQuery {
	p := Page{Limit: q.Limit}.Normalize()
	q.Limit = p.Limit
	return q
}

// DeliveryPage is one keyset page. Cursors are only set when the
// neighbouring row exists.
type DeliveryPage struct {
	Items       []*domain.DeliveryAttempt `json:"items"`
	HasMore     bool                      `json:"has_more"`
	HasPrevious bool                      `json:"has_previous"`
	NextCursor  int64                     `json:"next_cursor,omitempty"`
	PrevCursor  int64                     `json:"prev_cursor,omitempty"`
}

// SetCursors fills the cursor fields from the item IDs and the verified flags.
func (p *DeliveryPage) SetCursors() {
	if len(p.Items) == 0 {
		return
	}
	if p.HasMore {
		p.NextCursor = p.Items[len(p.Items)-1].ID
	}
	if p.HasPrevious {
		p.PrevCursor = p.Items[0].ID
	}
}
