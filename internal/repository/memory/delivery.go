package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

// DeliveryRepository keeps attempts in insertion order. IDs grow
// monotonically, so ID order is recording order.
type DeliveryRepository struct {
	mu         sync.RWMutex
	seq        int64
	attempts   []*domain.DeliveryAttempt
	byDelivery map[string][]*domain.DeliveryAttempt
	now        func() time.Time
}

func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{
		byDelivery: make(map[string][]*domain.DeliveryAttempt),
		now:        time.Now,
	}
}

func cloneAttempt(a *domain.DeliveryAttempt) *domain.DeliveryAttempt {
	c := *a
	return &c
}

func (r *DeliveryRepository) Record(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prev := range r.byDelivery[attempt.DeliveryID] {
		if prev.Attempt == attempt.Attempt {
			return domain.ErrAlreadyExists
		}
	}

	r.seq++
	attempt.ID = r.seq
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = r.now()
	}

	stored := cloneAttempt(attempt)
	r.attempts = append(r.attempts, stored)
	r.byDelivery[attempt.DeliveryID] = append(r.byDelivery[attempt.DeliveryID], stored)
	return nil
}

func (r *DeliveryRepository) Get(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows := r.byDelivery[deliveryID]
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}

	out := make([]*domain.DeliveryAttempt, len(rows))
	for i, a := range rows {
		out[i] = cloneAttempt(a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (r *DeliveryRepository) ListForWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.DeliveryAttempt, error) {
	page, err := r.Page(ctx, repository.DeliveryQuery{WebhookID: webhookID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (r *DeliveryRepository) Page(ctx context.Context, q repository.DeliveryQuery) (*repository.DeliveryPage, error) {
	q = q.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Newest first.
	var rows []*domain.DeliveryAttempt
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if a := r.attempts[i]; a.WebhookID == q.WebhookID {
			rows = append(rows, a)
		}
	}

	var window []*domain.DeliveryAttempt
	switch {
	case q.After > 0:
		// Closest rows above the cursor, still newest first.
		var above []*domain.DeliveryAttempt
		for _, a := range rows {
			if a.ID > q.After {
				above = append(above, a)
			}
		}
		window = above[max(0, len(above)-q.Limit):]
	default:
		for _, a := range rows {
			if q.Before > 0 && a.ID >= q.Before {
				continue
			}
			window = append(window, a)
			if len(window) == q.Limit {
				break
			}
		}
	}

	page := &repository.DeliveryPage{Items: make([]*domain.DeliveryAttempt, 0, len(window))}
	for _, a := range window {
		page.Items = append(page.Items, cloneAttempt(a))
	}

	exists := func(pred func(int64) bool) bool {
		for _, a := range rows {
			if pred(a.ID) {
				return true
			}
		}
		return false
	}

	if len(window) > 0 {
		newest, oldest := window[0].ID, window[len(window)-1].ID
		page.HasMore = exists(func(id int64) bool { return id < oldest })
		page.HasPrevious = exists(func(id int64) bool { return id > newest })
	} else {
		if q.Before > 0 {
			page.HasPrevious = exists(func(id int64) bool { return id >= q.Before })
		}
		if q.After > 0 {
			page.HasMore = exists(func(id int64) bool { return id <= q.After })
		}
	}
	page.SetCursors()
	return page, nil
}

func (r *DeliveryRepository) Stats(ctx context.Context, webhookID *string) (*domain.DeliveryStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &domain.DeliveryStats{}
	deliveries := make(map[string]struct{})
	for _, a := range r.attempts {
		if webhookID != nil && a.WebhookID != *webhookID {
			continue
		}
		stats.Total++
		if a.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		deliveries[a.DeliveryID] = struct{}{}
	}
	stats.Deliveries = int64(len(deliveries))
	stats.ComputeRate()
	return stats, nil
}

func (r *DeliveryRepository) latest() []*domain.DeliveryAttempt {
	out := make([]*domain.DeliveryAttempt, 0, len(r.byDelivery))
	for _, rows := range r.byDelivery {
		last := rows[0]
		for _, a := range rows[1:] {
			if a.Attempt > last.Attempt {
				last = a
			}
		}
		out = append(out, last)
	}
	return out
}

func (r *DeliveryRepository) Pending(ctx context.Context, afterID int64, limit int) ([]*domain.DeliveryAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*domain.DeliveryAttempt
	for _, last := range r.latest() {
		if last.ID > afterID && last.State() == domain.DeliveryStateFailedRetryable {
			pending = append(pending, cloneAttempt(last))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *DeliveryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make(map[string]struct{})
	for _, last := range r.latest() {
		if last.State().Terminal() && last.CreatedAt.Before(before) {
			expired[last.DeliveryID] = struct{}{}
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var removed int64
	kept := r.attempts[:0]
	for _, a := range r.attempts {
		if _, ok := expired[a.DeliveryID]; ok {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	r.attempts = kept
	for id := range expired {
		delete(r.byDelivery, id)
	}
	return removed, nil
}
