// Package memory provides in-process repositories used when no database is
// configured and in tests. Returned values are copies; callers may mutate them.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

type SubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[string]*domain.Subscription
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{subs: make(map[string]*domain.Subscription)}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sub.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.subs[sub.ID] = sub.Clone()
	return nil
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sub.Clone(), nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, id string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	updated := sub.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.ID = id
	r.subs[id] = updated
	return updated.Clone(), nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.subs, id)
	return nil
}

func (r *SubscriptionRepository) List(ctx context.Context, filter repository.SubscriptionFilter, page repository.Page) (*repository.SubscriptionList, error) {
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]*domain.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if filter.Matches(sub) {
			matched = append(matched, sub.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)

	return &repository.SubscriptionList{
		Items:       matched[start:end],
		TotalCount:  total,
		HasMore:     end < total,
		HasPrevious: page.Offset > 0 && total > 0,
	}, nil
}

func (r *SubscriptionRepository) FindActiveMatching(ctx context.Context, event domain.EventType, tenantID *string) ([]*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []*domain.Subscription
	for _, sub := range r.subs {
		if sub.Matches(event, tenantID) {
			subs = append(subs, sub.Clone())
		}
	}
	return subs, nil
}
