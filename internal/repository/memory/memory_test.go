package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

func ptr[T any](v T) *T { return &v }

func newSub(id string, events ...domain.EventType) *domain.Subscription {
	return &domain.Subscription{
		ID:        id,
		Name:      id,
		URL:       "https://example.com/" + id,
		Events:    events,
		Status:    domain.SubscriptionStatusActive,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubscriptionRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()

	sub := newSub("a", domain.EventOrderCreated)
	require.NoError(t, repo.Create(ctx, sub))
	assert.ErrorIs(t, repo.Create(ctx, sub), domain.ErrAlreadyExists)

	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)

	got.URL = "https://mutated.example.com"
	again, _ := repo.GetByID(ctx, "a")
	assert.Equal(t, sub.URL, again.URL, "stored value must not alias returned copy")

	updated, err := repo.Update(ctx, "a", func(s *domain.Subscription) error {
		s.Name = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	_, err = repo.Update(ctx, "a", func(s *domain.Subscription) error {
		s.Name = "discarded"
		return domain.ErrInvalidInput
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	got, _ = repo.GetByID(ctx, "a")
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "a"), domain.ErrNotFound)
	_, err = repo.Update(ctx, "a", func(*domain.Subscription) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscriptionRepository_FindActiveMatching(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()

	global := newSub("global", domain.EventContentPublished)
	scoped := newSub("scoped", domain.EventContentPublished)
	scoped.TenantID = ptr("t1")
	inactive := newSub("inactive", domain.EventContentPublished)
	inactive.Status = domain.SubscriptionStatusInactive
	wildcard := newSub("wildcard", "content.*")
	other := newSub("other", domain.EventOrderCreated)

	for _, s := range []*domain.Subscription{global, scoped, inactive, wildcard, other} {
		require.NoError(t, repo.Create(ctx, s))
	}

	ids := func(subs []*domain.Subscription) []string {
		var out []string
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}

	got, err := repo.FindActiveMatching(ctx, domain.EventContentPublished, ptr("t1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"global", "scoped", "wildcard"}, ids(got))

	got, err = repo.FindActiveMatching(ctx, domain.EventContentPublished, ptr("t2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"global", "wildcard"}, ids(got))

	got, err = repo.FindActiveMatching(ctx, domain.EventUserCreated, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscriptionRepository_List_Pagination(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s := newSub(fmt.Sprintf("s%d", i), domain.EventOrderCreated)
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, s))
	}

	tests := []struct {
		name         string
		page         repository.Page
		wantIDs      []string
		wantMore     bool
		wantPrevious bool
	}{
		{"first page", repository.Page{Limit: 2}, []string{"s4", "s3"}, true, false},
		{"middle page", repository.Page{Limit: 2, Offset: 2}, []string{"s2", "s1"}, true, true},
		{"last page exact", repository.Page{Limit: 1, Offset: 4}, []string{"s0"}, false, true},
		{"everything", repository.Page{Limit: 5}, []string{"s4", "s3", "s2", "s1", "s0"}, false, false},
		{"offset past end", repository.Page{Limit: 2, Offset: 10}, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := repo.List(ctx, repository.SubscriptionFilter{}, tt.page)
			require.NoError(t, err)

			var ids []string
			for _, s := range list.Items {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, 5, list.TotalCount)
			assert.Equal(t, tt.wantMore, list.HasMore, "HasMore")
			assert.Equal(t, tt.wantPrevious, list.HasPrevious, "HasPrevious")
		})
	}
}

func TestSubscriptionRepository_List_EmptyHasNoPrevious(t *testing.T) {
	repo := NewSubscriptionRepository()
	list, err := repo.List(context.Background(), repository.SubscriptionFilter{}, repository.Page{Offset: 20})
	require.NoError(t, err)
	assert.False(t, list.HasPrevious)
	assert.False(t, list.HasMore)
}

func TestSubscriptionRepository_List_Filter(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()

	a := newSub("a", domain.EventOrderCreated)
	b := newSub("b", domain.EventUserCreated)
	b.Status = domain.SubscriptionStatusInactive
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	inactive := domain.SubscriptionStatusInactive
	list, err := repo.List(ctx, repository.SubscriptionFilter{Status: &inactive}, repository.Page{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "b", list.Items[0].ID)

	event := domain.EventOrderCreated
	list, err = repo.List(ctx, repository.SubscriptionFilter{Event: &event}, repository.Page{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "a", list.Items[0].ID)
}

func TestSubscriptionRepository_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository()
	require.NoError(t, repo.Create(ctx, newSub("a", domain.EventOrderCreated)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.Update(ctx, "a", func(s *domain.Subscription) error {
				s.Events = append(s.Events, domain.EventOrderUpdated)
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Events, 51)
}

func attempt(deliveryID, webhookID string, n int, success bool, terminal bool) *domain.DeliveryAttempt {
	a := &domain.DeliveryAttempt{
		DeliveryID: deliveryID,
		WebhookID:  webhookID,
		Event:      domain.EventOrderCreated,
		Attempt:    n,
		Success:    success,
	}
	if success || terminal {
		now := time.Now()
		a.DeliveredAt = &now
	}
	return a
}

func TestDeliveryRepository_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	require.NoError(t, repo.Record(ctx, attempt("d1", "w1", 1, false, false)))
	require.NoError(t, repo.Record(ctx, attempt("d1", "w1", 2, true, false)))
	assert.ErrorIs(t, repo.Record(ctx, attempt("d1", "w1", 2, true, false)), domain.ErrAlreadyExists)

	rows, err := repo.Get(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, 2, rows[1].Attempt)
	assert.Less(t, rows[0].ID, rows[1].ID)
	assert.False(t, rows[0].CreatedAt.IsZero())

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeliveryRepository_ListForWebhook(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Record(ctx, attempt(fmt.Sprintf("d%d", i), "w1", 1, true, false)))
	}
	require.NoError(t, repo.Record(ctx, attempt("x", "w2", 1, true, false)))

	rows, err := repo.ListForWebhook(ctx, "w1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "d3", rows[0].DeliveryID)
	assert.Equal(t, "d2", rows[1].DeliveryID)
}

func TestDeliveryRepository_Page_VerifiesNeighbours(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	// IDs 1..4 for w1.
	for i := 1; i <= 4; i++ {
		require.NoError(t, repo.Record(ctx, attempt(fmt.Sprintf("d%d", i), "w1", 1, true, false)))
	}

	first, err := repo.Page(ctx, repository.DeliveryQuery{WebhookID: "w1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, itemIDs(first))
	assert.True(t, first.HasMore)
	assert.False(t, first.HasPrevious)
	assert.Equal(t, int64(3), first.NextCursor)

	second, err := repo.Page(ctx, repository.DeliveryQuery{WebhookID: "w1", Limit: 2, Before: first.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, itemIDs(second))
	assert.False(t, second.HasMore, "no row exists past the last page")
	assert.True(t, second.HasPrevious)
	assert.Zero(t, second.NextCursor)

	back, err := repo.Page(ctx, repository.DeliveryQuery{WebhookID: "w1", Limit: 2, After: second.PrevCursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, itemIDs(back))
	assert.False(t, back.HasPrevious)
	assert.True(t, back.HasMore)

	empty, err := repo.Page(ctx, repository.DeliveryQuery{WebhookID: "w1", Limit: 2, Before: 1})
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.False(t, empty.HasMore)
	assert.True(t, empty.HasPrevious)
}

func itemIDs(p *repository.DeliveryPage) []int64 {
	var ids []int64
	for _, a := range p.Items {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestDeliveryRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	require.NoError(t, repo.Record(ctx, attempt("d1", "w1", 1, false, false)))
	require.NoError(t, repo.Record(ctx, attempt("d1", "w1", 2, false, false)))
	require.NoError(t, repo.Record(ctx, attempt("d1", "w1", 3, false, true)))
	require.NoError(t, repo.Record(ctx, attempt("d2", "w2", 1, true, false)))

	w1 := "w1"
	stats, err := repo.Stats(ctx, &w1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(0), stats.Successful)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(1), stats.Deliveries)
	assert.Zero(t, stats.SuccessRate)

	all, err := repo.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Total)
	assert.Equal(t, int64(1), all.Successful)
	assert.InDelta(t, 0.25, all.SuccessRate, 1e-9)
}

func TestDeliveryRepository_Pending(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	require.NoError(t, repo.Record(ctx, attempt("retrying", "w1", 1, false, false)))
	require.NoError(t, repo.Record(ctx, attempt("done", "w1", 1, true, false)))
	require.NoError(t, repo.Record(ctx, attempt("dead", "w1", 1, false, true)))
	require.NoError(t, repo.Record(ctx, attempt("recovered", "w1", 1, false, false)))
	require.NoError(t, repo.Record(ctx, attempt("recovered", "w1", 2, true, false)))

	pending, err := repo.Pending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "retrying", pending[0].DeliveryID)
}

func TestDeliveryRepository_Pending_PagesByID(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, repo.Record(ctx, attempt(id, "w1", 1, false, false)))
	}

	first, err := repo.Pending(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "p1", first[0].DeliveryID)
	assert.Equal(t, "p2", first[1].DeliveryID)

	rest, err := repo.Pending(ctx, first[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "p3", rest[0].DeliveryID)

	empty, err := repo.Pending(ctx, rest[0].ID, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeliveryRepository_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()

	old := time.Now().Add(-48 * time.Hour)
	a1 := attempt("old", "w1", 1, false, false)
	a1.CreatedAt = old
	a2 := attempt("old", "w1", 2, true, false)
	a2.CreatedAt = old
	stale := attempt("stale-pending", "w1", 1, false, false)
	stale.CreatedAt = old
	require.NoError(t, repo.Record(ctx, a1))
	require.NoError(t, repo.Record(ctx, a2))
	require.NoError(t, repo.Record(ctx, stale))
	require.NoError(t, repo.Record(ctx, attempt("fresh", "w1", 1, true, false)))

	removed, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = repo.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.Get(ctx, "stale-pending")
	assert.NoError(t, err, "unresolved deliveries are kept")
	_, err = repo.Get(ctx, "fresh")
	assert.NoError(t, err)
}
