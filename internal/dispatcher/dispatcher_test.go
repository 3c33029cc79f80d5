package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/registry"
	"github.com/felipemaragno/eventhooks/internal/repository/memory"
)

type mockScheduler struct {
	mu       sync.Mutex
	jobs     []*domain.DeliveryJob
	failFor  map[string]error
	retried  []string
	retryErr error
}

func (m *mockScheduler) Enqueue(job *domain.DeliveryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[job.WebhookID]; err != nil {
		return err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockScheduler) EnqueueAndWait(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryAttempt, error) {
	if err := m.Enqueue(job); err != nil {
		return nil, err
	}
	now := time.Now()
	return &domain.DeliveryAttempt{
		DeliveryID:  job.DeliveryID,
		WebhookID:   job.WebhookID,
		Event:       job.Event,
		Attempt:     job.Attempt,
		Success:     true,
		DeliveredAt: &now,
	}, nil
}

func (m *mockScheduler) Retry(ctx context.Context, deliveryID string) error {
	m.retried = append(m.retried, deliveryID)
	return m.retryErr
}

func strPtr(s string) *string { return &s }

func seed(t *testing.T, subs ...*domain.Subscription) *registry.Registry {
	t.Helper()
	repo := memory.NewSubscriptionRepository()
	for _, s := range subs {
		if s.Status == "" {
			s.Status = domain.SubscriptionStatusActive
		}
		if err := repo.Create(context.Background(), s); err != nil {
			t.Fatalf("Create(%s) error = %v", s.ID, err)
		}
	}
	return registry.New(repo, domain.SubscriptionValidator{}, nil, nil)
}

func newDispatcher(repo Subscriptions, sched Scheduler) *Dispatcher {
	return New(repo, sched, nil, clock.NewMock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), nil)
}

func TestDispatcher_Trigger_Matching(t *testing.T) {
	repo := seed(t,
		&domain.Subscription{ID: "global", URL: "https://a.example.com", Events: []domain.EventType{domain.EventContentCreated}},
		&domain.Subscription{ID: "acme", URL: "https://b.example.com", Events: []domain.EventType{"content.*"}, TenantID: strPtr("acme")},
		&domain.Subscription{ID: "inactive", URL: "https://c.example.com", Events: []domain.EventType{"*"}, Status: domain.SubscriptionStatusInactive},
		&domain.Subscription{ID: "orders", URL: "https://d.example.com", Events: []domain.EventType{domain.EventOrderCreated}},
	)

	tests := []struct {
		name   string
		tenant *string
		want   []string
	}{
		{"matching tenant", strPtr("acme"), []string{"acme", "global"}},
		{"other tenant", strPtr("globex"), []string{"global"}},
		{"no tenant", nil, []string{"global"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &mockScheduler{}
			d := newDispatcher(repo, sched)

			res, err := d.Trigger(context.Background(), tt.tenant, domain.EventContentCreated, json.RawMessage(`{"id":1}`))
			if err != nil {
				t.Fatalf("Trigger() error = %v", err)
			}
			if res.Success != len(tt.want) || res.Failed != 0 {
				t.Errorf("Trigger() = %+v, want %d successes", res, len(tt.want))
			}

			got := make(map[string]bool)
			ids := make(map[string]bool)
			for _, j := range sched.jobs {
				got[j.WebhookID] = true
				ids[j.DeliveryID] = true
				if j.Attempt != 1 {
					t.Errorf("job %s Attempt = %d, want 1", j.WebhookID, j.Attempt)
				}
			}
			for _, w := range tt.want {
				if !got[w] {
					t.Errorf("no job for %s", w)
				}
			}
			if len(ids) != len(sched.jobs) {
				t.Error("delivery IDs are not unique per job")
			}
		})
	}
}

func TestDispatcher_Trigger_Validation(t *testing.T) {
	d := newDispatcher(seed(t), &mockScheduler{})

	if _, err := d.Trigger(context.Background(), nil, "bogus", nil); !errors.Is(err, domain.ErrUnknownEventType) {
		t.Errorf("Trigger(bogus) error = %v, want ErrUnknownEventType", err)
	}
	if _, err := d.Trigger(context.Background(), nil, domain.EventUserCreated, json.RawMessage(`{`)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Trigger(bad json) error = %v, want ErrInvalidInput", err)
	}
}

func TestDispatcher_Trigger_NoMatches(t *testing.T) {
	sched := &mockScheduler{}
	d := newDispatcher(seed(t), sched)

	res, err := d.Trigger(context.Background(), nil, domain.EventUserCreated, nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if res != (TriggerResult{}) || len(sched.jobs) != 0 {
		t.Errorf("Trigger() = %+v with %d jobs, want zero", res, len(sched.jobs))
	}
}

func TestDispatcher_Trigger_QueueFullCountsFailed(t *testing.T) {
	repo := seed(t,
		&domain.Subscription{ID: "a", URL: "https://a.example.com", Events: []domain.EventType{"*"}},
		&domain.Subscription{ID: "b", URL: "https://b.example.com", Events: []domain.EventType{"*"}},
	)
	sched := &mockScheduler{failFor: map[string]error{"b": domain.ErrQueueFull}}
	d := newDispatcher(repo, sched)

	res, err := d.Trigger(context.Background(), nil, domain.EventMediaUploaded, nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if res.Success != 1 || res.Failed != 1 {
		t.Errorf("Trigger() = %+v, want 1 success and 1 failure", res)
	}
}

func TestDispatcher_Trigger_Conditions(t *testing.T) {
	repo := seed(t,
		&domain.Subscription{ID: "big", URL: "https://a.example.com", Events: []domain.EventType{"order.*"}, Condition: "data.total > 100"},
		&domain.Subscription{ID: "broken", URL: "https://b.example.com", Events: []domain.EventType{"order.*"}, Condition: `data.total > "x"`},
	)

	sched := &mockScheduler{}
	d := newDispatcher(repo, sched)

	res, _ := d.Trigger(context.Background(), nil, domain.EventOrderCreated, json.RawMessage(`{"total": 50}`))
	if res.Success != 0 {
		t.Errorf("small order enqueued %d jobs, want 0", res.Success)
	}

	res, _ = d.Trigger(context.Background(), nil, domain.EventOrderCreated, json.RawMessage(`{"total": 150}`))
	if res.Success != 1 || sched.jobs[0].WebhookID != "big" {
		t.Errorf("large order = %+v, want job for big", res)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1 for the broken condition", res.Failed)
	}
}

func TestDispatcher_TestWebhook(t *testing.T) {
	repo := seed(t, &domain.Subscription{
		ID:     "wh_1",
		URL:    "https://a.example.com",
		Events: []domain.EventType{domain.EventOrderCreated},
		Status: domain.SubscriptionStatusInactive,
	})
	sched := &mockScheduler{}
	d := newDispatcher(repo, sched)

	if _, err := d.TestWebhook(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("TestWebhook(missing) error = %v, want ErrNotFound", err)
	}
	if len(sched.jobs) != 0 {
		t.Fatalf("missing webhook produced %d jobs", len(sched.jobs))
	}

	attempt, err := d.TestWebhook(context.Background(), "wh_1")
	if err != nil {
		t.Fatalf("TestWebhook() error = %v", err)
	}
	if !attempt.Success {
		t.Error("attempt not successful")
	}
	job := sched.jobs[0]
	if job.Event != domain.EventWebhookTest || job.MaxAttempts != 1 || job.WebhookID != "wh_1" {
		t.Errorf("job = %+v, want single webhook.test attempt", job)
	}
}

func TestDispatcher_RetryDelivery(t *testing.T) {
	sched := &mockScheduler{retryErr: domain.ErrAlreadyDelivered}
	d := newDispatcher(seed(t), sched)

	if err := d.RetryDelivery(context.Background(), "d-1"); !errors.Is(err, domain.ErrAlreadyDelivered) {
		t.Errorf("RetryDelivery() error = %v, want ErrAlreadyDelivered", err)
	}
	if len(sched.retried) != 1 || sched.retried[0] != "d-1" {
		t.Errorf("retried = %v", sched.retried)
	}
}
