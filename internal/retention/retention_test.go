package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/observability"
	"github.com/felipemaragno/eventhooks/internal/repository/memory"
)

var now = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

func record(t *testing.T, repo *memory.DeliveryRepository, deliveryID string, attempt int, success, terminal bool, at time.Time) {
	t.Helper()
	a := &domain.DeliveryAttempt{
		DeliveryID: deliveryID,
		WebhookID:  "wh-1",
		Event:      domain.EventOrderCreated,
		Attempt:    attempt,
		Success:    success,
		CreatedAt:  at,
	}
	if success || terminal {
		a.DeliveredAt = &at
	}
	if err := repo.Record(context.Background(), a); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestJob_Run(t *testing.T) {
	repo := memory.NewDeliveryRepository()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	record(t, repo, "old-success", 1, false, false, old)
	record(t, repo, "old-success", 2, true, false, old)
	record(t, repo, "old-terminal", 1, false, true, old)
	record(t, repo, "old-pending", 1, false, false, old)
	record(t, repo, "recent-success", 1, true, false, recent)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)

	job, err := New(Config{Schedule: "@daily", MaxAge: 24 * time.Hour}, repo, clock.NewMock(now), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	job.WithMetrics(metrics)

	if got := job.Run(context.Background()); got != 3 {
		t.Errorf("Run() = %d, want 3 rows removed", got)
	}

	tests := []struct {
		deliveryID string
		wantKept   bool
	}{
		{"old-success", false},
		{"old-terminal", false},
		{"old-pending", true},
		{"recent-success", true},
	}
	for _, tt := range tests {
		_, err := repo.Get(context.Background(), tt.deliveryID)
		if kept := err == nil; kept != tt.wantKept {
			t.Errorf("%s kept = %v, want %v", tt.deliveryID, kept, tt.wantKept)
		}
	}

	if got := testutil.ToFloat64(metrics.RetentionDeleted); got != 3 {
		t.Errorf("RetentionDeleted = %v, want 3", got)
	}
}

type failingPruner struct{}

func (failingPruner) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestJob_Run_StoreError(t *testing.T) {
	job, err := New(DefaultConfig(), failingPruner{}, clock.NewMock(now), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := job.Run(context.Background()); got != 0 {
		t.Errorf("Run() = %d, want 0 on store error", got)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"bad schedule", Config{Schedule: "not a schedule", MaxAge: time.Hour}},
		{"zero max age", Config{Schedule: "@hourly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config, failingPruner{}, nil, nil); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestJob_StartStop(t *testing.T) {
	job, err := New(DefaultConfig(), memory.NewDeliveryRepository(), nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	job.Start()
	done := make(chan struct{})
	go func() {
		job.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}
