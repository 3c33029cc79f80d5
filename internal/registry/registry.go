// Package registry manages webhook subscriptions: it validates input,
// assigns identity and timestamps, and selects the subscriptions that
// should receive an event.
package registry

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

// CreateInput carries the caller-settable fields of a new subscription.
type CreateInput struct {
	Name      string                    `json:"name"`
	URL       string                    `json:"url"`
	Events    []domain.EventType        `json:"events"`
	Secret    *string                   `json:"secret,omitempty"`
	Status    domain.SubscriptionStatus `json:"status,omitempty"`
	TenantID  *string                   `json:"tenant_id,omitempty"`
	Condition string                    `json:"condition,omitempty"`
}

type Registry struct {
	repo      repository.SubscriptionRepository
	validator domain.SubscriptionValidator
	clock     clock.Clock
	logger    *slog.Logger
	newID     func() string
}

func New(repo repository.SubscriptionRepository, validator domain.SubscriptionValidator, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		repo:      repo,
		validator: validator,
		clock:     clk,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (*domain.Subscription, error) {
	now := r.clock.Now().UTC()
	sub := &domain.Subscription{
		ID:        r.newID(),
		Name:      in.Name,
		URL:       in.URL,
		Events:    in.Events,
		Secret:    in.Secret,
		Status:    in.Status,
		TenantID:  in.TenantID,
		Condition: in.Condition,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sub.Status == "" {
		sub.Status = domain.SubscriptionStatusActive
	}
	if sub.Secret != nil && *sub.Secret == "" {
		sub.Secret = nil
	}

	if err := r.validator.Validate(sub); err != nil {
		return nil, err
	}
	if err := r.repo.Create(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("subscription created", "webhook_id", sub.ID, "url", sub.URL, "events", sub.Events)
	return sub, nil
}

// Update applies patch atomically. Applying the same patch twice leaves
// the subscription as after the first application.
func (r *Registry) Update(ctx context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error) {
	sub, err := r.repo.Update(ctx, id, func(s *domain.Subscription) error {
		patch.Apply(s, r.clock.Now().UTC())
		return r.validator.Validate(s)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("subscription updated", "webhook_id", id, "status", sub.Status)
	return sub, nil
}

// Delete removes the subscription immediately. Jobs already queued for it
// still run to completion.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("subscription deleted", "webhook_id", id)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return r.repo.GetByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter repository.SubscriptionFilter, page repository.Page) (*repository.SubscriptionList, error) {
	return r.repo.List(ctx, filter, page)
}

// FindActiveMatching returns active subscriptions for event that are either
// global or scoped to tenantID. Order is unspecified.
func (r *Registry) FindActiveMatching(ctx context.Context, event domain.EventType, tenantID *string) ([]*domain.Subscription, error) {
	return r.repo.FindActiveMatching(ctx, event, tenantID)
}
