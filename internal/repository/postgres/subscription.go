package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

const subscriptionColumns = `id, name, url, events, secret, status, tenant_id, condition, created_at, updated_at`

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub    domain.Subscription
		events []string
		status string
	)
	err := row.Scan(
		&sub.ID,
		&sub.Name,
		&sub.URL,
		&events,
		&sub.Secret,
		&status,
		&sub.TenantID,
		&sub.Condition,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	sub.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		sub.Events[i] = domain.EventType(e)
	}
	return &sub, nil
}

func eventStrings(events []domain.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	const query = `
		INSERT INTO subscriptions (id, name, url, events, secret, status, tenant_id, condition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		sub.ID,
		sub.Name,
		sub.URL,
		eventStrings(sub.Events),
		sub.Secret,
		string(sub.Status),
		sub.TenantID,
		sub.Condition,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *SubscriptionRepository) Update(ctx context.Context, id string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	sub, err := scanSubscription(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := mutate(sub); err != nil {
		return nil, err
	}
	sub.ID = id

	const update = `
		UPDATE subscriptions
		SET name = $2, url = $3, events = $4, secret = $5, status = $6,
		    tenant_id = $7, condition = $8, updated_at = $9
		WHERE id = $1
	`
	_, err = tx.Exec(ctx, update,
		sub.ID,
		sub.Name,
		sub.URL,
		eventStrings(sub.Events),
		sub.Secret,
		string(sub.Status),
		sub.TenantID,
		sub.Condition,
		sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM subscriptions WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// eventMatchSQL matches the event in $n against exact, "<domain>.*" and "*" entries.
func eventMatchSQL(n int) string {
	return fmt.Sprintf(`($%d = ANY(events) OR '*' = ANY(events) OR split_part($%d, '.', 1) || '.*' = ANY(events))`, n, n)
}

func (r *SubscriptionRepository) List(ctx context.Context, filter repository.SubscriptionFilter, page repository.Page) (*repository.SubscriptionList, error) {
	page = page.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Event != nil {
		args = append(args, string(*filter.Event))
		where = append(where, eventMatchSQL(len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`+clause, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM subscriptions%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		subscriptionColumns, clause, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := &repository.SubscriptionList{Items: []*domain.Subscription{}, TotalCount: total}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	list.HasMore = page.Offset+len(list.Items) < total
	list.HasPrevious = page.Offset > 0 && total > 0
	return list, nil
}

func (r *SubscriptionRepository) FindActiveMatching(ctx context.Context, event domain.EventType, tenantID *string) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'active'
		AND (tenant_id IS NULL OR tenant_id = $2)
		AND ` + eventMatchSQL(1)

	rows, err := r.pool.Query(ctx, query, string(event), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.Matches(event, tenantID) {
			subs = append(subs, sub)
		}
	}

	return subs, rows.Err()
}
