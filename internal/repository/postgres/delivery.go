package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/repository"
)

const attemptColumns = `id, delivery_id, webhook_id, tenant_id, event, payload, attempt, success,
	status_code, response_body, error, duration_ms, created_at, delivered_at`

// latestAttempts selects the newest attempt row of every delivery.
const latestAttempts = `
	SELECT DISTINCT ON (delivery_id) ` + attemptColumns + `
	FROM delivery_attempts
	ORDER BY delivery_id, attempt DESC`

type DeliveryRepository struct {
	pool    *pgxpool.Pool
	batcher *AttemptBatcher
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

// WithBatcher enables batched attempt inserts for improved throughput.
// Record still blocks until its own row is persisted.
func (r *DeliveryRepository) WithBatcher(config BatcherConfig) *DeliveryRepository {
	r.batcher = NewAttemptBatcher(r.pool, config)
	return r
}

// Shutdown flushes any pending batched attempts.
func (r *DeliveryRepository) Shutdown(ctx context.Context) error {
	if r.batcher != nil {
		return r.batcher.Shutdown(ctx)
	}
	return nil
}

func scanAttempt(row scanner) (*domain.DeliveryAttempt, error) {
	var (
		a     domain.DeliveryAttempt
		event string
	)
	err := row.Scan(
		&a.ID,
		&a.DeliveryID,
		&a.WebhookID,
		&a.TenantID,
		&event,
		&a.Payload,
		&a.Attempt,
		&a.Success,
		&a.StatusCode,
		&a.ResponseBody,
		&a.Error,
		&a.DurationMs,
		&a.CreatedAt,
		&a.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	a.Event = domain.EventType(event)
	return &a, nil
}

func collectAttempts(rows pgx.Rows) ([]*domain.DeliveryAttempt, error) {
	defer rows.Close()

	attempts := []*domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}

func createdAtOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *DeliveryRepository) Record(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if r.batcher != nil {
		return r.batcher.Add(ctx, attempt)
	}

	const query = `
		INSERT INTO delivery_attempts (delivery_id, webhook_id, tenant_id, event, payload, attempt, success,
			status_code, response_body, error, duration_ms, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), $13)
		ON CONFLICT (delivery_id, attempt) DO NOTHING
		RETURNING id, created_at
	`

	err := r.pool.QueryRow(ctx, query,
		attempt.DeliveryID,
		attempt.WebhookID,
		attempt.TenantID,
		string(attempt.Event),
		payloadOrEmpty(attempt.Payload),
		attempt.Attempt,
		attempt.Success,
		attempt.StatusCode,
		attempt.ResponseBody,
		attempt.Error,
		attempt.DurationMs,
		createdAtOrNil(attempt.CreatedAt),
		attempt.DeliveredAt,
	).Scan(&attempt.ID, &attempt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *DeliveryRepository) Get(ctx context.Context, deliveryID string) ([]*domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE delivery_id = $1 ORDER BY attempt`

	rows, err := r.pool.Query(ctx, query, deliveryID)
	if err != nil {
		return nil, err
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, domain.ErrNotFound
	}
	return attempts, nil
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

	var (
		rows pgx.Rows
		err  error
	)
	if q.After > 0 {
		query := `SELECT * FROM (
			SELECT ` + attemptColumns + ` FROM delivery_attempts
			WHERE webhook_id = $1 AND id > $2
			ORDER BY id ASC
			LIMIT $3
		) AS window_rows ORDER BY id DESC`
		rows, err = r.pool.Query(ctx, query, q.WebhookID, q.After, q.Limit)
	} else {
		query := `SELECT ` + attemptColumns + ` FROM delivery_attempts
			WHERE webhook_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
			ORDER BY id DESC
			LIMIT $3`
		rows, err = r.pool.Query(ctx, query, q.WebhookID, q.Before, q.Limit)
	}
	if err != nil {
		return nil, err
	}

	items, err := collectAttempts(rows)
	if err != nil {
		return nil, err
	}
	page := &repository.DeliveryPage{Items: items}

	exists := func(cond string, id int64) (bool, error) {
		var ok bool
		query := `SELECT EXISTS (SELECT 1 FROM delivery_attempts WHERE webhook_id = $1 AND ` + cond + `)`
		err := r.pool.QueryRow(ctx, query, q.WebhookID, id).Scan(&ok)
		return ok, err
	}

	if len(items) > 0 {
		if page.HasMore, err = exists("id < $2", items[len(items)-1].ID); err != nil {
			return nil, err
		}
		if page.HasPrevious, err = exists("id > $2", items[0].ID); err != nil {
			return nil, err
		}
	} else {
		if q.Before > 0 {
			if page.HasPrevious, err = exists("id >= $2", q.Before); err != nil {
				return nil, err
			}
		}
		if q.After > 0 {
			if page.HasMore, err = exists("id <= $2", q.After); err != nil {
				return nil, err
			}
		}
	}
	page.SetCursors()
	return page, nil
}

func (r *DeliveryRepository) Stats(ctx context.Context, webhookID *string) (*domain.DeliveryStats, error) {
	const query = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       COUNT(DISTINCT delivery_id)
		FROM delivery_attempts
		WHERE ($1::text IS NULL OR webhook_id = $1)
	`

	var stats domain.DeliveryStats
	err := r.pool.QueryRow(ctx, query, webhookID).Scan(
		&stats.Total,
		&stats.Successful,
		&stats.Failed,
		&stats.Deliveries,
	)
	if err != nil {
		return nil, err
	}
	stats.ComputeRate()
	return &stats, nil
}

func (r *DeliveryRepository) Pending(ctx context.Context, afterID int64, limit int) ([]*domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM (` + latestAttempts + `) AS latest
		WHERE NOT success AND delivered_at IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func (r *DeliveryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM delivery_attempts
		WHERE delivery_id IN (
			SELECT delivery_id FROM (` + latestAttempts + `) AS latest
			WHERE (success OR delivered_at IS NOT NULL) AND created_at < $1
		)`

	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
