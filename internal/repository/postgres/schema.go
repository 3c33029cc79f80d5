package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		url         TEXT NOT NULL,
		events      TEXT[] NOT NULL,
		secret      TEXT,
		status      TEXT NOT NULL DEFAULT 'active',
		tenant_id   TEXT,
		condition   TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_active ON subscriptions(status) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id             BIGSERIAL PRIMARY KEY,
		delivery_id    TEXT NOT NULL,
		webhook_id     TEXT NOT NULL,
		tenant_id      TEXT,
		event          TEXT NOT NULL,
		payload        JSONB NOT NULL DEFAULT '{}',
		attempt        INT NOT NULL,
		success        BOOLEAN NOT NULL,
		status_code    INT,
		response_body  TEXT,
		error          TEXT,
		duration_ms    INT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		delivered_at   TIMESTAMPTZ,
		UNIQUE (delivery_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_webhook ON delivery_attempts(webhook_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_unresolved ON delivery_attempts(delivery_id) WHERE NOT success AND delivered_at IS NULL`,
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
