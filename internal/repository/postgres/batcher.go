package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

// BatcherConfig configures the attempt batcher behavior.
type BatcherConfig struct {
	// MaxSize is the maximum number of attempts to batch before flushing.
	MaxSize int
	// MaxWait is the maximum time to wait before flushing a partial batch.
	MaxWait time.Duration
}

// DefaultBatcherConfig returns sensible defaults for batching.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxSize: 50,
		MaxWait: 5 * time.Millisecond,
	}
}

const attemptParams = 13

// pendingAttempt holds an attempt and its completion channel.
type pendingAttempt struct {
	attempt *domain.DeliveryAttempt
	done    chan error
}

type attemptKey struct {
	deliveryID string
	attempt    int
}

// AttemptBatcher batches attempt inserts from concurrent workers.
// It flushes when the batch is full or after MaxWait, whichever comes first.
// Each caller blocks until its attempt is persisted, so per-delivery
// ordering is unaffected.
type AttemptBatcher struct {
	pool   *pgxpool.Pool
	config BatcherConfig

	mu      sync.Mutex
	pending []pendingAttempt
	timer   *time.Timer

	shutdown chan struct{}
	done     chan struct{}
}

func NewAttemptBatcher(pool *pgxpool.Pool, config BatcherConfig) *AttemptBatcher {
	if config.MaxSize <= 0 {
		config.MaxSize = 50
	}
	// 13 parameters per row, max 65535 params
	if config.MaxSize > 65535/attemptParams {
		config.MaxSize = 65535 / attemptParams
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 5 * time.Millisecond
	}
	b := &AttemptBatcher{
		pool:     pool,
		config:   config,
		pending:  make([]pendingAttempt, 0, config.MaxSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Add queues an attempt and blocks until it is persisted.
func (b *AttemptBatcher) Add(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, pendingAttempt{attempt: attempt, done: done})
	shouldFlush := len(b.pending) >= b.config.MaxSize

	if len(b.pending) == 1 && b.timer == nil {
		b.timer = time.AfterFunc(b.config.MaxWait, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}

	if shouldFlush {
		b.flushLocked()
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes pending attempts and stops the batcher.
func (b *AttemptBatcher) Shutdown(ctx context.Context) error {
	close(b.shutdown)

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.flushLocked()
	}
	return nil
}

func (b *AttemptBatcher) run() {
	defer close(b.done)
	<-b.shutdown
}

// flushLocked must be called with mu held.
func (b *AttemptBatcher) flushLocked() {
	if len(b.pending) == 0 {
		return
	}

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	toFlush := b.pending
	b.pending = make([]pendingAttempt, 0, b.config.MaxSize)

	go b.executeBatch(toFlush)
}

func (b *AttemptBatcher) executeBatch(batch []pendingAttempt) {
	results, err := b.batchInsert(context.Background(), batch)

	for _, pa := range batch {
		switch {
		case err != nil:
			pa.done <- err
		case results[attemptKey{pa.attempt.DeliveryID, pa.attempt.Attempt}]:
			pa.done <- nil
		default:
			pa.done <- domain.ErrAlreadyExists
		}
		close(pa.done)
	}
}

// batchInsert writes every attempt in one statement and fills ID and
// CreatedAt. Rows skipped by the uniqueness constraint are absent from
// the returned set.
func (b *AttemptBatcher) batchInsert(ctx context.Context, batch []pendingAttempt) (map[attemptKey]bool, error) {
	var qb strings.Builder
	qb.WriteString(`
		INSERT INTO delivery_attempts (delivery_id, webhook_id, tenant_id, event, payload, attempt, success,
			status_code, response_body, error, duration_ms, created_at, delivered_at)
		VALUES `)

	byKey := make(map[attemptKey]*domain.DeliveryAttempt, len(batch))
	args := make([]any, 0, len(batch)*attemptParams)
	for i, pa := range batch {
		if i > 0 {
			qb.WriteString(", ")
		}
		base := i * attemptParams
		qb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, COALESCE($%d::timestamptz, NOW()), $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13))

		a := pa.attempt
		byKey[attemptKey{a.DeliveryID, a.Attempt}] = a
		args = append(args,
			a.DeliveryID,
			a.WebhookID,
			a.TenantID,
			string(a.Event),
			payloadOrEmpty(a.Payload),
			a.Attempt,
			a.Success,
			a.StatusCode,
			a.ResponseBody,
			a.Error,
			a.DurationMs,
			createdAtOrNil(a.CreatedAt),
			a.DeliveredAt,
		)
	}
	qb.WriteString(" ON CONFLICT (delivery_id, attempt) DO NOTHING RETURNING delivery_id, attempt, id, created_at")

	rows, err := b.pool.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	inserted := make(map[attemptKey]bool, len(batch))
	for rows.Next() {
		var (
			key attemptKey
			id  int64
			at  time.Time
		)
		if err := rows.Scan(&key.deliveryID, &key.attempt, &id, &at); err != nil {
			return nil, err
		}
		if a, ok := byKey[key]; ok {
			a.ID = id
			a.CreatedAt = at
		}
		inserted[key] = true
	}
	return inserted, rows.Err()
}
