package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
)

// PGQueue is the Postgres-backed bus. Claims take a row-level lock-free
// lease (FOR UPDATE SKIP LOCKED plus a locked_until stamp), so a crashed
// consumer's messages become visible again once the lease expires, which is
// what makes delivery at-least-once.
type PGQueue struct {
	pool    *pgxpool.Pool
	lockTTL time.Duration
	log     zerolog.Logger
}

// NewPGQueue wraps a pool. lockTTL bounds how long one delivery may stay
// claimed before redelivery.
func NewPGQueue(pool *pgxpool.Pool, lockTTL time.Duration) *PGQueue {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &PGQueue{
		pool:    pool,
		lockTTL: lockTTL,
		log:     logging.Component("pgqueue"),
	}
}

func (q *PGQueue) Send(ctx context.Context, queue string, body any, opts ...SendOption) error {
	o := applyOptions(opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO ingest.queue_messages (queue, body, visible_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))`,
		queue, payload, o.delay.Seconds())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

// SendBatch enqueues all bodies in one transaction: either every message is
// queued or none are. The scheduler relies on this for partition fan-out.
func (q *PGQueue) SendBatch(ctx context.Context, queue string, bodies []any) error {
	if len(bodies) == 0 {
		return nil
	}
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, body := range bodies {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", queue, err)
		}
		batch.Queue(`
			INSERT INTO ingest.queue_messages (queue, body, visible_at)
			VALUES ($1, $2, now())`, queue, payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("batch enqueue %s: %w", queue, err)
	}
	return tx.Commit(ctx)
}

func (q *PGQueue) Receive(ctx context.Context, queue string) (*Message, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE ingest.queue_messages m
		SET locked_until = now() + make_interval(secs => $2),
		    attempt = attempt + 1
		WHERE m.id = (
			SELECT id FROM ingest.queue_messages
			WHERE queue = $1
			  AND visible_at <= now()
			  AND (locked_until IS NULL OR locked_until <= now())
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, body, attempt, enqueued_at`,
		queue, q.lockTTL.Seconds())

	var m Message
	err := row.Scan(&m.ID, &m.Queue, &m.Body, &m.Attempt, &m.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", queue, err)
	}
	return &m, nil
}

func (q *PGQueue) Complete(ctx context.Context, msg *Message) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM ingest.queue_messages WHERE id = $1`, msg.ID)
	if err != nil {
		return fmt.Errorf("complete message %d: %w", msg.ID, err)
	}
	return nil
}

// Abandon releases the claim with a short attempt-scaled delay so a hot
// poison message cannot spin the consumer.
func (q *PGQueue) Abandon(ctx context.Context, msg *Message) error {
	delay := 5 * msg.Attempt
	if delay > 60 {
		delay = 60
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE ingest.queue_messages
		SET locked_until = NULL,
		    visible_at = now() + make_interval(secs => $2)
		WHERE id = $1`, msg.ID, delay)
	if err != nil {
		return fmt.Errorf("abandon message %d: %w", msg.ID, err)
	}
	return nil
}

func (q *PGQueue) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM ingest.queue_messages
		WHERE queue = $1
		  AND visible_at <= now()
		  AND (locked_until IS NULL OR locked_until <= now())`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", queue, err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the caller.
func (q *PGQueue) Close() error { return nil }
