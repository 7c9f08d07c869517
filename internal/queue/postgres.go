package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id            BIGSERIAL PRIMARY KEY,
	queue         TEXT        NOT NULL,
	body          BYTEA       NOT NULL,
	receipt       TEXT,
	receive_count INTEGER     NOT NULL DEFAULT 0,
	visible_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages (queue, visible_at);
`

// DefaultPollInterval is how often PostgresQueue re-checks an empty queue during a long poll
const DefaultPollInterval = 500 * time.Millisecond

type postgresRow struct {
	ID           int64  `db:"id"`
	Body         []byte `db:"body"`
	Receipt      string `db:"receipt"`
	ReceiveCount int    `db:"receive_count"`
}

// PostgresQueue is a Client backed by a Postgres table.
// Claimed rows are hidden by moving visible_at forward and get a fresh receipt,
// so an expired claim can never be acknowledged by its previous owner.
type PostgresQueue struct {
	db           *sqlx.DB
	name         string
	visibility   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewPostgresQueue creates a client for the named logical queue
func NewPostgresQueue(db *sqlx.DB, name string, visibility, pollInterval time.Duration, logger *slog.Logger) *PostgresQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PostgresQueue{
		db:           db,
		name:         name,
		visibility:   visibility,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// EnsureSchema creates the queue table if it does not exist
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

// Poll claims up to max visible rows, re-checking every poll interval until wait elapses
func (q *PostgresQueue) Poll(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.claim(ctx, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		sleep := q.pollInterval
		if remaining < sleep {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, max int) ([]Message, error) {
	query := `
		UPDATE queue_messages
		SET receipt = gen_random_uuid()::text,
		    receive_count = receive_count + 1,
		    visible_at = NOW() + make_interval(secs => $1)
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE queue = $2 AND visible_at <= NOW()
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, receipt, receive_count
	`

	var rows []postgresRow
	if err := q.db.SelectContext(ctx, &rows, query, q.visibility.Seconds(), q.name, max); err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, Message{
			ID:           strconv.FormatInt(r.ID, 10),
			Body:         r.Body,
			Receipt:      r.Receipt,
			ReceiveCount: r.ReceiveCount,
		})
	}
	return msgs, nil
}

// Acknowledge deletes the row if the receipt still matches
func (q *PostgresQueue) Acknowledge(ctx context.Context, msg Message) error {
	id, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid message id %q", ErrStaleReceipt, msg.ID)
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = $1 AND receipt = $2`,
		id, msg.Receipt,
	)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// ExtendVisibility pushes visible_at forward for a row still owned by the receipt
func (q *PostgresQueue) ExtendVisibility(ctx context.Context, msg Message, timeout time.Duration) error {
	id, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid message id %q", ErrStaleReceipt, msg.ID)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = NOW() + make_interval(secs => $1) WHERE id = $2 AND receipt = $3`,
		timeout.Seconds(), id, msg.Receipt,
	)
	if err != nil {
		return fmt.Errorf("failed to extend visibility: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// Send inserts a new visible row
func (q *PostgresQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, body) VALUES ($1, $2)`,
		q.name, body,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Close is a no-op; the database client is owned by the caller
func (q *PostgresQueue) Close() error {
	return nil
}
