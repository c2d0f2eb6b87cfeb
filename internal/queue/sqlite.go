package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pdfsum/pdfsum/internal/job"
)

// SQLiteQueue is a table-backed queue. Dequeue leases a row until
// locked_until; an expired lease makes the row deliverable again, which is
// how messages of crashed workers are redelivered.
type SQLiteQueue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// SQLiteOption configures a SQLiteQueue.
type SQLiteOption func(*SQLiteQueue)

// WithVisibilityTimeout sets how long a delivery stays leased.
func WithVisibilityTimeout(d time.Duration) SQLiteOption {
	return func(q *SQLiteQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SQLiteOption {
	return func(q *SQLiteQueue) { q.now = now }
}

func WithLogger(l *slog.Logger) SQLiteOption {
	return func(q *SQLiteQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// OpenSQLite opens (or creates) the queue database at dbPath and runs migrations.
func OpenSQLite(dbPath string, opts ...SQLiteOption) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	q := &SQLiteQueue{
		db:         db,
		visibility: 10 * time.Minute,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			job_id       TEXT PRIMARY KEY,
			payload      TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'queued',
			attempt      INTEGER NOT NULL DEFAULT 0,
			available_at INTEGER NOT NULL,
			locked_until INTEGER,
			lease        TEXT,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_messages(state, available_at);
	`)
	return err
}

func (q *SQLiteQueue) Publish(ctx context.Context, m *job.Message) error {
	payload, err := job.EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.JobID, err)
	}
	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (job_id, payload, state, attempt, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.JobID, string(payload), StateQueued, m.Attempt, now, now, now)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.JobID, err)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		now := q.now()
		lease := uuid.New().String()
		var jobID, payload string
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue_messages
			SET state = ?, lease = ?, locked_until = ?, updated_at = ?
			WHERE job_id = (
				SELECT job_id FROM queue_messages
				WHERE (state = ? AND available_at <= ?)
				   OR (state = ? AND locked_until <= ?)
				ORDER BY available_at
				LIMIT 1
			)
			RETURNING job_id, payload
		`,
			StateInFlight, lease, now.Add(q.visibility).UnixMilli(), now.UnixMilli(),
			StateQueued, now.UnixMilli(),
			StateInFlight, now.UnixMilli(),
		).Scan(&jobID, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		m, err := job.DecodeMessage([]byte(payload))
		if err != nil {
			q.logger.Warn("queue: dead-lettering malformed message", "job_id", jobID, "error", err)
			if derr := q.settle(ctx, jobID, lease, StateDead, err.Error()); derr != nil {
				return nil, derr
			}
			continue
		}
		return &Delivery{Message: *m, handle: lease}, nil
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE job_id = ? AND lease = ?`, d.Message.JobID, d.handle)
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Message.JobID, err)
	}
	return leaseHeld(res, d.Message.JobID)
}

func (q *SQLiteQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	next := d.Message
	next.Attempt++
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("retry %s: %w", next.JobID, err)
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET state = ?, payload = ?, attempt = ?, available_at = ?, lease = NULL,
		    locked_until = NULL, last_error = ?, updated_at = ?
		WHERE job_id = ? AND lease = ?
	`, StateQueued, string(payload), next.Attempt, now.Add(delay).UnixMilli(),
		reason, now.UnixMilli(), next.JobID, d.handle)
	if err != nil {
		return fmt.Errorf("retry %s: %w", next.JobID, err)
	}
	return leaseHeld(res, next.JobID)
}

func (q *SQLiteQueue) Dead(ctx context.Context, d *Delivery, reason string) error {
	return q.settle(ctx, d.Message.JobID, d.handle, StateDead, reason)
}

func (q *SQLiteQueue) settle(ctx context.Context, jobID, lease string, state State, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET state = ?, lease = NULL, locked_until = NULL, last_error = ?, updated_at = ?
		WHERE job_id = ? AND lease = ?
	`, state, reason, q.now().UnixMilli(), jobID, lease)
	if err != nil {
		return fmt.Errorf("settle %s: %w", jobID, err)
	}
	return leaseHeld(res, jobID)
}

func (q *SQLiteQueue) Lookup(ctx context.Context, jobID string) (State, string, error) {
	var state, lastErr string
	var lockedUntil sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT state, last_error, locked_until FROM queue_messages WHERE job_id = ?
	`, jobID).Scan(&state, &lastErr, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return StateUnknown, "", nil
	}
	if err != nil {
		return StateUnknown, "", fmt.Errorf("lookup %s: %w", jobID, err)
	}
	s := State(state)
	switch {
	case s == StateDead:
		return s, lastErr, nil
	case s == StateInFlight && lockedUntil.Valid && lockedUntil.Int64 <= q.now().UnixMilli():
		// lease expired; waiting for redelivery
		return StateQueued, lastErr, nil
	}
	return s, "", nil
}

// Pending returns the number of messages not yet settled.
func (q *SQLiteQueue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE state != ?`, StateDead).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func leaseHeld(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", jobID, ErrLeaseLost)
	}
	return nil
}
