package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pdfsum/pdfsum/internal/job"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS summaries (
		job_id       TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		summary      TEXT NOT NULL DEFAULT '',
		pages        INTEGER NOT NULL DEFAULT 0,
		text_length  INTEGER NOT NULL DEFAULT 0,
		image_count  INTEGER NOT NULL DEFAULT 0,
		language     TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		filename     TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL,
		source_url   TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL DEFAULT 0,
		processed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_processed_at ON summaries(processed_at DESC);
`

// PostgresMirror mirrors results into a Postgres summaries table through a pgx pool.
type PostgresMirror struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgresMirror creates the pool, pings it and ensures the table exists.
func OpenPostgresMirror(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = 4
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = "pdfsum"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(dialCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init postgres mirror: %w", err)
	}
	logger.Info("connected to postgres mirror")
	return &PostgresMirror{pool: pool, logger: logger}, nil
}

func (m *PostgresMirror) Upsert(ctx context.Context, r *job.Result) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO summaries (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status, summary = EXCLUDED.summary, pages = EXCLUDED.pages,
			text_length = EXCLUDED.text_length, image_count = EXCLUDED.image_count,
			language = EXCLUDED.language, error = EXCLUDED.error, filename = EXCLUDED.filename,
			source = EXCLUDED.source, source_url = EXCLUDED.source_url,
			attempts = EXCLUDED.attempts, processed_at = EXCLUDED.processed_at
	`,
		r.JobID, string(r.Status), r.Summary, r.Pages, r.TextLength, r.ImageCount, r.Language,
		r.Error, r.Filename, string(r.Source), r.SourceURL, r.Attempts, r.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert summary %s: %w", r.JobID, err)
	}
	return nil
}

func scanPgResult(row pgx.Row) (*job.Result, error) {
	r := &job.Result{}
	var status, source string
	if err := row.Scan(
		&r.JobID, &status, &r.Summary, &r.Pages, &r.TextLength, &r.ImageCount, &r.Language,
		&r.Error, &r.Filename, &source, &r.SourceURL, &r.Attempts, &r.ProcessedAt,
	); err != nil {
		return nil, err
	}
	r.Status = job.Status(status)
	r.Source = job.Origin(source)
	r.ProcessedAt = r.ProcessedAt.UTC()
	return r, nil
}

func (m *PostgresMirror) Get(ctx context.Context, jobID string) (*job.Result, error) {
	row := m.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM summaries WHERE job_id = $1`, jobID)
	r, err := scanPgResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", jobID, err)
	}
	return r, nil
}

func (m *PostgresMirror) List(ctx context.Context, limit, offset int) ([]*job.Result, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count summaries: %w", err)
	}

	rows, err := m.pool.Query(ctx, `
		SELECT `+resultColumns+` FROM summaries
		ORDER BY processed_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var results []*job.Result
	for rows.Next() {
		r, err := scanPgResult(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan summary: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate summaries: %w", err)
	}
	return results, total, nil
}

func (m *PostgresMirror) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

func (m *PostgresMirror) Close() error {
	m.pool.Close()
	return nil
}
