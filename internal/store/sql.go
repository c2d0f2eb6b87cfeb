package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/pdfsum/pdfsum/internal/job"
)

// timeLayout sorts lexicographically in chronological order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const sqliteSchema = `
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
		processed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_processed_at ON summaries(processed_at);
`

var mysqlSchema = []string{`
	CREATE TABLE IF NOT EXISTS summaries (
		job_id       VARCHAR(64) NOT NULL PRIMARY KEY,
		status       VARCHAR(16) NOT NULL,
		summary      LONGTEXT NOT NULL,
		pages        INT NOT NULL DEFAULT 0,
		text_length  INT NOT NULL DEFAULT 0,
		image_count  INT NOT NULL DEFAULT 0,
		language     VARCHAR(8) NOT NULL DEFAULT '',
		error        TEXT NOT NULL,
		filename     VARCHAR(512) NOT NULL DEFAULT '',
		source       VARCHAR(16) NOT NULL,
		source_url   TEXT NOT NULL,
		attempts     INT NOT NULL DEFAULT 0,
		processed_at VARCHAR(32) NOT NULL,
		INDEX idx_summaries_processed_at (processed_at)
	)`,
}

const upsertSuffixSQLite = `
	ON CONFLICT(job_id) DO UPDATE SET
		status = excluded.status, summary = excluded.summary, pages = excluded.pages,
		text_length = excluded.text_length, image_count = excluded.image_count,
		language = excluded.language, error = excluded.error, filename = excluded.filename,
		source = excluded.source, source_url = excluded.source_url,
		attempts = excluded.attempts, processed_at = excluded.processed_at`

const upsertSuffixMySQL = `
	ON DUPLICATE KEY UPDATE
		status = VALUES(status), summary = VALUES(summary), pages = VALUES(pages),
		text_length = VALUES(text_length), image_count = VALUES(image_count),
		language = VALUES(language), error = VALUES(error), filename = VALUES(filename),
		source = VALUES(source), source_url = VALUES(source_url),
		attempts = VALUES(attempts), processed_at = VALUES(processed_at)`

const resultColumns = `job_id, status, summary, pages, text_length, image_count, language,
	error, filename, source, source_url, attempts, processed_at`

// SQLMirror is a database/sql mirror for SQLite and MySQL.
type SQLMirror struct {
	db           *sql.DB
	upsertSuffix string
}

// OpenSQLMirror opens the summaries table on driver "sqlite" or "mysql".
func OpenSQLMirror(driver, dsn string) (*SQLMirror, error) {
	switch driver {
	case "sqlite":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite mirror: %w", err)
		}
		db.SetMaxOpenConns(1)
		for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("init sqlite mirror: %w", err)
			}
		}
		return &SQLMirror{db: db, upsertSuffix: upsertSuffixSQLite}, nil

	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql connector: %w", err)
		}
		db := sql.OpenDB(connector)
		db.SetConnMaxLifetime(5 * time.Minute)
		for _, stmt := range mysqlSchema {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("init mysql mirror: %w", err)
			}
		}
		return &SQLMirror{db: db, upsertSuffix: upsertSuffixMySQL}, nil
	}
	return nil, fmt.Errorf("unsupported mirror driver %q", driver)
}

func (m *SQLMirror) Upsert(ctx context.Context, r *job.Result) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO summaries (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+m.upsertSuffix,
		r.JobID, r.Status, r.Summary, r.Pages, r.TextLength, r.ImageCount, r.Language,
		r.Error, r.Filename, r.Source, r.SourceURL, r.Attempts,
		r.ProcessedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert summary %s: %w", r.JobID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (*job.Result, error) {
	r := &job.Result{}
	var processedAt string
	if err := row.Scan(
		&r.JobID, &r.Status, &r.Summary, &r.Pages, &r.TextLength, &r.ImageCount, &r.Language,
		&r.Error, &r.Filename, &r.Source, &r.SourceURL, &r.Attempts, &processedAt,
	); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, processedAt)
	if err != nil {
		return nil, fmt.Errorf("parse processed_at %q: %w", processedAt, err)
	}
	r.ProcessedAt = t
	return r, nil
}

func (m *SQLMirror) Get(ctx context.Context, jobID string) (*job.Result, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM summaries WHERE job_id = ?`, jobID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", jobID, err)
	}
	return r, nil
}

func (m *SQLMirror) List(ctx context.Context, limit, offset int) ([]*job.Result, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count summaries: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM summaries
		ORDER BY processed_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var results []*job.Result
	for rows.Next() {
		r, err := scanResult(rows)
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

func (m *SQLMirror) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (m *SQLMirror) Close() error {
	return m.db.Close()
}
