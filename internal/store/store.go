// Package store persists terminal job results: one JSON file per job, plus an
// optional relational mirror kept in step with the files.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/pdfsum/pdfsum/internal/job"
)

var (
	ErrNotFound       = errors.New("result not found")
	ErrMirrorMismatch = errors.New("mirror does not match written result")
)

// Store persists and retrieves job results. Put overwrites any earlier
// result for the same job id.
type Store interface {
	Put(ctx context.Context, r *job.Result) error
	Get(ctx context.Context, jobID string) (*job.Result, error)
}

// Mirror is a relational copy of the results for query access.
type Mirror interface {
	Upsert(ctx context.Context, r *job.Result) error
	Get(ctx context.Context, jobID string) (*job.Result, error)
	// List returns results ordered by processed_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*job.Result, int, error)
	Ping(ctx context.Context) error
	Close() error
}

// safeID rejects ids that could escape the results directory.
func safeID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// sameOutcome compares the fields a reader of either copy relies on.
func sameOutcome(a, b *job.Result) bool {
	return a.JobID == b.JobID &&
		a.Status == b.Status &&
		a.Summary == b.Summary &&
		a.Pages == b.Pages &&
		a.TextLength == b.TextLength &&
		a.Error == b.Error
}
