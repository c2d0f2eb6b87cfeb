package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pdfsum/pdfsum/internal/job"
)

// FileStore writes each result to <dir>/<job_id>.json and, when a mirror is
// configured, upserts it there and reads it back before reporting success.
type FileStore struct {
	dir    string
	mirror Mirror
	logger *slog.Logger
}

// NewFileStore creates dir if needed. mirror may be nil.
func NewFileStore(dir string, mirror Mirror, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &FileStore{dir: dir, mirror: mirror, logger: logger}, nil
}

// Mirror returns the configured mirror, or nil.
func (s *FileStore) Mirror() Mirror {
	return s.mirror
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

func (s *FileStore) Put(ctx context.Context, r *job.Result) error {
	if !safeID(r.JobID) {
		return fmt.Errorf("put: invalid job id %q", r.JobID)
	}
	data, err := job.EncodeResult(r)
	if err != nil {
		return fmt.Errorf("put %s: %w", r.JobID, err)
	}
	if err := writeFileAtomic(s.dir, s.path(r.JobID), data); err != nil {
		return fmt.Errorf("put %s: %w", r.JobID, err)
	}

	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Upsert(ctx, r); err != nil {
		return fmt.Errorf("put %s: mirror: %w", r.JobID, err)
	}
	got, err := s.mirror.Get(ctx, r.JobID)
	if err != nil {
		return fmt.Errorf("put %s: verify mirror: %w", r.JobID, err)
	}
	if !sameOutcome(r, got) {
		s.logger.Error("result mirror mismatch", "job_id", r.JobID,
			"want_status", r.Status, "got_status", got.Status)
		return fmt.Errorf("put %s: %w", r.JobID, ErrMirrorMismatch)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, jobID string) (*job.Result, error) {
	if !safeID(jobID) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		if s.mirror == nil {
			return nil, ErrNotFound
		}
		r, merr := s.mirror.Get(ctx, jobID)
		if merr == nil {
			s.logger.Warn("result file missing, served from mirror", "job_id", jobID)
		}
		return r, merr
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", jobID, err)
	}
	r, err := job.DecodeResult(data)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", jobID, err)
	}
	return r, nil
}

// writeFileAtomic writes data to a temp file in dir and renames it over path,
// so readers never observe a partially written result.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".result-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
