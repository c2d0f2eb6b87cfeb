// Package sweep removes uploaded documents that no queued job will ever
// clean up: files whose message was lost, or whose worker failed to delete
// them.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pdfsum/pdfsum/internal/queue"
)

// Lookuper is the part of the queue the sweeper needs.
type Lookuper interface {
	Lookup(ctx context.Context, jobID string) (queue.State, string, error)
}

type Sweeper struct {
	dir    string
	ttl    time.Duration
	queue  Lookuper
	now    func() time.Time
	logger *slog.Logger
}

func New(dir string, ttl time.Duration, q Lookuper, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dir: dir, ttl: ttl, queue: q, now: time.Now, logger: logger}
}

// Sweep deletes <job_id>.pdf files older than the TTL whose job is no longer
// queued or in flight. It returns the number of files removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, ".pdf") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		jobID := strings.TrimSuffix(name, ".pdf")
		state, _, err := s.queue.Lookup(ctx, jobID)
		if err != nil {
			return removed, fmt.Errorf("lookup %s: %w", jobID, err)
		}
		if state == queue.StateQueued || state == queue.StateInFlight {
			continue
		}

		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("sweep: remove orphan", "path", path, "error", err)
			continue
		}
		s.logger.Info("sweep: removed orphaned upload", "job_id", jobID, "state", state,
			"age", s.now().Sub(info.ModTime()).Truncate(time.Second).String())
		removed++
	}
	return removed, nil
}

// Schedule runs Sweep on the cron spec (standard five fields or a
// descriptor such as "@every 15m"). Stop the returned cron on shutdown.
func (s *Sweeper) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.Sweep(context.Background())
		if err != nil {
			s.logger.Error("sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("sweep finished", "removed", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
