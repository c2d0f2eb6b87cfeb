// Package worker drains the job queue: each delivery is analyzed,
// summarized, written to the result store and its source file removed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pdfsum/pdfsum/internal/fsutil"
	"github.com/pdfsum/pdfsum/internal/job"
	"github.com/pdfsum/pdfsum/internal/pipeline"
	"github.com/pdfsum/pdfsum/internal/queue"
	"github.com/pdfsum/pdfsum/internal/store"
)

// ErrSourceMissing is recorded when a job's document is gone at dequeue time.
var ErrSourceMissing = errors.New("source document not found")

// Processor turns a local PDF into an outcome.
type Processor interface {
	Run(ctx context.Context, path string) (*pipeline.Outcome, error)
}

// Notifier is told about every terminal result that has a callback URL.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, r *job.Result)
}

type Config struct {
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	DeleteAttempts int
	DeleteDelay    time.Duration
}

// DefaultConfig polls every second and retries three times, a minute apart.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		ErrorBackoff:   5 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     60 * time.Second,
		DeleteAttempts: 5,
		DeleteDelay:    time.Second,
	}
}

// Worker holds everything one consumer loop needs. A single Worker may be
// run from several goroutines.
type Worker struct {
	queue     queue.Queue
	store     store.Store
	processor Processor
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	remove func(string) error
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

type Option func(*Worker)

func WithNotifier(n Notifier) Option { return func(w *Worker) { w.notifier = n } }

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRemove replaces os.Remove for source cleanup.
func WithRemove(fn func(string) error) Option { return func(w *Worker) { w.remove = fn } }

// WithSleep replaces the context-aware sleep used between polls and delete attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(w *Worker) { w.sleep = fn }
}

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func New(q queue.Queue, s store.Store, p Processor, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DeleteAttempts < 1 {
		cfg.DeleteAttempts = def.DeleteAttempts
	}
	w := &Worker{
		queue:     q,
		store:     s,
		processor: p,
		cfg:       cfg,
		logger:    slog.Default(),
		remove:    os.Remove,
		sleep:     fsutil.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls the queue until ctx is cancelled. Failures of single jobs and
// transient queue errors are logged and never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Error("worker: poll failed", "error", err, "backoff", w.cfg.ErrorBackoff)
			w.sleep(ctx, w.cfg.ErrorBackoff) //nolint:errcheck
		case !processed:
			w.sleep(ctx, w.cfg.PollInterval) //nolint:errcheck
		}
	}
}

// RunOnce dequeues and handles at most one message. It reports whether a
// message was taken.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	if err := w.handle(ctx, d); err != nil {
		// Unsettled: SQLite redelivers once the lease runs out, Redis after
		// RedisQueue.Recover.
		w.logger.Error("worker: delivery left unsettled", "job_id", d.Message.JobID, "error", err)
	}
	return true, nil
}

// giveBack settles a delivery whose result could not be committed. The
// failed commit counts as an attempt: the message is retried after the usual
// delay, and dead-lettered once attempts run out.
func (w *Worker) giveBack(ctx context.Context, d *queue.Delivery, path string, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	m := d.Message
	log := w.logger.With("job_id", m.JobID, "attempt", m.Attempt)
	attempts := m.Attempt + 1
	if attempts < w.cfg.MaxAttempts {
		log.Warn("worker: commit failed, retrying", "error", cause, "retry_in", w.cfg.RetryDelay)
		if err := w.queue.Retry(ctx, d, w.cfg.RetryDelay, cause.Error()); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}

	log.Error("worker: commit failed, attempts exhausted", "error", cause, "attempts", attempts)
	if err := w.queue.Dead(ctx, d, cause.Error()); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	w.removeSource(ctx, path)
	if m.CallbackURL != "" && w.notifier != nil {
		w.notifier.Notify(context.WithoutCancel(ctx), m.CallbackURL, w.failure(&m, cause.Error()))
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, d *queue.Delivery) error {
	m := d.Message
	log := w.logger.With("job_id", m.JobID, "attempt", m.Attempt)

	path, err := m.AbsSource()
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}

	// A redelivered job that already has a terminal result is settled
	// without reprocessing. Rewriting the result repairs a lagging mirror.
	existing, err := w.store.Get(ctx, m.JobID)
	switch {
	case err == nil && existing.Status.IsTerminal():
		log.Info("worker: result already stored, skipping", "status", existing.Status)
		if err := w.store.Put(ctx, existing); err != nil {
			return w.giveBack(ctx, d, path, fmt.Errorf("rewrite existing result: %w", err))
		}
		w.settle(ctx, d, existing)
		w.removeSource(ctx, path)
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return w.giveBack(ctx, d, path, fmt.Errorf("check existing result: %w", err))
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Error("worker: source missing, failing job", "path", path)
		return w.finish(ctx, d, path, w.failure(&m, fmt.Sprintf("%v: %s", ErrSourceMissing, path)))
	}

	log.Info("worker: processing", "path", path)
	start := w.now()
	out, err := w.processor.Run(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts := m.Attempt + 1
		if attempts < w.cfg.MaxAttempts {
			log.Warn("worker: attempt failed, retrying", "error", err,
				"retry_in", w.cfg.RetryDelay, "remaining", w.cfg.MaxAttempts-attempts)
			if rerr := w.queue.Retry(ctx, d, w.cfg.RetryDelay, err.Error()); rerr != nil {
				return fmt.Errorf("schedule retry: %w", rerr)
			}
			return nil
		}
		log.Error("worker: attempts exhausted", "error", err, "attempts", attempts)
		return w.finish(ctx, d, path, w.failure(&m, err.Error()))
	}

	log.Info("worker: processed", "pages", out.Pages, "elapsed_ms", w.now().Sub(start).Milliseconds())
	return w.finish(ctx, d, path, &job.Result{
		JobID:       m.JobID,
		Status:      job.StatusSuccess,
		Summary:     out.Summary,
		Pages:       out.Pages,
		TextLength:  out.TextLength,
		ImageCount:  out.ImageCount,
		Language:    out.Language,
		Filename:    m.Filename(),
		Source:      m.Origin,
		SourceURL:   m.SourceURL,
		Attempts:    m.Attempt + 1,
		ProcessedAt: w.now().UTC(),
	})
}

func (w *Worker) failure(m *job.Message, detail string) *job.Result {
	return &job.Result{
		JobID:       m.JobID,
		Status:      job.StatusFailure,
		Error:       detail,
		Filename:    m.Filename(),
		Source:      m.Origin,
		SourceURL:   m.SourceURL,
		Attempts:    m.Attempt + 1,
		ProcessedAt: w.now().UTC(),
	}
}

// finish commits r to the store, which is the single commit point of a job,
// then settles the delivery, removes the source and notifies.
func (w *Worker) finish(ctx context.Context, d *queue.Delivery, path string, r *job.Result) error {
	if err := w.store.Put(ctx, r); err != nil {
		return w.giveBack(ctx, d, path, fmt.Errorf("store result: %w", err))
	}
	w.settle(ctx, d, r)
	w.removeSource(ctx, path)

	if d.Message.CallbackURL != "" && w.notifier != nil {
		w.notifier.Notify(context.WithoutCancel(ctx), d.Message.CallbackURL, r)
	}
	return nil
}

// settle acks successes and dead-letters failures so the queue can still
// explain them.
func (w *Worker) settle(ctx context.Context, d *queue.Delivery, r *job.Result) {
	var err error
	if r.Status == job.StatusSuccess {
		err = w.queue.Ack(ctx, d)
	} else {
		err = w.queue.Dead(ctx, d, r.Error)
	}
	if err != nil {
		// The result is stored; a redelivery will find it and skip.
		w.logger.Warn("worker: settle delivery", "job_id", d.Message.JobID, "error", err)
	}
}

// removeSource deletes the job's document, retrying while the file is still
// held elsewhere. Failure only produces a warning.
func (w *Worker) removeSource(ctx context.Context, path string) {
	r := fsutil.Remover{
		Attempts: w.cfg.DeleteAttempts,
		Delay:    w.cfg.DeleteDelay,
		Remove:   w.remove,
		Sleep:    w.sleep,
	}
	if err := r.RemoveFile(ctx, path); err != nil {
		w.logger.Warn("worker: could not delete source file", "path", path, "error", err)
	}
}
