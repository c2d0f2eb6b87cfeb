package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfsum/pdfsum/internal/job"
	"github.com/pdfsum/pdfsum/internal/pipeline"
	"github.com/pdfsum/pdfsum/internal/queue"
	"github.com/pdfsum/pdfsum/internal/store"
)

// scriptedProcessor fails the first failures calls, then succeeds.
type scriptedProcessor struct {
	failures int
	calls    atomic.Int32
}

func (p *scriptedProcessor) Run(_ context.Context, path string) (*pipeline.Outcome, error) {
	n := int(p.calls.Add(1))
	if n <= p.failures {
		return nil, fmt.Errorf("analyzer failed on call %d", n)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &pipeline.Outcome{Summary: "## Review", Pages: 3, TextLength: 1000, ImageCount: 2, Language: "en"}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []*job.Result
	urls    []string
}

func (n *recordingNotifier) Notify(_ context.Context, url string, r *job.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.results = append(n.results, r)
}

type env struct {
	q       *queue.SQLiteQueue
	store   *store.FileStore
	mirror  *store.SQLMirror
	uploads string
	results string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	q, err := queue.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	mirror, err := store.OpenSQLMirror("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { mirror.Close() })

	results := t.TempDir()
	s, err := store.NewFileStore(results, mirror, nil)
	require.NoError(t, err)
	return &env{q: q, store: s, mirror: mirror, uploads: t.TempDir(), results: results}
}

// submit writes a fake PDF and publishes its message.
func (e *env) submit(t *testing.T, id string) (*job.Message, string) {
	t.Helper()
	path := filepath.Join(e.uploads, id+".pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7"), 0o644))
	m := &job.Message{JobID: id, SourcePath: path, OriginalName: "paper.pdf", Origin: job.OriginUpload}
	require.NoError(t, e.q.Publish(context.Background(), m))
	return m, path
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	return Config{PollInterval: time.Millisecond, MaxAttempts: 3, RetryDelay: 0, DeleteAttempts: 5, DeleteDelay: time.Millisecond}
}

// drain runs RunOnce until the queue has nothing deliverable.
func drain(t *testing.T, w *Worker) int {
	t.Helper()
	n := 0
	for {
		processed, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		if !processed {
			return n
		}
		n++
		require.Less(t, n, 50, "queue never drained")
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	p := &scriptedProcessor{}
	w := New(e.q, e.store, p, testConfig(), WithSleep(noSleep))

	assert.Equal(t, 1, drain(t, w))

	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, 3, r.Pages)
	assert.NotEmpty(t, r.Summary)
	assert.Equal(t, "paper.pdf", r.Filename)
	assert.Equal(t, job.OriginUpload, r.Source)
	assert.Equal(t, 1, r.Attempts)

	assert.NoFileExists(t, path)
	state, _, err := e.q.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateUnknown, state)
}

func TestWorker_RetriesAreTransparent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	p := &scriptedProcessor{failures: 2}
	w := New(e.q, e.store, p, testConfig(), WithSleep(noSleep))

	assert.Equal(t, 3, drain(t, w))
	assert.EqualValues(t, 3, p.calls.Load())

	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, "## Review", r.Summary)
	assert.Empty(t, r.Error)
	assert.Equal(t, 3, r.Attempts)
	assert.NoFileExists(t, path)
}

func TestWorker_SourceKeptBetweenRetries(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	w := New(e.q, e.store, &scriptedProcessor{failures: 1}, cfg, WithSleep(noSleep))

	assert.Equal(t, 1, drain(t, w))
	assert.FileExists(t, path)

	_, err := e.store.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	state, _, err := e.q.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, state)
}

func TestWorker_ExhaustedRetriesRecordLastError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	p := &scriptedProcessor{failures: 3}
	w := New(e.q, e.store, p, testConfig(), WithSleep(noSleep))

	assert.Equal(t, 3, drain(t, w))

	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Equal(t, "analyzer failed on call 3", r.Error)
	assert.Empty(t, r.Summary)
	assert.Equal(t, 3, r.Attempts)
	assert.NoFileExists(t, path)

	state, detail, err := e.q.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDead, state)
	assert.Equal(t, "analyzer failed on call 3", detail)
}

func TestWorker_MissingSourceIsFatal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	require.NoError(t, os.Remove(path))
	p := &scriptedProcessor{}
	w := New(e.q, e.store, p, testConfig(), WithSleep(noSleep))

	assert.Equal(t, 1, drain(t, w))
	assert.Zero(t, p.calls.Load(), "processor must not run without a source")

	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailure, r.Status)
	assert.Contains(t, r.Error, ErrSourceMissing.Error())
	assert.Equal(t, 1, r.Attempts)
}

func TestWorker_RelativeSourceIsResolved(t *testing.T) {
	e := newEnv(t)
	// chdir is process-wide, so this test is not parallel
	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { os.Chdir(wd) })
	require.NoError(t, os.Chdir(e.uploads))

	require.NoError(t, os.WriteFile("rel.pdf", []byte("%PDF"), 0o644))
	m := &job.Message{JobID: "rel", SourcePath: "./sub/../rel.pdf", Origin: job.OriginUpload}
	require.NoError(t, e.q.Publish(context.Background(), m))

	w := New(e.q, e.store, &scriptedProcessor{}, testConfig(), WithSleep(noSleep))
	drain(t, w)

	r, err := e.store.Get(context.Background(), "rel")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, "rel.pdf", r.Filename)
}

func TestWorker_LockedFileDeletionDoesNotFailJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")

	var attempts int
	remove := func(p string) error {
		attempts++
		if attempts < 5 {
			return errors.New("file is being used by another process")
		}
		return os.Remove(p)
	}
	w := New(e.q, e.store, &scriptedProcessor{}, testConfig(), WithSleep(noSleep), WithRemove(remove))
	drain(t, w)

	assert.Equal(t, 5, attempts)
	assert.NoFileExists(t, path)
	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
}

func TestWorker_DeletionGivesUpWithWarning(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")

	var attempts int
	remove := func(string) error {
		attempts++
		return errors.New("locked")
	}
	w := New(e.q, e.store, &scriptedProcessor{}, testConfig(), WithSleep(noSleep), WithRemove(remove))
	drain(t, w)

	assert.Equal(t, 5, attempts)
	assert.FileExists(t, path)
	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	m, _ := e.submit(t, "job-1")
	p := &scriptedProcessor{}
	w := New(e.q, e.store, p, testConfig(), WithSleep(noSleep))
	drain(t, w)

	first, err := os.ReadFile(filepath.Join(e.results, "job-1.json"))
	require.NoError(t, err)

	// the same descriptor arrives again
	require.NoError(t, e.q.Publish(context.Background(), m))
	drain(t, w)

	second, err := os.ReadFile(filepath.Join(e.results, "job-1.json"))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.EqualValues(t, 1, p.calls.Load())

	_, total, err := e.mirror.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	entries, err := os.ReadDir(e.results)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// failingStore refuses writes.
type failingStore struct {
	store.Store
}

func (failingStore) Put(context.Context, *job.Result) error { return errors.New("disk full") }

func TestWorker_StoreFailureCountsAttempts(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	q, err := queue.OpenSQLite(":memory:", queue.WithVisibilityTimeout(time.Minute), queue.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	e := newEnv(t)
	e.q = q
	_, path := e.submit(t, "job-1")

	p := &scriptedProcessor{}
	n := &recordingNotifier{}
	w := New(q, failingStore{e.store}, p, testConfig(), WithSleep(noSleep), WithNotifier(n))

	for i := 0; i < 6; i++ {
		_, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()
	}

	assert.Equal(t, int32(3), p.calls.Load(), "processing must stop at MaxAttempts")
	state, detail, err := q.Lookup(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateDead, state)
	assert.Contains(t, detail, "disk full")
	assert.NoFileExists(t, path)
	assert.Empty(t, n.results, "no callback without a callback url")
}

func TestWorker_StoreFailureIsRetriedThenSucceeds(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.submit(t, "job-1")
	fs := &flakyStore{Store: e.store, failures: 1}
	w := New(e.q, fs, &scriptedProcessor{}, testConfig(), WithSleep(noSleep))

	drain(t, w)

	r, err := e.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, r.Status)
	assert.Equal(t, 2, r.Attempts)
}

// flakyStore fails the first failures writes.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, r *job.Result) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("mirror unavailable")
	}
	return f.Store.Put(ctx, r)
}

func TestWorker_NotifiesCallback(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	path := filepath.Join(e.uploads, "job-1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))
	require.NoError(t, e.q.Publish(context.Background(), &job.Message{
		JobID: "job-1", SourcePath: path, Origin: job.OriginUpload, CallbackURL: "https://hooks.example.com/x",
	}))
	_, _ = e.submit(t, "job-2")

	n := &recordingNotifier{}
	w := New(e.q, e.store, &scriptedProcessor{}, testConfig(), WithSleep(noSleep), WithNotifier(n))
	drain(t, w)

	require.Len(t, n.results, 1)
	assert.Equal(t, "job-1", n.results[0].JobID)
	assert.Equal(t, "https://hooks.example.com/x", n.urls[0])
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, path := e.submit(t, "job-1")
	w := New(e.q, e.store, &scriptedProcessor{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_ConcurrentLoopsProcessEachJobOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for i := range 8 {
		e.submit(t, fmt.Sprintf("job-%d", i))
	}
	p := &scriptedProcessor{}
	w := New(e.q, e.store, p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for range 3 {
		go w.Run(ctx) //nolint:errcheck
	}

	require.Eventually(t, func() bool {
		n, err := e.q.Pending(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 8, p.calls.Load())
}
