package submit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdfsum/pdfsum/internal/job"
)

type recordingQueue struct {
	mu   sync.Mutex
	msgs []*job.Message
	err  error
}

func (q *recordingQueue) Publish(_ context.Context, m *job.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, m)
	return nil
}

func newSubmitter(t *testing.T, q Publisher, opts ...Option) (*Submitter, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "temp")
	s, err := New(q, Config{UploadDir: dir, DownloadTimeout: 2 * time.Second, MaxBytes: 1024}, opts...)
	require.NoError(t, err)
	return s, dir
}

func TestSubmitUpload_Queues(t *testing.T) {
	t.Parallel()
	q := &recordingQueue{}
	s, dir := newSubmitter(t, q)

	rec, err := s.SubmitUpload(context.Background(), "Paper.PDF", strings.NewReader("%PDF-1.7 body"), "")
	require.NoError(t, err)
	assert.Equal(t, "queued", rec.Status)
	assert.Equal(t, rec.JobID, rec.TaskID)

	require.Len(t, q.msgs, 1)
	m := q.msgs[0]
	assert.Equal(t, rec.JobID, m.JobID)
	assert.Equal(t, job.OriginUpload, m.Origin)
	assert.Equal(t, "Paper.PDF", m.OriginalName)
	assert.True(t, filepath.IsAbs(m.SourcePath))
	assert.Equal(t, filepath.Join(dir, rec.JobID+".pdf"), m.SourcePath)

	data, err := os.ReadFile(m.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(data))
}

func TestSubmitUpload_UniqueIDs(t *testing.T) {
	t.Parallel()
	s, _ := newSubmitter(t, &recordingQueue{})
	seen := make(map[string]bool)
	for range 100 {
		rec, err := s.SubmitUpload(context.Background(), "a.pdf", strings.NewReader("x"), "")
		require.NoError(t, err)
		require.False(t, seen[rec.JobID], "duplicate job id %s", rec.JobID)
		seen[rec.JobID] = true
	}
}

func TestSubmitUpload_ClientErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		filename string
		body     string
	}{
		{"not a pdf", "notes.txt", "x"},
		{"no extension", "paper", "x"},
		{"empty", "a.pdf", ""},
		{"too large", "a.pdf", strings.Repeat("x", 1025)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &recordingQueue{}
			s, dir := newSubmitter(t, q)
			_, err := s.SubmitUpload(context.Background(), tt.filename, strings.NewReader(tt.body), "")
			require.Error(t, err)
			assert.True(t, IsClientError(err), "error %v should be a client error", err)
			assert.Empty(t, q.msgs)
			entries, _ := os.ReadDir(dir)
			assert.Empty(t, entries, "no file may be left behind")
		})
	}
}

func TestSubmitUpload_PublishFailureRemovesFile(t *testing.T) {
	t.Parallel()
	s, dir := newSubmitter(t, &recordingQueue{err: errors.New("queue down")})
	_, err := s.SubmitUpload(context.Background(), "a.pdf", strings.NewReader("x"), "")
	require.Error(t, err)
	assert.False(t, IsClientError(err))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestSubmitUpload_CallbackValidated(t *testing.T) {
	t.Parallel()
	q := &recordingQueue{}
	s, _ := newSubmitter(t, q, WithCallbackValidator(func(u string) error {
		if strings.Contains(u, "internal") {
			return errors.New("private")
		}
		return nil
	}))

	_, err := s.SubmitUpload(context.Background(), "a.pdf", strings.NewReader("x"), "http://internal/hook")
	assert.True(t, IsClientError(err))

	_, err = s.SubmitUpload(context.Background(), "a.pdf", strings.NewReader("x"), "https://hooks.example.com/x")
	require.NoError(t, err)
	require.Len(t, q.msgs, 1)
	assert.Equal(t, "https://hooks.example.com/x", q.msgs[0].CallbackURL)
}

func TestSubmitURL_DownloadsAndQueues(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-remote"))
	}))
	defer srv.Close()

	q := &recordingQueue{}
	s, _ := newSubmitter(t, q)
	rec, err := s.SubmitURL(context.Background(), srv.URL+"/papers/attention.pdf?dl=1", "")
	require.NoError(t, err)

	require.Len(t, q.msgs, 1)
	m := q.msgs[0]
	assert.Equal(t, rec.JobID, m.JobID)
	assert.Equal(t, job.OriginURL, m.Origin)
	assert.Equal(t, "attention.pdf", m.OriginalName)
	assert.Equal(t, srv.URL+"/papers/attention.pdf?dl=1", m.SourceURL)
	data, err := os.ReadFile(m.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-remote", string(data))
}

func TestSubmitURL_ClientErrors(t *testing.T) {
	t.Parallel()
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		switch r.URL.Path {
		case "/missing.pdf":
			http.NotFound(w, r)
		case "/slow.pdf":
			time.Sleep(500 * time.Millisecond)
			w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"txt", srv.URL + "/notes.txt"},
		{"ftp scheme", "ftp://example.com/a.pdf"},
		{"relative", "/a.pdf"},
		{"not found", srv.URL + "/missing.pdf"},
		{"unreachable", "http://127.0.0.1:1/a.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &recordingQueue{}
			s, _ := newSubmitter(t, q)
			_, err := s.SubmitURL(context.Background(), tt.url, "")
			require.Error(t, err)
			assert.True(t, IsClientError(err), "error %v should be a client error", err)
			assert.Empty(t, q.msgs)
		})
	}

	t.Run("timeout", func(t *testing.T) {
		q := &recordingQueue{}
		dir := filepath.Join(t.TempDir(), "temp")
		s, err := New(q, Config{UploadDir: dir, DownloadTimeout: 50 * time.Millisecond})
		require.NoError(t, err)
		_, err = s.SubmitURL(context.Background(), srv.URL+"/slow.pdf", "")
		assert.True(t, IsClientError(err), "error %v should be a client error", err)
		assert.Empty(t, q.msgs)
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, hits, "only the not-found and slow URLs may reach the network")
}

func TestSubmitURL_BrokenDownloadIsClientError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write([]byte("%PDF-1.7 partial"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	q := &recordingQueue{}
	s, dir := newSubmitter(t, q)
	_, err := s.SubmitURL(context.Background(), srv.URL+"/paper.pdf", "")
	require.Error(t, err)
	assert.True(t, IsClientError(err), "error %v should be a client error", err)
	assert.Empty(t, q.msgs)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "partial download must be removed")
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestMaterialize_ReadVersusWriteErrors(t *testing.T) {
	t.Parallel()
	s, dir := newSubmitter(t, &recordingQueue{})

	_, err := s.materialize("job-read", brokenReader{}, "failed to read")
	assert.True(t, IsClientError(err), "read failure %v should be a client error", err)

	require.NoError(t, os.RemoveAll(dir))
	_, err = s.materialize("job-write", strings.NewReader("%PDF"), "failed to read")
	require.Error(t, err)
	assert.False(t, IsClientError(err), "disk failure %v must not be a client error", err)
}

func TestStage_WritesWithoutQueueing(t *testing.T) {
	t.Parallel()
	q := &recordingQueue{}
	s, dir := newSubmitter(t, q)

	id, p, err := s.Stage("Paper.PDF", strings.NewReader("%PDF-1.5"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, id+".pdf"), p)
	assert.FileExists(t, p)
	assert.Empty(t, q.msgs)

	_, _, err = s.Stage("paper.docx", strings.NewReader("x"))
	assert.ErrorIs(t, err, job.ErrNotPDF)
}
