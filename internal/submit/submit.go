// Package submit accepts documents from callers, stores them locally and
// queues a job for each.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pdfsum/pdfsum/internal/job"
)

// ClientError is a problem with the caller's input. Nothing is queued when
// one is returned.
type ClientError struct {
	Msg string
	Err error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ClientError) Unwrap() error { return e.Err }

// IsClientError reports whether err is, or wraps, a *ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// Publisher is the part of the queue the submitter needs.
type Publisher interface {
	Publish(ctx context.Context, m *job.Message) error
}

// Receipt is returned to the caller as soon as the job is queued.
type Receipt struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

type Config struct {
	UploadDir       string
	DownloadTimeout time.Duration
	MaxBytes        int64
}

type Submitter struct {
	queue           Publisher
	cfg             Config
	client          *http.Client
	validateHookURL func(string) error
	logger          *slog.Logger
}

type Option func(*Submitter)

// WithHTTPClient replaces the client used to download URL submissions.
func WithHTTPClient(c *http.Client) Option { return func(s *Submitter) { s.client = c } }

// WithCallbackValidator checks callback URLs before a job is queued.
func WithCallbackValidator(fn func(string) error) Option {
	return func(s *Submitter) { s.validateHookURL = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(q Publisher, cfg Config, opts ...Option) (*Submitter, error) {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	dir, err := filepath.Abs(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	cfg.UploadDir = dir

	s := &Submitter{
		queue:  q,
		cfg:    cfg,
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitUpload queues an uploaded document.
func (s *Submitter) SubmitUpload(ctx context.Context, filename string, body io.Reader, callbackURL string) (*Receipt, error) {
	if err := s.checkCallback(callbackURL); err != nil {
		return nil, err
	}
	id, p, err := s.Stage(filename, body)
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, p, &job.Message{
		JobID:        id,
		SourcePath:   p,
		OriginalName: filepath.Base(filename),
		Origin:       job.OriginUpload,
		CallbackURL:  callbackURL,
	})
}

// Stage writes an uploaded document to the upload directory without queueing
// it and returns the new job id and absolute path. The caller owns the file.
func (s *Submitter) Stage(filename string, body io.Reader) (string, string, error) {
	if !job.IsPDFName(filename) {
		return "", "", &ClientError{Msg: "invalid file", Err: job.ErrNotPDF}
	}
	id := uuid.New().String()
	p, err := s.materialize(id, body, "failed to read uploaded document")
	if err != nil {
		return "", "", err
	}
	return id, p, nil
}

// SubmitURL downloads the document at rawURL and queues it. Download
// failures are returned to the caller.
func (s *Submitter) SubmitURL(ctx context.Context, rawURL, callbackURL string) (*Receipt, error) {
	if rawURL == "" {
		return nil, &ClientError{Msg: "url is required"}
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ClientError{Msg: "url must be an absolute http(s) URL"}
	}
	if !job.IsPDFName(u.Path) {
		return nil, &ClientError{Msg: "invalid url", Err: job.ErrNotPDF}
	}
	if err := s.checkCallback(callbackURL); err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(dctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ClientError{Msg: "invalid url", Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ClientError{Msg: "failed to download PDF from URL", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ClientError{Msg: fmt.Sprintf("failed to download PDF from URL: status %d", resp.StatusCode)}
	}

	id := uuid.New().String()
	p, err := s.materialize(id, resp.Body, "failed to download PDF from URL")
	if err != nil {
		return nil, err
	}
	return s.publish(ctx, p, &job.Message{
		JobID:        id,
		SourcePath:   p,
		OriginalName: path.Base(u.Path),
		SourceURL:    rawURL,
		Origin:       job.OriginURL,
		CallbackURL:  callbackURL,
	})
}

func (s *Submitter) checkCallback(callbackURL string) error {
	if callbackURL == "" || s.validateHookURL == nil {
		return nil
	}
	if err := s.validateHookURL(callbackURL); err != nil {
		return &ClientError{Msg: "invalid callback_url", Err: err}
	}
	return nil
}

// readError marks a failure reading the caller's document, as opposed to
// writing it to disk.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

type sourceReader struct{ r io.Reader }

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = &readError{err}
	}
	return n, err
}

// materialize writes body to <upload dir>/<id>.pdf and returns the absolute
// path. A failure reading body is the caller's problem and is reported as a
// ClientError with readMsg; a failure writing the file is not.
func (s *Submitter) materialize(id string, body io.Reader, readMsg string) (string, error) {
	p := filepath.Join(s.cfg.UploadDir, id+".pdf")
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	var src io.Reader = sourceReader{body}
	if s.cfg.MaxBytes > 0 {
		src = io.LimitReader(src, s.cfg.MaxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	var rerr *readError
	switch {
	case errors.As(err, &rerr):
		os.Remove(p)
		return "", &ClientError{Msg: readMsg, Err: rerr.err}
	case err != nil:
		os.Remove(p)
		return "", fmt.Errorf("write upload file: %w", err)
	case n == 0:
		os.Remove(p)
		return "", &ClientError{Msg: "document is empty"}
	case s.cfg.MaxBytes > 0 && n > s.cfg.MaxBytes:
		os.Remove(p)
		return "", &ClientError{Msg: fmt.Sprintf("document exceeds %d bytes", s.cfg.MaxBytes)}
	}
	return p, nil
}

func (s *Submitter) publish(ctx context.Context, p string, m *job.Message) (*Receipt, error) {
	m.EnqueuedAt = time.Now().UTC()
	if err := s.queue.Publish(ctx, m); err != nil {
		os.Remove(p)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job queued", "job_id", m.JobID, "origin", m.Origin, "path", p)
	return &Receipt{JobID: m.JobID, Status: "queued", TaskID: m.JobID}, nil
}
