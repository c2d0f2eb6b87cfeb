// Package webhook notifies callers' callback URLs when a job reaches a
// terminal outcome.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pdfsum/pdfsum/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body POSTed to a callback URL.
type Payload struct {
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
	Summary string     `json:"summary,omitempty"`
	Pages   int        `json:"pages,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Sender delivers callbacks in the background.
// 8 retries max with full-jitter exponential backoff (cap 5 min). 30s timeout per request.
type Sender struct {
	client   *http.Client
	validate func(string) error
	sleep    func(time.Duration)
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client:   &http.Client{Timeout: 30 * time.Second},
		validate: ValidateURL,
		sleep:    time.Sleep,
		logger:   logger,
	}
}

// Notify sends the outcome of r to callbackURL asynchronously.
// ctx should outlive the job so retries stop only on process shutdown.
func (s *Sender) Notify(ctx context.Context, callbackURL string, r *job.Result) {
	if err := s.validate(callbackURL); err != nil {
		s.logger.Warn("webhook: rejected callback URL", "url", callbackURL, "job_id", r.JobID, "error", err)
		return
	}
	payload, err := json.Marshal(Payload{
		JobID:   r.JobID,
		Status:  r.Status,
		Summary: r.Summary,
		Pages:   r.Pages,
		Error:   r.Error,
	})
	if err != nil {
		s.logger.Error("webhook: marshal payload", "job_id", r.JobID, "error", err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(ctx, callbackURL, payload)
	}()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (s *Sender) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// ValidateURL blocks non-HTTP schemes and private/internal IP ranges.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (s *Sender) send(ctx context.Context, callbackURL string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, callbackURL, payload)
		if err == nil {
			return
		}
		s.logger.Warn("webhook attempt failed", "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < retryAttempts {
			s.sleep(jitter(attempt))
		}
	}
	s.logger.Error("webhook: all retries exhausted", "url", callbackURL)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (s *Sender) post(ctx context.Context, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
