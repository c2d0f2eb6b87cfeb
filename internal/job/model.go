package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Origin tells how the source document reached the service.
type Origin string

const (
	OriginUpload Origin = "upload"
	OriginURL    Origin = "url"
)

func (o Origin) Valid() bool {
	return o == OriginUpload || o == OriginURL
}

// Status is the terminal state recorded in a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

var (
	ErrNotPDF       = errors.New("document must have a .pdf extension")
	ErrEmptyJobID   = errors.New("job_id must not be empty")
	ErrInvalidState = errors.New("invalid result state")
)

// Message is the queued descriptor of one summarization job. It is created by
// the submitter and never mutated; redelivery carries a higher Attempt.
type Message struct {
	JobID        string    `json:"job_id"`
	SourcePath   string    `json:"source_path"`
	OriginalName string    `json:"original_name,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`
	Origin       Origin    `json:"origin"`
	Attempt      int       `json:"attempt"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

func (m *Message) Validate() error {
	if m.JobID == "" {
		return ErrEmptyJobID
	}
	if m.SourcePath == "" {
		return errors.New("source_path must not be empty")
	}
	if !m.Origin.Valid() {
		return fmt.Errorf("origin %q must be upload or url", m.Origin)
	}
	if m.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	return nil
}

// AbsSource returns the source path cleaned and made absolute.
func (m *Message) AbsSource() (string, error) {
	return filepath.Abs(filepath.Clean(m.SourcePath))
}

// Filename returns the human-readable name recorded with the result.
func (m *Message) Filename() string {
	if m.OriginalName != "" {
		return m.OriginalName
	}
	return filepath.Base(m.SourcePath)
}

// Result is the durable terminal outcome of a job.
type Result struct {
	JobID       string    `json:"job_id"`
	Status      Status    `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	Pages       int       `json:"pages"`
	TextLength  int       `json:"text_length"`
	ImageCount  int       `json:"image_count"`
	Language    string    `json:"language,omitempty"`
	Error       string    `json:"error,omitempty"`
	Filename    string    `json:"filename"`
	Source      Origin    `json:"source"`
	SourceURL   string    `json:"source_url,omitempty"`
	Attempts    int       `json:"attempts"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (r *Result) Validate() error {
	if r.JobID == "" {
		return ErrEmptyJobID
	}
	switch r.Status {
	case StatusSuccess:
		if r.Summary == "" {
			return fmt.Errorf("%w: success without summary", ErrInvalidState)
		}
		if r.Error != "" {
			return fmt.Errorf("%w: success with error detail", ErrInvalidState)
		}
	case StatusFailure:
		if r.Error == "" {
			return fmt.Errorf("%w: failure without error detail", ErrInvalidState)
		}
		if r.Summary != "" {
			return fmt.Errorf("%w: failure with summary", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidState, r.Status)
	}
	return nil
}

// IsPDFName reports whether name (a filename or URL path) ends in .pdf,
// ignoring case and any query string or fragment.
func IsPDFName(name string) bool {
	if i := strings.IndexAny(name, "?#"); i != -1 {
		name = name[:i]
	}
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
