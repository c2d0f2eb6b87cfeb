// Package status answers "where is my job" from the result store, falling
// back to the queue for jobs without a stored result.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdfsum/pdfsum/internal/job"
	"github.com/pdfsum/pdfsum/internal/queue"
	"github.com/pdfsum/pdfsum/internal/store"
)

type State string

const (
	// StateProcessing covers every job without a terminal result: queued,
	// in flight, or waiting for a retry.
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
	StateNotFound   State = "not_found"
)

// Counts describes the processed document. Zero is a real value here: a
// scanned PDF has no text layer, so the keys are always emitted.
type Counts struct {
	Pages      int `json:"pages"`
	TextLength int `json:"text_length"`
	ImageCount int `json:"image_count"`
}

// Report is what a polling client receives. Counts is nil until the job has
// a stored result.
type Report struct {
	JobID   string `json:"job_id"`
	Status  State  `json:"status"`
	Summary string `json:"summary,omitempty"`
	*Counts
	Language    string     `json:"language,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	Source      job.Origin `json:"source,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Detail      string     `json:"detail,omitempty"`
}

// Lookuper is the part of the queue the reporter needs.
type Lookuper interface {
	Lookup(ctx context.Context, jobID string) (queue.State, string, error)
}

type Reporter struct {
	store store.Store
	queue Lookuper
}

func NewReporter(s store.Store, q Lookuper) *Reporter {
	return &Reporter{store: s, queue: q}
}

func (r *Reporter) Status(ctx context.Context, jobID string) (*Report, error) {
	res, err := r.store.Get(ctx, jobID)
	if err == nil {
		return fromResult(res), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("status %s: %w", jobID, err)
	}

	state, detail, err := r.queue.Lookup(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", jobID, err)
	}
	switch state {
	case queue.StateQueued, queue.StateInFlight:
		return &Report{JobID: jobID, Status: StateProcessing}, nil
	case queue.StateDead:
		if detail == "" {
			detail = "job failed"
		}
		return &Report{JobID: jobID, Status: StateError, Detail: detail}, nil
	}
	return &Report{JobID: jobID, Status: StateNotFound}, nil
}

func fromResult(res *job.Result) *Report {
	at := res.ProcessedAt
	rep := &Report{
		JobID:       res.JobID,
		Counts:      &Counts{Pages: res.Pages, TextLength: res.TextLength, ImageCount: res.ImageCount},
		Language:    res.Language,
		Filename:    res.Filename,
		Source:      res.Source,
		Attempts:    res.Attempts,
		ProcessedAt: &at,
	}
	if res.Status == job.StatusSuccess {
		rep.Status = StateDone
		rep.Summary = res.Summary
	} else {
		rep.Status = StateError
		rep.Detail = res.Error
	}
	return rep
}
