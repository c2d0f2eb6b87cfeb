// Package queue carries job messages from submitters to workers with
// at-least-once delivery. A dequeued message stays owned by its worker until
// it is acked, scheduled for retry, or dead-lettered; a worker that dies
// before doing any of those leaves the message to be redelivered.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/pdfsum/pdfsum/internal/job"
)

// State is the queue-side view of a job.
type State string

const (
	StateUnknown  State = "unknown"
	StateQueued   State = "queued"
	StateInFlight State = "in_flight"
	StateDead     State = "dead"
)

var (
	ErrClosed = errors.New("queue closed")
	// ErrLeaseLost means the delivery was redelivered to another worker
	// before this one settled it.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Delivery is one dequeued message.
type Delivery struct {
	Message job.Message

	// backend handle: lease token for sqlite, raw payload for redis.
	handle string
}

// Queue is the durable job channel shared by submitters and workers.
type Queue interface {
	// Publish enqueues m for immediate delivery.
	Publish(ctx context.Context, m *job.Message) error
	// Dequeue returns the next available message, or nil when the queue is empty.
	// It never blocks waiting for work.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a settled delivery from the queue.
	Ack(ctx context.Context, d *Delivery) error
	// Retry requeues the delivery with Attempt+1, visible again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration, reason string) error
	// Dead parks the delivery; it is never redelivered.
	Dead(ctx context.Context, d *Delivery, reason string) error
	// Lookup reports the queue state of a job and, for dead jobs, the reason.
	Lookup(ctx context.Context, jobID string) (State, string, error)
	Ping(ctx context.Context) error
	Close() error
}
