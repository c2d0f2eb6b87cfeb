package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdfsum/pdfsum/internal/job"
)

// RedisQueue keeps ready messages in a list (LPUSH by producers, popped from
// the right by workers), moves each delivery into a processing list with
// LMOVE, parks retries in a sorted set scored by their due time, and tracks
// per-job state in a hash.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
	logger *slog.Logger
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr, key string, logger *slog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisQueue(client, key, logger), nil
}

func newRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{client: client, key: key, now: time.Now, logger: logger}
}

func (q *RedisQueue) processingKey() string { return q.key + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.key + ":delayed" }
func (q *RedisQueue) stateKey() string      { return q.key + ":state" }
func (q *RedisQueue) deadKey() string       { return q.key + ":dead" }

func (q *RedisQueue) Publish(ctx context.Context, m *job.Message) error {
	payload, err := job.EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.JobID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.stateKey(), m.JobID, string(StateQueued))
		pipe.LPush(ctx, q.key, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", m.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	for {
		raw, err := q.client.LMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		m, err := job.DecodeMessage([]byte(raw))
		if err != nil {
			jobID := peekJobID(raw)
			q.logger.Warn("queue: dead-lettering malformed message", "job_id", jobID, "error", err)
			if derr := q.dead(ctx, jobID, raw, err.Error()); derr != nil {
				return nil, derr
			}
			continue
		}
		if err := q.client.HSet(ctx, q.stateKey(), m.JobID, string(StateInFlight)).Err(); err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", m.JobID, err)
		}
		return &Delivery{Message: *m, handle: raw}, nil
	}
}

// promoteScript moves every delayed member due by ARGV[1] onto the ready
// list in one step, so a crash cannot drop a member between the two keys.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// retryScript parks ARGV[3] in the delayed set only if the delivery ARGV[1]
// was still in processing. Returns 0 when it was not.
var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[4], ARGV[5])
return 1
`)

// promoteDue moves retries whose delay has elapsed back onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	keys := []string{q.delayedKey(), q.key}
	if err := promoteScript.Run(ctx, q.client, keys, cutoff).Err(); err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	var removed *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, q.processingKey(), 1, d.handle)
		pipe.HDel(ctx, q.stateKey(), d.Message.JobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Message.JobID, err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%s: %w", d.Message.JobID, ErrLeaseLost)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration, reason string) error {
	next := d.Message
	next.Attempt++
	payload, err := job.EncodeMessage(&next)
	if err != nil {
		return fmt.Errorf("retry %s: %w", next.JobID, err)
	}
	due := strconv.FormatInt(q.now().Add(delay).UnixMilli(), 10)
	keys := []string{q.processingKey(), q.delayedKey(), q.stateKey()}
	moved, err := retryScript.Run(ctx, q.client, keys,
		d.handle, due, string(payload), next.JobID, string(StateQueued)).Int()
	if err != nil {
		return fmt.Errorf("retry %s: %w", next.JobID, err)
	}
	if moved == 0 {
		q.logger.Warn("queue: retried delivery was no longer in processing", "job_id", next.JobID, "reason", reason)
		return fmt.Errorf("%s: %w", next.JobID, ErrLeaseLost)
	}
	return nil
}

func (q *RedisQueue) Dead(ctx context.Context, d *Delivery, reason string) error {
	return q.dead(ctx, d.Message.JobID, d.handle, reason)
}

func (q *RedisQueue) dead(ctx context.Context, jobID, raw, reason string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		if jobID != "" {
			pipe.HSet(ctx, q.stateKey(), jobID, string(StateDead))
			pipe.HSet(ctx, q.deadKey(), jobID, reason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Lookup(ctx context.Context, jobID string) (State, string, error) {
	state, err := q.client.HGet(ctx, q.stateKey(), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return StateUnknown, "", nil
	}
	if err != nil {
		return StateUnknown, "", fmt.Errorf("lookup %s: %w", jobID, err)
	}
	if State(state) != StateDead {
		return State(state), "", nil
	}
	reason, err := q.client.HGet(ctx, q.deadKey(), jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return StateDead, "", fmt.Errorf("lookup %s: %w", jobID, err)
	}
	return StateDead, reason, nil
}

// Recover moves every message left in the processing list back onto the
// ready list. Run it only when no other worker is consuming the queue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := q.client.LMove(ctx, q.processingKey(), q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		if id := peekJobID(raw); id != "" {
			if err := q.client.HSet(ctx, q.stateKey(), id, string(StateQueued)).Err(); err != nil {
				return n, fmt.Errorf("recover %s: %w", id, err)
			}
		}
		n++
	}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// peekJobID extracts job_id from a payload that failed full validation.
func peekJobID(raw string) string {
	var head struct {
		JobID string `json:"job_id"`
	}
	if json.Unmarshal([]byte(raw), &head) != nil {
		return ""
	}
	return head.JobID
}
