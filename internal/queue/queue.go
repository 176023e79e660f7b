// Package queue is the optional Redis fast-path wake signal for the
// Work-Item Processor (spec §4.6 C6): when configured, a job enqueue pushes
// a wake notification here so the producer doesn't have to wait out a full
// pollingInterval before noticing new work. The Job Store remains the
// source of truth and ordering authority either way — a wake signal only
// ever tells the producer "go poll now", it never carries job ordering or
// eligibility itself (mirroring the teacher's own "queue is an
// accelerant, store is truth" design, visible in handleRequestJob's
// re-validate-against-store-before-trusting-the-queue loop).
//
// Adapted directly from the teacher's cloud/internal/queue/queue.go
// (LPUSH/RPOP FIFO list), generalized from "the list holds job IDs to
// dispatch" to "the list holds wake tokens the producer drains and
// discards".
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by DequeueBlocking when no wake token is available.
var ErrEmpty = errors.New("queue: empty")

// DefaultKey is the Redis list key used for wake tokens.
const DefaultKey = "orbitmesh:pending:wake"

// WakeQueue is a minimal Redis-backed signal: Notify pushes a token,
// DequeueBlocking pops one. Unlike the teacher's Queue interface, there is no
// Peek/Remove — the only operation that matters here is "has something
// happened since I last looked".
type WakeQueue struct {
	client *redis.Client
	key    string
}

// New creates a WakeQueue against client using DefaultKey.
func New(client *redis.Client) *WakeQueue {
	return &WakeQueue{client: client, key: DefaultKey}
}

// NewWithKey creates a WakeQueue using a custom Redis key.
func NewWithKey(client *redis.Client, key string) *WakeQueue {
	return &WakeQueue{client: client, key: key}
}

// Notify pushes a wake token (spec: called whenever C2.enqueue or
// C2.requeue succeeds).
func (q *WakeQueue) Notify(ctx context.Context) error {
	if err := q.client.LPush(ctx, q.key, "1").Err(); err != nil {
		return fmt.Errorf("queue: notify: %w", err)
	}
	return nil
}

// DequeueBlocking waits up to timeout for a wake token, returning ErrEmpty
// on timeout. The producer uses this instead of a plain timer sleep when
// Redis is configured, falling back to polling on timeout regardless.
func (q *WakeQueue) DequeueBlocking(ctx context.Context, timeout time.Duration) error {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return ErrEmpty
	}
	if err != nil {
		return fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("queue: unexpected BRPOP result: %v", result)
	}
	return nil
}

// Drain removes any buffered wake tokens without blocking, so a burst of
// enqueues collapses into a single wake-up.
func (q *WakeQueue) Drain(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("queue: drain: %w", err)
	}
	return nil
}
