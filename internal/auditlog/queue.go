// SPDX-License-Identifier: MIT

package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the durable audit buffer on Redis. Entries are pushed to the
// pending list and claimed with BRPOPLPUSH into a per-deployment active
// list, so an entry survives a worker crash between claim and write.
type Queue struct {
	client *redis.Client
	prefix string
}

// NewQueue wraps an existing Redis client; the prefix matches the one
// used by the session store so tenants stay isolated.
func NewQueue(client *redis.Client, prefix string) *Queue {
	return &Queue{client: client, prefix: prefix}
}

func (q *Queue) pendingKey() string { return q.prefix + "audit:pending" }
func (q *Queue) activeKey() string  { return q.prefix + "audit:active" }
func (q *Queue) failedKey() string  { return q.prefix + "audit:failed" }

// Enqueue appends an event to the pending list. This is the only queue
// call on the request path; it must stay cheap.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
		return fmt.Errorf("audit: enqueue: %w", err)
	}
	return nil
}

// Claim blocks up to timeout for the next entry, moving it to the active
// list. Returns the raw payload, or nil when the timeout elapsed.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) ([]byte, error) {
	data, err := q.client.BRPopLPush(ctx, q.pendingKey(), q.activeKey(), timeout).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: claim: %w", err)
	}
	return data, nil
}

// Ack removes a processed entry from the active list.
func (q *Queue) Ack(ctx context.Context, payload []byte) error {
	return q.client.LRem(ctx, q.activeKey(), 1, payload).Err()
}

// Abandon moves an entry that exhausted its retries from the active list
// to the failed bucket for operator inspection.
func (q *Queue) Abandon(ctx context.Context, payload []byte) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, payload)
	pipe.LPush(ctx, q.failedKey(), payload)
	_, err := pipe.Exec(ctx)
	return err
}

// Recover requeues entries stranded on the active list by a previous
// crash. Called once on startup, before workers begin claiming.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.activeKey(), q.pendingKey()).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("audit: recover: %w", err)
		}
		moved++
	}
}

// Depth reports the pending and failed list lengths.
func (q *Queue) Depth(ctx context.Context) (pending, failed int64, err error) {
	pending, err = q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("audit: depth: %w", err)
	}
	failed, err = q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("audit: depth: %w", err)
	}
	return pending, failed, nil
}
