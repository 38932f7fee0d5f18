package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollTimeout bounds each BRPOP so Dequeue notices Close and cancellation.
const pollTimeout = 2 * time.Second

// Redis is a list-backed queue shared by every server and worker process
// pointing at the same key. IDs are pushed on the left and popped on the
// right, giving FIFO order.
type Redis struct {
	client *redis.Client
	key    string
	owned  bool
	closed atomic.Bool
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, opts *redis.Options, key string) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, key: key, owned: true}, nil
}

// NewRedisWithClient wraps an existing client. Close leaves it open.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.client.LPush(ctx, r.key, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context) (string, error) {
	for {
		if r.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := r.client.BRPop(ctx, pollTimeout, r.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if r.closed.Load() {
				return "", ErrClosed
			}
			return "", fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("dequeue: unexpected reply %v", res)
		}
		return res[1], nil
	}
}

func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) || !r.owned {
		return nil
	}
	return r.client.Close()
}
