// Package queue carries job IDs from the API to the orchestrator workers.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by queues that no longer accept or deliver work.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned when a bounded queue has no room.
var ErrFull = errors.New("queue full")

// Queue is a FIFO of job IDs. Dequeue blocks until an ID is available, the
// context ends or the queue is closed.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
