package queue

import (
	"context"
	"sync"
)

// Memory is a bounded in-process queue backed by a buffered channel.
type Memory struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

func NewMemory(size int) *Memory {
	if size < 1 {
		size = 1024
	}
	return &Memory{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Enqueue never blocks: a full queue fails immediately so the submitter can
// mark the job failed.
func (m *Memory) Enqueue(_ context.Context, jobID string) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- jobID:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-m.ch:
		return id, nil
	case <-m.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Memory) Len(context.Context) (int64, error) {
	return int64(len(m.ch)), nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
