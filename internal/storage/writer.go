package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutionLogger persists execution audit records.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

const (
	auditAttempts     = 4
	auditWriteTimeout = 5 * time.Second
)

// AuditWriter records sandbox executions off the job path so a slow or
// unavailable database never delays a job's terminal transition. Records
// are dropped, with a warning, when the buffer is full.
type AuditWriter struct {
	sink    ExecutionLogger
	ch      chan *Execution
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	backoff time.Duration
	dropped atomic.Int64
	onDrop  func(*Execution)
}

func NewAuditWriter(sink ExecutionLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan *Execution, bufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

// OnDrop registers fn to be called for every record that is lost, either
// because the buffer was full or because every write attempt failed. Call
// before Start.
func (w *AuditWriter) OnDrop(fn func(*Execution)) {
	w.onDrop = fn
}

func (w *AuditWriter) Start() {
	go w.run()
}

// Log queues exec for writing. It never blocks.
func (w *AuditWriter) Log(exec *Execution) {
	select {
	case <-w.done:
		w.drop(exec, "audit writer stopped")
		return
	default:
	}
	select {
	case w.ch <- exec:
	default:
		w.drop(exec, "audit buffer full")
	}
}

// Dropped returns the number of records that were never written.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Flush stops the writer after draining buffered records, waiting at most
// timeout. Safe to call more than once.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	select {
	case <-w.stopped:
		log.Info().Int64("dropped", w.dropped.Load()).Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) run() {
	defer close(w.stopped)

	for {
		select {
		case exec := <-w.ch:
			w.write(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.ch:
					w.write(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(exec *Execution) {
	var err error
	for attempt := 0; attempt < auditAttempts; attempt++ {
		if attempt > 0 {
			delay := w.backoff << (attempt - 1)
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Str("job_id", exec.JobID).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("audit write failed, retrying")
			time.Sleep(delay)
		}

		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err = w.sink.LogExecution(ctx, exec)
		cancel()

		// A duplicate means an earlier attempt landed after its timeout.
		if err == nil || errors.Is(err, ErrDuplicateKey) {
			return
		}
	}

	log.Error().Err(err).Str("exec_id", exec.ID).Msg("audit write failed permanently after retries")
	w.drop(exec, "audit write failed")
}

func (w *AuditWriter) drop(exec *Execution, reason string) {
	w.dropped.Add(1)
	log.Warn().Str("exec_id", exec.ID).Str("job_id", exec.JobID).Msg(reason + ", dropping execution record")
	if w.onDrop != nil {
		w.onDrop(exec)
	}
}
