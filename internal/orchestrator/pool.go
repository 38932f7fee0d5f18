package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"strategy-sandbox/internal/queue"
	"strategy-sandbox/internal/strategy"
)

const (
	dequeueRetryDelay = time.Second
	depthSampleEvery  = 5 * time.Second

	interruptedMessage = "job interrupted by service restart"
)

// Start launches the worker pool. Workers pull job IDs until ctx is
// cancelled, Stop is called or the queue is closed.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			o.worker(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		o.sampleQueueDepth(gctx)
		return nil
	})

	log.Info().Int("workers", o.cfg.Workers).Msg("job workers started")
	go func() { o.done <- g.Wait() }()
}

// Stop signals the workers and waits up to timeout for in-flight jobs.
func (o *Orchestrator) Stop(timeout time.Duration) error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()

	select {
	case err := <-o.done:
		log.Info().Msg("job workers stopped")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for %d active jobs", o.active.Load())
	}
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	logger := log.With().Int("worker", id).Logger()
	for {
		jobID, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		o.runSafe(ctx, jobID)
	}
}

// runSafe runs one job, containing panics to that job.
func (o *Orchestrator) runSafe(ctx context.Context, jobID string) {
	logger := log.With().Str("job_id", jobID).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("panic while running job")
			o.failStuck(ctx, jobID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if _, err := o.Run(ctx, jobID); err != nil {
		logger.Error().Err(err).Msg("job run failed")
	}
}

// failStuck marks a job failed from whichever non-terminal status it is in.
func (o *Orchestrator) failStuck(ctx context.Context, jobID, msg string) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()

	failure := &strategy.Failure{Kind: strategy.FailureInfra, Message: msg}
	for _, from := range []strategy.Status{strategy.StatusRunning, strategy.StatusPending} {
		if err := o.store.Transition(pctx, jobID, from, strategy.StatusFailed, failure); err == nil {
			o.metrics.RecordFinished("unknown", string(strategy.StatusFailed), string(failure.Kind))
			return
		}
	}
	log.Error().Str("job_id", jobID).Msg("could not mark job failed")
}

func (o *Orchestrator) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthSampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.queue.Len(ctx); err == nil {
				o.metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}

// Recover repairs state left by a previous process. Jobs still running
// were interrupted and are failed; pending jobs are queued again.
func (o *Orchestrator) Recover(ctx context.Context) (failed, requeued int, err error) {
	running, err := o.store.ListIDsByStatus(ctx, strategy.StatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("listing running jobs: %w", err)
	}
	failure := &strategy.Failure{Kind: strategy.FailureInfra, Message: interruptedMessage}
	for _, id := range running {
		if err := o.store.Transition(ctx, id, strategy.StatusRunning, strategy.StatusFailed, failure); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("failed to fail interrupted job")
			continue
		}
		failed++
	}

	pending, err := o.store.ListIDsByStatus(ctx, strategy.StatusPending)
	if err != nil {
		return failed, 0, fmt.Errorf("listing pending jobs: %w", err)
	}
	for _, id := range pending {
		if err := o.queue.Enqueue(ctx, id); err != nil {
			return failed, requeued, fmt.Errorf("requeueing job %s: %w", id, err)
		}
		requeued++
	}

	if failed > 0 || requeued > 0 {
		log.Info().Int("failed", failed).Int("requeued", requeued).Msg("recovered jobs from previous run")
	}
	return failed, requeued, nil
}
