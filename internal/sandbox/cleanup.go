package sandbox

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	reapTimeout     = 30 * time.Second
	killWaitTimeout = 5 * time.Second
)

// reap kills the container's task, if any, and deletes the container with
// its snapshot.
func (r *ContainerdRunner) reap(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	logger := log.With().Str("container_id", container.ID()).Logger()
	ctx, cancel := context.WithTimeout(r.client.WithNamespace(ctx), reapTimeout)
	defer cancel()

	if task, err := container.Task(ctx, nil); err == nil {
		stopTask(ctx, task, logger)
	}

	err := container.Delete(ctx, containerd.WithSnapshotCleanup)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	logger.Debug().Msg("container reaped")
	return nil
}

// stopTask SIGKILLs a task that is still running and deletes it.
func stopTask(ctx context.Context, task containerd.Task, logger zerolog.Logger) {
	if status, err := task.Status(ctx); err == nil && status.Status != containerd.Stopped {
		waitCtx, cancel := context.WithTimeout(ctx, killWaitTimeout)
		defer cancel()

		exitCh, err := task.Wait(waitCtx)
		if killErr := task.Kill(ctx, syscall.SIGKILL); killErr != nil && !errdefs.IsNotFound(killErr) {
			logger.Warn().Err(killErr).Msg("failed to kill strategy task")
		}
		if err == nil {
			select {
			case <-exitCh:
			case <-waitCtx.Done():
				logger.Warn().Msg("timed out waiting for strategy task to stop")
			}
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn().Err(err).Msg("failed to delete strategy task")
	}
}

// CleanupOrphaned removes strategy containers left over from previous runs,
// found by their exec-id label. Call it before the runner accepts work.
func (r *ContainerdRunner) CleanupOrphaned(ctx context.Context) (int, error) {
	filter := fmt.Sprintf("labels.%q", labelExecID)
	containers, err := r.client.Raw().Containers(r.client.WithNamespace(ctx), filter)
	if err != nil {
		return 0, fmt.Errorf("listing strategy containers: %w", err)
	}

	var cleaned int
	for _, c := range containers {
		logger := log.With().Str("container_id", c.ID()).Logger()
		if labels, err := c.Labels(r.client.WithNamespace(ctx)); err == nil {
			logger = logger.With().Str("job_id", labels[labelJobID]).Logger()
		}
		logger.Info().Msg("removing orphaned strategy container")

		if err := r.reap(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to remove orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}
