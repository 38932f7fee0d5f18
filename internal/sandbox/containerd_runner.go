package sandbox

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/runtime"
)

// ContainerdRunner is the containerd-based sandbox backend.
type ContainerdRunner struct {
	client   *Client
	runtimes *runtime.Registry
	opts     Options
	sem      chan struct{} // Concurrency limiter
	active   atomic.Int64  // Active execution count
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects shutdown state
	closed   bool
}

// NewContainerdRunner creates a runner and pre-pulls the runtime images.
func NewContainerdRunner(ctx context.Context, client *Client, opts Options) (*ContainerdRunner, error) {
	opts = opts.withDefaults()
	r := &ContainerdRunner{
		client:   client,
		runtimes: runtime.NewRegistry(opts.PythonImage),
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}

	for _, ref := range r.runtimes.Images() {
		if _, err := client.PullImage(ctx, ref); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ContainerdRunner) Name() string { return "containerd" }

// Execute runs a strategy in a fresh container.
func (r *ContainerdRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	e := newExecution(r.Name(), req)
	e.logger.Info().Msg("execution requested")

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, e.fail("execute", ErrClosed)
	}

	if err := prepare(&req, r.runtimes, r.opts); err != nil {
		return nil, e.fail("validate", err)
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, e.fail("acquire_slot", ctx.Err())
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.active.Add(1)
	defer r.active.Add(-1)

	if err := r.client.EnsureConnected(ctx); err != nil {
		return nil, e.fail("connect", err)
	}

	rt, err := r.runtimes.Get(req.Language)
	if err != nil {
		return nil, e.fail("get_runtime", err)
	}
	if rt.Image() == "" {
		return nil, e.fail("get_runtime", fmt.Errorf("%w: %s has no container image", ErrUnsupportedLang, req.Language))
	}

	ws, err := newWorkspace(e.id, rt, req)
	if err != nil {
		return nil, e.fail("create_workspace", err)
	}
	defer ws.remove()

	image, err := r.client.PullImage(ctx, rt.Image())
	if err != nil {
		return nil, e.fail("pull_image", err)
	}

	container, err := r.createContainer(ctx, e.id, image, rt, ws.dir, req)
	if err != nil {
		return nil, e.fail("create_container", err)
	}
	defer func() {
		if cleanErr := r.reap(context.Background(), container); cleanErr != nil {
			e.logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	stdout := newCappedBuffer(r.opts.stdoutCap())
	stderr := newCappedBuffer(stderrCap)

	nsCtx := r.client.WithNamespace(ctx)
	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, e.fail("create_task", err)
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, e.fail("task_wait", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if err := task.Start(nsCtx); err != nil {
		return nil, e.fail("task_start", err)
	}
	e.logger.Info().Msg("task started")

	var exitCode int
	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, e.fail("task_exit", err)
		}
		exitCode = int(code)

	case <-execCtx.Done():
		killCtx := r.client.WithNamespace(context.Background())
		if err := task.Kill(killCtx, syscall.SIGKILL); err != nil {
			e.logger.Error().Err(err).Msg("failed to kill task")
		}
		select {
		case <-exitCh:
		case <-time.After(10 * time.Second):
			e.logger.Warn().Msg("timed out waiting for killed task")
		}

		if ctx.Err() != nil {
			return nil, e.fail("task_wait", ctx.Err())
		}
		e.logger.Warn().Dur("timeout", req.Timeout).Msg("execution timed out, task killed")
		return e.timeoutResult(req.Timeout, stdout, stderr), nil
	}

	res := e.result(stdout, stderr, exitCode, req.Limits)
	res.Backend = r.Name()

	e.logger.Info().
		Int("exit_code", exitCode).
		Bool("success", res.Success).
		Str("failure", string(res.Failure)).
		Dur("duration", res.Duration).
		Msg("execution completed")

	return res, nil
}

func (r *ContainerdRunner) createContainer(
	ctx context.Context,
	execID string,
	image containerd.Image,
	rt runtime.Runtime,
	hostDir string,
	req Request,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)
	codePath := path.Join(runtime.WorkspaceDir, "strategy"+rt.FileExtension())
	datasetPath := path.Join(runtime.WorkspaceDir, runtime.DatasetFile)

	id := containerName(execID)
	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(containerLabels(execID, req.JobID)),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(rt.Command(codePath, datasetPath)...),
			oci.WithProcessCwd(runtime.WorkspaceDir),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				StrategyProfile().Apply(s)
				ApplyResourceLimits(s, req.Limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: runtime.WorkspaceDir,
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = strategyEnv(r.opts)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

// ActiveCount returns the number of currently running executions.
func (r *ContainerdRunner) ActiveCount() int64 {
	return r.active.Load()
}

// Close stops accepting work, drains active executions and closes the client.
func (r *ContainerdRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for containerd executions to drain")
	}
	return r.client.Close()
}
