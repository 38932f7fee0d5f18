package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/internal/strategy"
)

// WorkerBinary is the name of the strategy-worker executable.
const WorkerBinary = "strategy-worker"

// workerGrace is how long past the strategy timeout the host waits before
// killing a worker that failed to stop itself.
const workerGrace = 2 * time.Second

// ProcessRunner executes Starlark strategies in a strategy-worker child
// process per job, so a runaway strategy can be killed without touching the
// server's heap.
type ProcessRunner struct {
	workerPath string
	runtimes   *runtime.Registry
	opts       Options
	sem        chan struct{}
	active     atomic.Int64
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// FindWorker resolves the worker binary: an explicit path, then a sibling of
// the running executable, then $PATH.
func FindWorker(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: worker binary %s: %v", ErrBackendUnavailable, explicit, err)
		}
		return explicit, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), WorkerBinary)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	p, err := exec.LookPath(WorkerBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrBackendUnavailable, WorkerBinary, err)
	}
	return p, nil
}

func NewProcessRunner(workerPath string, opts Options) *ProcessRunner {
	opts = opts.withDefaults()
	return &ProcessRunner{
		workerPath: workerPath,
		runtimes:   runtime.NewRegistry(opts.PythonImage),
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
	}
}

func (p *ProcessRunner) Name() string { return "process" }

func (p *ProcessRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	e := newExecution(p.Name(), req)

	if p.closed.Load() {
		return nil, e.fail("execute", ErrClosed)
	}
	if req.Language == "" {
		req.Language = strategy.LanguageStarlark
	}
	if req.Language != strategy.LanguageStarlark {
		return nil, e.fail("validate", fmt.Errorf("%w: process backend runs starlark only, got %s", ErrUnsupportedLang, req.Language))
	}
	if err := prepare(&req, p.runtimes, p.opts); err != nil {
		return nil, e.fail("validate", err)
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, e.fail("acquire_slot", ctx.Err())
	}

	p.wg.Add(1)
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	rt, err := p.runtimes.Get(req.Language)
	if err != nil {
		return nil, e.fail("get_runtime", err)
	}

	ws, err := newWorkspace(e.id, rt, req)
	if err != nil {
		return nil, e.fail("create_workspace", err)
	}
	defer ws.remove()

	hostCtx, cancel := context.WithTimeout(ctx, req.Timeout+workerGrace)
	defer cancel()

	args := p.workerArgs(rt, ws, req)
	cmd := exec.CommandContext(hostCtx, p.workerPath, args...) // #nosec G204 -- args built internally
	cmd.Dir = ws.dir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"LANG=C.UTF-8",
		"GOMAXPROCS=1",
		"GOTRACEBACK=none",
	}
	cmd.WaitDelay = workerGrace

	stdout := newCappedBuffer(p.opts.stdoutCap())
	stderr := newCappedBuffer(stderrCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug().Strs("args", args).Msg("starting strategy worker")

	err = cmd.Run()

	var exitCode int
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.fail("worker_run", ctx.Err())
		}
		if errors.Is(hostCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn().Dur("timeout", req.Timeout).Msg("worker exceeded timeout, killed")
			return e.timeoutResult(req.Timeout, stdout, stderr), nil
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, e.fail("worker_run", err)
		}
		exitCode = exitErr.ExitCode()
	}

	res := e.result(stdout, stderr, exitCode, req.Limits)
	res.Backend = p.Name()

	e.logger.Info().
		Int("exit_code", exitCode).
		Bool("success", res.Success).
		Str("failure", string(res.Failure)).
		Dur("duration", res.Duration).
		Msg("worker execution completed")

	return res, nil
}

func (p *ProcessRunner) workerArgs(rt runtime.Runtime, ws *workspace, req Request) []string {
	args := rt.Command(ws.hostPath(ws.codeName), ws.hostPath(runtime.DatasetFile))
	return append(args,
		"--timeout", req.Timeout.String(),
		"--memory-mb", strconv.FormatInt(req.Limits.MemoryMB, 10),
		"--max-steps", strconv.FormatUint(p.opts.MaxSteps, 10),
		"--max-rows", strconv.Itoa(p.opts.MaxRows),
		"--max-output-bytes", strconv.Itoa(p.opts.MaxOutputBytes),
		"--max-log-bytes", strconv.Itoa(p.opts.MaxLogBytes),
	)
}

func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

func (p *ProcessRunner) Close() error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for workers to drain")
	}
	return nil
}
