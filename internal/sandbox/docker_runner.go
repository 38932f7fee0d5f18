package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/runtime"
)

// Exit status docker run uses when the daemon, not the container, failed.
const dockerDaemonExit = 125

// DockerRunner is the Docker-based sandbox backend (macOS, or Linux without containerd).
type DockerRunner struct {
	runtimes      *runtime.Registry
	opts          Options
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	inflight      sync.Map // container names of running executions
	dockerHost    string   // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

func NewDockerRunner(opts Options) *DockerRunner {
	opts = opts.withDefaults()
	d := &DockerRunner{
		runtimes:   runtime.NewRegistry(opts.PythonImage),
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerRunner) Name() string { return "docker" }

// orphanCleanupLoop periodically kills orphaned sandbox containers that survived server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOrphans removes strategy containers this runner is not tracking,
// i.e. ones left behind by a crashed or killed server.
func (d *DockerRunner) cleanupOrphans() {
	cmd := d.command(context.Background(), "ps", "-a", "--filter", "label="+labelExecID, "--format", "{{.Names}}") // #nosec G204 -- no user input
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, name := range strings.Fields(string(out)) {
		if _, running := d.inflight.Load(name); running {
			continue
		}
		log.Warn().Str("container", name).Msg("killing orphaned sandbox container")
		_ = d.command(context.Background(), "rm", "-f", name).Run() // #nosec G204 -- name from docker ps
	}
}

func (d *DockerRunner) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	e := newExecution(d.Name(), req)
	e.logger.Info().Msg("docker execution requested")

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, e.fail("execute", ErrClosed)
	}

	if err := prepare(&req, d.runtimes, d.opts); err != nil {
		return nil, e.fail("validate", err)
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, e.fail("acquire_slot", ctx.Err())
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	rt, err := d.runtimes.Get(req.Language)
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

	seccompPath, err := ws.writeSeccomp()
	if err != nil {
		return nil, e.fail("seccomp_profile", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	name := containerName(e.id)
	d.inflight.Store(name, struct{}{})
	defer d.inflight.Delete(name)
	args := d.buildDockerArgs(e.id, rt, ws.dir, seccompPath, req)
	cmd := d.command(execCtx, args...)

	stdout := newCappedBuffer(d.opts.stdoutCap())
	stderr := newCappedBuffer(stderrCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Info().Strs("args", args[:5]).Msg("starting docker container")

	err = cmd.Run()

	var exitCode int
	if err != nil {
		if ctx.Err() != nil {
			d.forceRemove(name)
			return nil, e.fail("docker_run", ctx.Err())
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn().Dur("timeout", req.Timeout).Msg("execution timed out, removing container")
			d.forceRemove(name)
			return e.timeoutResult(req.Timeout, stdout, stderr), nil
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, e.fail("docker_run", err)
		}
		exitCode = exitErr.ExitCode()
		if exitCode == dockerDaemonExit {
			return nil, e.fail("docker_run", fmt.Errorf("docker daemon error: %s", strings.TrimSpace(stderr.String())))
		}
	}

	res := e.result(stdout, stderr, exitCode, req.Limits)
	res.Backend = d.Name()

	e.logger.Info().
		Int("exit_code", exitCode).
		Bool("success", res.Success).
		Str("failure", string(res.Failure)).
		Dur("duration", res.Duration).
		Msg("docker execution completed")

	return res, nil
}

// forceRemove kills a container whose docker CLI process was cancelled;
// killing the CLI alone leaves the container running.
func (d *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.command(ctx, "rm", "-f", name).Run(); err != nil {
		log.Error().Err(err).Str("container", name).Msg("failed to remove timed out container")
	}
}

func (d *DockerRunner) buildDockerArgs(
	execID string,
	rt runtime.Runtime,
	hostDir, seccompPath string,
	req Request,
) []string {
	limits := req.Limits.WithDefaults(d.opts.DefaultLimits)
	codePath := path.Join(runtime.WorkspaceDir, "strategy"+rt.FileExtension())
	datasetPath := path.Join(runtime.WorkspaceDir, runtime.DatasetFile)

	args := []string{
		"run", "--rm",
		"--name", containerName(execID),
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,noexec,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:ro", hostDir, runtime.WorkspaceDir),
		"--workdir", runtime.WorkspaceDir,
		"--user", fmt.Sprintf("%d:%d", nobodyUID, nobodyUID),
		"--hostname", "strategy",
		"--oom-score-adj", fmt.Sprintf("%d", strategyOOMScoreAdj),
	}
	labels := containerLabels(execID, req.JobID)
	for _, k := range []string{labelExecID, labelJobID} {
		if v, ok := labels[k]; ok {
			args = append(args, "--label", k+"="+v)
		}
	}
	for _, kv := range strategyEnv(d.opts) {
		args = append(args, "-e", kv)
	}

	args = append(args, rt.Image())
	args = append(args, rt.Command(codePath, datasetPath)...)

	return args
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active executions to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker executions to drain")
	}
	return nil
}
