package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/internal/strategy"
)

// Backend executes one strategy in a fresh isolated context.
//
// A returned error always means the host failed (daemon unreachable,
// request rejected, shutdown). Faults in the strategy itself come back as a
// Result with Success=false and a Failure kind.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Name() string
	Close() error
}

type Request struct {
	JobID    string            `json:"job_id"`
	Code     string            `json:"code"`
	Language strategy.Language `json:"language"`
	Dataset  []byte            `json:"-"`
	Timeout  time.Duration     `json:"timeout"`
	Limits   ResourceLimits    `json:"limits"`
}

type Result struct {
	ID             string               `json:"id"`
	Backend        string               `json:"backend"`
	Success        bool                 `json:"success"`
	Trades         json.RawMessage      `json:"trades,omitempty"`
	Failure        strategy.FailureKind `json:"failure,omitempty"`
	Error          string               `json:"error,omitempty"`
	Logs           string               `json:"logs,omitempty"`
	Stderr         string               `json:"stderr,omitempty"`
	ExitCode       int                  `json:"exit_code"`
	Duration       time.Duration        `json:"duration"`
	SecurityEvents []SecurityEvent      `json:"security_events,omitempty"`
	CodeHash       string               `json:"code_hash"`
}

// Err describes a failed result as an error for tracing and logs. It is
// nil for a successful run. Timeouts and exceeded limits wrap ErrTimeout
// and ErrResourceExceeded.
func (r *Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.Failure == strategy.FailureTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, r.Error)
	case r.Failure == strategy.FailureResourceExceeded:
		return fmt.Errorf("%w: %s", ErrResourceExceeded, r.Error)
	default:
		return fmt.Errorf("%s: %s", r.Failure, r.Error)
	}
}

type SecurityEvent struct {
	Type    string `json:"type"`
	Syscall string `json:"syscall,omitempty"`
	Detail  string `json:"detail"`
}

// Options are the host-side bounds shared by every backend.
type Options struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
	MaxLogBytes    int
	MaxSteps       uint64
	MaxRows        int
	DefaultLimits  ResourceLimits
	PythonImage    string
	WorkerPath     string
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  8,
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxOutputBytes: 8 << 20,
		MaxLogBytes:    64 << 10,
		MaxSteps:       2_000_000_000,
		MaxRows:        2_000_000,
		DefaultLimits:  DefaultLimits(),
		PythonImage:    runtime.DefaultPythonImage,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = d.MaxTimeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = d.MaxOutputBytes
	}
	if o.MaxLogBytes <= 0 {
		o.MaxLogBytes = d.MaxLogBytes
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = d.MaxSteps
	}
	if o.MaxRows <= 0 {
		o.MaxRows = d.MaxRows
	}
	o.DefaultLimits = o.DefaultLimits.WithDefaults(d.DefaultLimits)
	if o.PythonImage == "" {
		o.PythonImage = d.PythonImage
	}
	return o
}

// stdoutCap bounds what is kept of a child's stdout: the trades and logs the
// harness is allowed to emit plus envelope overhead.
func (o Options) stdoutCap() int {
	return 2*(o.MaxOutputBytes+o.MaxLogBytes) + 64<<10
}

const stderrCap = 256 * 1024

// execution carries the per-call identity every runner logs with.
type execution struct {
	id       string
	codeHash string
	start    time.Time
	logger   zerolog.Logger
}

func newExecution(backend string, req Request) *execution {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	return &execution{
		id:       execID,
		codeHash: codeHash,
		start:    time.Now(),
		logger: log.With().
			Str("exec_id", execID).
			Str("job_id", req.JobID).
			Str("backend", backend).
			Str("language", string(req.Language)).
			Str("code_hash", codeHash[:16]).
			Logger(),
	}
}

func (e *execution) fail(op string, err error) error {
	return &ExecutionError{ExecID: e.id, Op: op, Err: err}
}

// prepare validates req against opts and fills in its defaults.
func prepare(req *Request, rt *runtime.Registry, opts Options) error {
	if req.Language == "" {
		req.Language = strategy.LanguagePython
	}
	r, err := rt.Get(req.Language)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}
	if err := r.Validate(req.Code); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(req.Dataset) == 0 {
		return fmt.Errorf("%w: dataset is empty", ErrInvalidRequest)
	}

	if req.Timeout == 0 {
		req.Timeout = opts.DefaultTimeout
	}
	if req.Timeout < 0 || req.Timeout > opts.MaxTimeout {
		return fmt.Errorf("%w: timeout must be between 0 and %s", ErrInvalidRequest, opts.MaxTimeout)
	}

	req.Limits = req.Limits.WithDefaults(opts.DefaultLimits)
	return req.Limits.Validate()
}

// result builds a Result from a decoded envelope or, when the child died
// without writing one, from its exit status and stderr.
func (e *execution) result(stdout, stderr *cappedBuffer, exitCode int, limits ResourceLimits) *Result {
	res := &Result{
		ID:       e.id,
		ExitCode: exitCode,
		Duration: time.Since(e.start),
		CodeHash: e.codeHash,
		Stderr:   stderr.String(),
	}

	env, err := strategy.DecodeEnvelope(stdout.Bytes())
	switch {
	case err == nil:
		res.applyEnvelope(env)
		return res
	case stdout.Truncated():
		res.Failure = strategy.FailureResourceExceeded
		res.Error = fmt.Sprintf("strategy output exceeded %d bytes", stdout.limit)
	case exitCode == 137 || strings.Contains(strings.ToLower(stderr.String()), "out of memory"):
		res.Failure = strategy.FailureResourceExceeded
		res.Error = fmt.Sprintf("process killed: memory limit of %d MB exceeded", limits.MemoryMB)
		res.SecurityEvents = append(res.SecurityEvents, SecurityEvent{
			Type:   "oom_kill",
			Detail: "process killed (OOM or resource limit)",
		})
	case errors.Is(err, strategy.ErrNoEnvelope):
		res.Failure = strategy.FailureExecution
		res.Error = fmt.Sprintf("sandbox exited with code %d without a result%s", exitCode, tail(stderr.String()))
	default:
		res.Failure = strategy.FailureExecution
		res.Error = err.Error() + tail(stderr.String())
	}
	return res
}

func (e *execution) timeoutResult(timeout time.Duration, stdout, stderr *cappedBuffer) *Result {
	return &Result{
		ID:       e.id,
		Failure:  strategy.FailureTimeout,
		Error:    fmt.Sprintf("execution exceeded %s timeout", timeout),
		Stderr:   stderr.String(),
		Logs:     truncateOutput(stdout.String(), 64<<10),
		ExitCode: -1,
		Duration: time.Since(e.start),
		CodeHash: e.codeHash,
		SecurityEvents: []SecurityEvent{{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", timeout),
		}},
	}
}

func (r *Result) applyEnvelope(env *strategy.Envelope) {
	r.Success = env.Success
	r.Logs = env.Logs
	if env.Success {
		r.Trades = env.Trades
		return
	}
	r.Failure = env.Kind
	r.Error = env.Error
}

func tail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	const n = 2048
	if len(stderr) > n {
		stderr = "..." + stderr[len(stderr)-n:]
	}
	return ": " + stderr
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if len(p) > room {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte   { return c.buf.Bytes() }
func (c *cappedBuffer) String() string  { return c.buf.String() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }
