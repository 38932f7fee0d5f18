package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"strategy-sandbox/internal/interp"
	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/internal/strategy"
)

// InProcessRunner evaluates Starlark strategies on the calling goroutine.
// Isolation comes from the interpreter alone: no builtins reach the host and
// the step budget and timeout bound CPU. Memory is not bounded, so this
// backend is meant for development, tests and the local CLI.
type InProcessRunner struct {
	runtimes *runtime.Registry
	opts     Options
	sem      chan struct{}
	active   atomic.Int64
	closed   atomic.Bool
}

func NewInProcessRunner(opts Options) *InProcessRunner {
	opts = opts.withDefaults()
	return &InProcessRunner{
		runtimes: runtime.NewRegistry(opts.PythonImage),
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

func (r *InProcessRunner) Name() string { return "inprocess" }

func (r *InProcessRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	e := newExecution(r.Name(), req)

	if r.closed.Load() {
		return nil, e.fail("execute", ErrClosed)
	}
	if req.Language == "" {
		req.Language = strategy.LanguageStarlark
	}
	if req.Language != strategy.LanguageStarlark {
		return nil, e.fail("validate", fmt.Errorf("%w: inprocess backend runs starlark only, got %s", ErrUnsupportedLang, req.Language))
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
	r.active.Add(1)
	defer r.active.Add(-1)

	env := interp.Run(ctx, req.Code, req.Dataset, interp.Options{
		Timeout:        req.Timeout,
		MaxSteps:       r.opts.MaxSteps,
		MaxOutputBytes: r.opts.MaxOutputBytes,
		MaxLogBytes:    r.opts.MaxLogBytes,
		MaxRows:        r.opts.MaxRows,
	})

	// The interpreter reports host cancellation as infra_error; surface it
	// as an error like the other backends do.
	if !env.Success && env.Kind == strategy.FailureInfra && ctx.Err() != nil {
		return nil, e.fail("interpret", ctx.Err())
	}

	res := &Result{
		ID:       e.id,
		Backend:  r.Name(),
		Duration: time.Since(e.start),
		CodeHash: e.codeHash,
	}
	res.applyEnvelope(&env)
	if res.Failure == strategy.FailureTimeout {
		res.SecurityEvents = append(res.SecurityEvents, SecurityEvent{
			Type:   "timeout",
			Detail: fmt.Sprintf("execution exceeded %s timeout", req.Timeout),
		})
	}

	e.logger.Info().
		Bool("success", res.Success).
		Str("failure", string(res.Failure)).
		Dur("duration", res.Duration).
		Msg("in-process execution completed")

	return res, nil
}

func (r *InProcessRunner) ActiveCount() int64 {
	return r.active.Load()
}

func (r *InProcessRunner) Close() error {
	r.closed.Store(true)
	return nil
}
