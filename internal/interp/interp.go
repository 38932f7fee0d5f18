// Package interp runs Starlark strategies in a capability-restricted
// interpreter. Strategy code sees only the dataset frame, the math and json
// modules and isnan; it has no filesystem, network, clock or load().
package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"strategy-sandbox/internal/dataset"
	"strategy-sandbox/internal/strategy"
)

// Options bound a single run.
type Options struct {
	Timeout        time.Duration `json:"timeout"`
	MaxSteps       uint64        `json:"max_steps"`
	MaxOutputBytes int           `json:"max_output_bytes"`
	MaxLogBytes    int           `json:"max_log_bytes"`
	MaxRows        int           `json:"max_rows"`
}

// DefaultOptions mirrors the sandbox defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        60 * time.Second,
		MaxSteps:       2_000_000_000,
		MaxOutputBytes: 8 << 20,
		MaxLogBytes:    64 << 10,
		MaxRows:        2_000_000,
	}
}

const filename = "strategy.star"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var errLoadDisabled = errors.New("load() is not available to strategies")

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"math":  math.Module,
		"json":  json.Module,
		"isnan": starlark.NewBuiltin("isnan", isNaN),
	}
}

// Run executes code against the CSV in data and calls its entry point.
// It never panics and always returns a well-formed envelope.
func Run(ctx context.Context, code string, data []byte, opts Options) (env strategy.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = strategy.Failed(strategy.FailureExecution, fmt.Sprintf("interpreter fault: %v", r))
		}
	}()

	table, err := dataset.Parse(data, dataset.Options{MaxRows: opts.MaxRows})
	if err != nil {
		if errors.Is(err, dataset.ErrTooLarge) {
			return strategy.Failed(strategy.FailureResourceExceeded, err.Error())
		}
		return strategy.Failed(strategy.FailureExecution, "loading dataset: "+err.Error())
	}

	logs := newLogBuffer(opts.MaxLogBytes)
	thread := &starlark.Thread{
		Name:  "strategy",
		Print: func(_ *starlark.Thread, msg string) { logs.WriteLine(msg) },
		Load: func(_ *starlark.Thread, _ string) (starlark.StringDict, error) {
			return nil, errLoadDisabled
		},
	}
	if opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(opts.MaxSteps)
	}

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	var deadlineHit atomic.Bool
	stop := context.AfterFunc(execCtx, func() {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			deadlineHit.Store(true)
		}
		thread.Cancel(execCtx.Err().Error())
	})
	defer stop()

	fail := func(err error) strategy.Envelope {
		out := classify(err, thread, opts, deadlineHit.Load())
		out.Logs = logs.String()
		return out
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, code, predeclared())
	if err != nil {
		return fail(err)
	}

	entry, ok := globals[strategy.EntryPoint]
	if !ok {
		return strategy.Failed(strategy.FailureEntryPointMissing,
			fmt.Sprintf("function '%s' not found in strategy code", strategy.EntryPoint))
	}
	fn, ok := entry.(starlark.Callable)
	if !ok {
		return strategy.Failed(strategy.FailureEntryPointMissing,
			fmt.Sprintf("'%s' is a %s, not a function", strategy.EntryPoint, entry.Type()))
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{NewFrame(table)}, nil)
	if err != nil {
		return fail(err)
	}

	switch ret.(type) {
	case *starlark.List, starlark.Tuple:
	default:
		out := strategy.Failed(strategy.FailureNonListReturn,
			fmt.Sprintf("strategy must return a list of trades, got %s", ret.Type()))
		out.Logs = logs.String()
		return out
	}

	raw, err := encodeJSON(ret, opts.MaxOutputBytes)
	if err != nil {
		kind := strategy.FailureExecution
		if errors.Is(err, errOutputTooLarge) {
			kind = strategy.FailureResourceExceeded
		}
		out := strategy.Failed(kind, err.Error())
		out.Logs = logs.String()
		return out
	}
	return strategy.Succeeded(raw, logs.String())
}

func classify(err error, thread *starlark.Thread, opts Options, deadlineHit bool) strategy.Envelope {
	switch {
	case deadlineHit:
		return strategy.Failed(strategy.FailureTimeout,
			fmt.Sprintf("execution exceeded %s timeout", opts.Timeout))
	case opts.MaxSteps > 0 && thread.ExecutionSteps() >= opts.MaxSteps:
		return strategy.Failed(strategy.FailureResourceExceeded,
			fmt.Sprintf("execution exceeded the budget of %d steps", opts.MaxSteps))
	case errors.Is(err, context.Canceled) || strings.Contains(err.Error(), context.Canceled.Error()):
		return strategy.Failed(strategy.FailureInfra, "execution cancelled by host")
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return strategy.Failed(strategy.FailureExecution, truncate(evalErr.Backtrace(), 4096))
	}
	return strategy.Failed(strategy.FailureExecution, truncate(err.Error(), 4096))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... [truncated]"
}
