package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/queue"
	"strategy-sandbox/internal/sandbox"
	"strategy-sandbox/internal/storage"
	"strategy-sandbox/internal/strategy"
)

const prices = "date,close\n2024-01-01,100\n2024-01-02,110\n2024-01-03,90\n"

// fakeBackend returns a canned result or error.
type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	result *sandbox.Result
	err    error
	panic  any
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	f.calls++
	p, err, canned := f.panic, f.err, f.result
	f.mu.Unlock()
	if p != nil {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	res := *canned
	res.ID = "exec-" + req.JobID
	res.Backend = "fake"
	return &res, nil
}

type fixture struct {
	orch  *Orchestrator
	store *storage.Memory
	queue *queue.Memory
}

func newFixture(t *testing.T, backend sandbox.Backend) *fixture {
	t.Helper()
	store := storage.NewMemory()
	q := queue.NewMemory(64)
	t.Cleanup(func() { _ = q.Close() })

	audit := storage.NewAuditWriter(store, 16)
	audit.Start()
	t.Cleanup(func() { audit.Flush(time.Second) })

	orch := New(Config{Workers: 2, PersistTimeout: time.Second}, store, q, backend, monitor.NewMetrics(), audit)
	return &fixture{orch: orch, store: store, queue: q}
}

func starlarkFixture(t *testing.T) *fixture {
	t.Helper()
	runner := sandbox.NewInProcessRunner(sandbox.DefaultOptions())
	t.Cleanup(func() { _ = runner.Close() })
	return newFixture(t, runner)
}

func (f *fixture) submitAndRun(t *testing.T, code string) *strategy.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.orch.Submit(ctx, SubmitRequest{
		UserID:   "u1",
		Code:     code,
		Language: strategy.LanguageStarlark,
		Dataset:  []byte(prices),
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusPending, job.Status)

	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, id)

	_, err = f.orch.Run(ctx, id)
	require.NoError(t, err)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return stored
}

func TestRun_ProfitableTrade(t *testing.T) {
	f := starlarkFixture(t)
	job := f.submitAndRun(t, `
def run_strategy(df):
    return [{"entry_price": 100, "exit_price": 110, "direction": 1, "size": 10}]
`)
	require.Equal(t, strategy.StatusCompleted, job.Status, "failure: %+v", job.Failure)
	require.NotNil(t, job.Metrics)
	assert.InDelta(t, 100.0, job.Metrics.TotalReturn, 1e-9)
	assert.InDelta(t, 100.0, job.Metrics.WinRate, 1e-9)
	assert.True(t, job.Metrics.ProfitFactor.IsInf())
	assert.Equal(t, 1, job.Metrics.TotalTrades)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
}

func TestRun_LosingTrade(t *testing.T) {
	f := starlarkFixture(t)
	job := f.submitAndRun(t, `
def run_strategy(df):
    return [{"entry_price": 100, "exit_price": 90, "direction": 1, "size": 5}]
`)
	require.Equal(t, strategy.StatusCompleted, job.Status)
	assert.InDelta(t, -50.0, job.Metrics.TotalReturn, 1e-9)
	assert.Equal(t, 0.0, job.Metrics.WinRate)
	assert.Equal(t, 0.0, float64(job.Metrics.ProfitFactor))
}

func TestRun_PnLFallback(t *testing.T) {
	f := starlarkFixture(t)
	job := f.submitAndRun(t, `
def run_strategy(df):
    return [{"pnl": 25}, {"pnl": -10}]
`)
	require.Equal(t, strategy.StatusCompleted, job.Status)
	assert.InDelta(t, 15.0, job.Metrics.TotalReturn, 1e-9)
	assert.InDelta(t, 50.0, job.Metrics.WinRate, 1e-9)
	assert.Equal(t, 2, job.Metrics.TotalTrades)
}

func TestRun_StrategyFailures(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		kind    strategy.FailureKind
		message string
	}{
		{"raises", "def run_strategy(df):\n    fail(\"boom\")\n", strategy.FailureExecution, "boom"},
		{"missing entry point", "def other(df):\n    return []\n", strategy.FailureEntryPointMissing, "run_strategy"},
		{"non-list", "def run_strategy(df):\n    return {\"pnl\": 1}\n", strategy.FailureNonListReturn, "list"},
		{"bad schema", "def run_strategy(df):\n    return [{\"size\": 1}]\n", strategy.FailureInvalidTradeSchema, "trade 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := starlarkFixture(t)
			job := f.submitAndRun(t, tt.code)

			assert.Equal(t, strategy.StatusFailed, job.Status)
			require.NotNil(t, job.Failure)
			assert.Equal(t, tt.kind, job.Failure.Kind)
			assert.Contains(t, job.Failure.Message, tt.message)
			assert.Nil(t, job.Metrics, "metrics must not be computed for failed jobs")
		})
	}
}

func TestRun_FailureDoesNotStopLaterJobs(t *testing.T) {
	f := starlarkFixture(t)
	failed := f.submitAndRun(t, "def run_strategy(df):\n    fail(\"boom\")\n")
	assert.Equal(t, strategy.StatusFailed, failed.Status)

	ok := f.submitAndRun(t, "def run_strategy(df):\n    return []\n")
	assert.Equal(t, strategy.StatusCompleted, ok.Status)
	assert.Equal(t, 0, ok.Metrics.TotalTrades)
}

func TestRun_ValidatorRejectsNonList(t *testing.T) {
	backend := &fakeBackend{result: &sandbox.Result{Success: true, Trades: json.RawMessage(`{"pnl":1}`)}}
	f := newFixture(t, backend)

	job := f.submitAndRun(t, "def run_strategy(df): pass")
	assert.Equal(t, strategy.StatusFailed, job.Status)
	assert.Equal(t, strategy.FailureNonListReturn, job.Failure.Kind)
}

func TestRun_InfraError(t *testing.T) {
	backend := &fakeBackend{err: &sandbox.ExecutionError{Op: "start", Err: sandbox.ErrContainerdDown}}
	f := newFixture(t, backend)

	job := f.submitAndRun(t, "def run_strategy(df):\n    return []\n")
	assert.Equal(t, strategy.StatusFailed, job.Status)
	assert.Equal(t, strategy.FailureInfra, job.Failure.Kind)
	assert.Contains(t, job.Failure.Message, "containerd unavailable")
	assert.Equal(t, 1, backend.calls, "infra errors are not retried")
}

func TestRun_AtMostOnce(t *testing.T) {
	backend := &fakeBackend{result: &sandbox.Result{Success: true, Trades: json.RawMessage(`[]`)}}
	f := newFixture(t, backend)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, SubmitRequest{Code: "x", Language: strategy.LanguageStarlark, Dataset: []byte(prices)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	skipped := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.orch.Run(ctx, job.ID)
			if assert.NoError(t, err) {
				skipped <- out.Skipped
			}
		}()
	}
	wg.Wait()
	close(skipped)

	ran := 0
	for s := range skipped {
		if !s {
			ran++
		}
	}
	assert.Equal(t, 1, ran)
	assert.Equal(t, 1, backend.calls)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown language", SubmitRequest{Code: "x", Language: "ruby", Dataset: []byte(prices)}},
		{"empty code", SubmitRequest{Code: "  ", Dataset: []byte(prices)}},
		{"empty dataset", SubmitRequest{Code: "x"}},
		{"malformed dataset", SubmitRequest{Code: "x", Dataset: []byte("a,b\n1\n")}},
		{"timeout too long", SubmitRequest{Code: "x", Dataset: []byte(prices), Limits: strategy.Limits{Timeout: time.Hour}}},
		{"memory too small", SubmitRequest{Code: "x", Dataset: []byte(prices), Limits: strategy.Limits{MemoryMB: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidSubmission)
		})
	}

	jobs, err := f.store.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions must not create jobs")
}

func TestSubmit_Defaults(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{Code: "x", Dataset: []byte(prices)})
	require.NoError(t, err)

	assert.Equal(t, strategy.LanguagePython, job.Language)
	assert.Equal(t, strategy.DefaultLimits(), job.Limits)
	assert.Len(t, job.CodeHash, 64)
}

func TestSubmit_QueueFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	require.NoError(t, f.queue.Close())

	job, err := f.orch.Submit(context.Background(), SubmitRequest{Code: "x", Dataset: []byte(prices)})
	require.ErrorIs(t, err, ErrQueueUnavailable)
	require.NotNil(t, job)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusFailed, stored.Status)
	assert.Equal(t, strategy.FailureInfra, stored.Failure.Kind)
}

func TestWorkers_IsolatedConcurrentJobs(t *testing.T) {
	f := starlarkFixture(t)
	ctx := context.Background()
	f.orch.Start(ctx)

	ids := make(map[string]int)
	for i := 1; i <= 6; i++ {
		code := fmt.Sprintf("state = {\"n\": %d}\n\ndef run_strategy(df):\n    return [{\"pnl\": state[\"n\"] * len(df[\"close\"])}]\n", i)
		job, err := f.orch.Submit(ctx, SubmitRequest{Code: code, Language: strategy.LanguageStarlark, Dataset: []byte(prices)})
		require.NoError(t, err)
		ids[job.ID] = i
	}

	require.Eventually(t, func() bool {
		for id := range ids {
			job, err := f.store.GetJob(ctx, id)
			if err != nil || !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, f.orch.Stop(5*time.Second))

	for id, n := range ids {
		job, err := f.store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, strategy.StatusCompleted, job.Status)
		assert.InDelta(t, float64(n*3), job.Metrics.TotalReturn, 1e-9)
	}
	assert.Eventually(t, func() bool { return len(f.store.Executions()) == len(ids) },
		time.Second, 10*time.Millisecond, "every execution is audited")
}

func TestWorkers_PanicFailsOnlyThatJob(t *testing.T) {
	backend := &fakeBackend{panic: "backend exploded"}
	f := newFixture(t, backend)
	ctx := context.Background()
	f.orch.Start(ctx)
	defer func() { _ = f.orch.Stop(time.Second) }()

	job, err := f.orch.Submit(ctx, SubmitRequest{Code: "x", Language: strategy.LanguageStarlark, Dataset: []byte(prices)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(ctx, job.ID)
		return err == nil && got.Status == strategy.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, strategy.FailureInfra, got.Failure.Kind)
	assert.True(t, strings.Contains(got.Failure.Message, "backend exploded"))

	backend.mu.Lock()
	backend.panic = nil
	backend.result = &sandbox.Result{Success: true, Trades: json.RawMessage(`[{"pnl":1}]`)}
	backend.mu.Unlock()

	next, err := f.orch.Submit(ctx, SubmitRequest{Code: "x", Language: strategy.LanguageStarlark, Dataset: []byte(prices)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := f.store.GetJob(ctx, next.ID)
		return err == nil && got.Status == strategy.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecover(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	ctx := context.Background()

	running, err := f.orch.Submit(ctx, SubmitRequest{Code: "x", Dataset: []byte(prices)})
	require.NoError(t, err)
	pending, err := f.orch.Submit(ctx, SubmitRequest{Code: "y", Dataset: []byte(prices)})
	require.NoError(t, err)
	require.NoError(t, f.store.Transition(ctx, running.ID, strategy.StatusPending, strategy.StatusRunning, nil))

	// Simulate a restart with an empty queue.
	for i := 0; i < 2; i++ {
		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}

	failed, requeued, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, requeued)

	got, err := f.store.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusFailed, got.Status)
	assert.Equal(t, interruptedMessage, got.Failure.Message)

	id, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, id)
}

func TestRun_UnknownJob(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	_, err := f.orch.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
