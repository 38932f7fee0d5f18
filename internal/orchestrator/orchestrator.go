// Package orchestrator drives a job through the pipeline: sandbox, trade
// validation, metrics and persistence.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/dataset"
	"strategy-sandbox/internal/metrics"
	"strategy-sandbox/internal/monitor"
	"strategy-sandbox/internal/queue"
	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/internal/sandbox"
	"strategy-sandbox/internal/storage"
	"strategy-sandbox/internal/strategy"
	"strategy-sandbox/internal/trades"
)

var (
	// ErrInvalidSubmission rejects a submission before any job is created.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrQueueUnavailable means the job was created but could not be queued;
	// it has been marked failed.
	ErrQueueUnavailable = errors.New("job queue unavailable")
)

// Store persists jobs. Transition must only apply while the job is in from,
// so a job is claimed by at most one worker.
type Store interface {
	CreateJob(ctx context.Context, job *strategy.Job) error
	GetJob(ctx context.Context, id string) (*strategy.Job, error)
	Transition(ctx context.Context, id string, from, to strategy.Status, failure *strategy.Failure) error
	AttachMetrics(ctx context.Context, id string, m metrics.Result) error
	ListIDsByStatus(ctx context.Context, status strategy.Status) ([]string, error)
}

// Auditor records sandbox executions.
type Auditor interface {
	Log(exec *storage.Execution)
}

// Config bounds submissions and sizes the worker pool.
type Config struct {
	Workers         int
	PersistTimeout  time.Duration
	DefaultLimits   strategy.Limits
	MaxTimeout      time.Duration
	MaxDatasetBytes int
	MaxDatasetRows  int
}

// ConfigFrom derives the orchestrator settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:        cfg.Jobs.Workers,
		PersistTimeout: cfg.Jobs.PersistTimeout,
		DefaultLimits: strategy.Limits{
			Timeout:  cfg.Sandbox.DefaultTimeout,
			MemoryMB: cfg.Sandbox.DefaultLimits.MemoryMB,
		},
		MaxTimeout:      cfg.Sandbox.MaxTimeout,
		MaxDatasetBytes: int(cfg.Sandbox.MaxDatasetBytes),
		MaxDatasetRows:  cfg.Sandbox.MaxDatasetRows,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	d := strategy.DefaultLimits()
	if c.DefaultLimits.Timeout <= 0 {
		c.DefaultLimits.Timeout = d.Timeout
	}
	if c.DefaultLimits.MemoryMB <= 0 {
		c.DefaultLimits.MemoryMB = d.MemoryMB
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.MaxDatasetBytes <= 0 {
		c.MaxDatasetBytes = 50 << 20
	}
	if c.MaxDatasetRows <= 0 {
		c.MaxDatasetRows = 2_000_000
	}
	return c
}

// SubmitRequest is a strategy submission.
type SubmitRequest struct {
	UserID         string
	Code           string
	Language       strategy.Language
	Dataset        []byte
	Title          string
	Description    string
	Category       string
	AssetClass     string
	TimeseriesName string
	Limits         strategy.Limits
}

// Outcome is what Run did with a job.
type Outcome struct {
	Job    *strategy.Job
	Result *sandbox.Result
	// Skipped is set when the job was no longer pending and Run left it alone.
	Skipped bool
}

type Orchestrator struct {
	cfg      Config
	store    Store
	queue    queue.Queue
	backend  sandbox.Backend
	audit    Auditor
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
	active   atomic.Int64

	cancel context.CancelFunc
	done   chan error
}

// New wires an orchestrator. audit may be nil.
func New(cfg Config, store Store, q queue.Queue, backend sandbox.Backend, m *monitor.Metrics, audit Auditor) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		queue:    q,
		backend:  backend,
		audit:    audit,
		metrics:  m,
		tracer:   monitor.NewTracer(),
		detector: monitor.NewEscapeDetector(),
	}
}

// Submit validates req, stores the job as pending and queues it. It returns
// as soon as the job is queued.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*strategy.Job, error) {
	job, err := o.newJob(req)
	if err != nil {
		return nil, err
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	o.metrics.RecordSubmission(string(job.Language), len(job.Code), len(job.Dataset))

	logger := log.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue job")
		failure := &strategy.Failure{Kind: strategy.FailureInfra, Message: "failed to queue job: " + err.Error()}
		pctx, cancel := o.persistContext(ctx)
		defer cancel()
		if terr := o.store.Transition(pctx, job.ID, strategy.StatusPending, strategy.StatusFailed, failure); terr != nil {
			logger.Error().Err(terr).Msg("failed to mark unqueued job failed")
		} else {
			o.metrics.RecordFinished(string(job.Language), string(strategy.StatusFailed), string(failure.Kind))
		}
		job.Status = strategy.StatusFailed
		job.Failure = failure
		return job, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	logger.Info().Str("language", string(job.Language)).Msg("job submitted")
	return job, nil
}

func (o *Orchestrator) newJob(req SubmitRequest) (*strategy.Job, error) {
	lang, err := strategy.ParseLanguage(string(req.Language))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("%w: code is empty", ErrInvalidSubmission)
	}
	if len(req.Code) > runtime.MaxCodeBytes {
		return nil, fmt.Errorf("%w: code is %d bytes, max %d", ErrInvalidSubmission, len(req.Code), runtime.MaxCodeBytes)
	}
	if _, err := dataset.Parse(req.Dataset, dataset.Options{
		MaxBytes: o.cfg.MaxDatasetBytes,
		MaxRows:  o.cfg.MaxDatasetRows,
	}); err != nil {
		return nil, fmt.Errorf("%w: dataset: %v", ErrInvalidSubmission, err)
	}

	limits := req.Limits
	if limits.Timeout == 0 {
		limits.Timeout = o.cfg.DefaultLimits.Timeout
	}
	if limits.MemoryMB == 0 {
		limits.MemoryMB = o.cfg.DefaultLimits.MemoryMB
	}
	if limits.Timeout < time.Second || limits.Timeout > o.cfg.MaxTimeout {
		return nil, fmt.Errorf("%w: timeout must be between 1s and %s", ErrInvalidSubmission, o.cfg.MaxTimeout)
	}
	if limits.MemoryMB < sandbox.MinMemoryMB || limits.MemoryMB > sandbox.MaxMemoryMB {
		return nil, fmt.Errorf("%w: memory_mb must be %d-%d", ErrInvalidSubmission, sandbox.MinMemoryMB, sandbox.MaxMemoryMB)
	}

	return &strategy.Job{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		AssetClass:     req.AssetClass,
		TimeseriesName: req.TimeseriesName,
		Language:       lang,
		Code:           req.Code,
		Dataset:        req.Dataset,
		CodeHash:       fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code))),
		Status:         strategy.StatusPending,
		Limits:         limits,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Run executes one job end to end. A job that is no longer pending is
// skipped, so each job runs at most once. Failures of the strategy are
// recorded on the job; the returned error only reports jobs that could not
// be loaded or persisted.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*Outcome, error) {
	ctx, span := o.tracer.StartSpan(ctx, "run", monitor.AttrJobID.String(jobID))
	defer span.End()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	logger := log.With().Str("job_id", job.ID).Str("language", string(job.Language)).Logger()

	if err := o.store.Transition(ctx, job.ID, strategy.StatusPending, strategy.StatusRunning, nil); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			logger.Info().Str("status", string(job.Status)).Msg("job already claimed, skipping")
			return &Outcome{Job: job, Skipped: true}, nil
		}
		return nil, fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	job.Status = strategy.StatusRunning

	o.active.Add(1)
	o.metrics.ActiveJobs.Inc()
	defer func() {
		o.active.Add(-1)
		o.metrics.ActiveJobs.Dec()
	}()

	// An accepted job runs to completion; the sandbox timeout bounds it.
	runCtx := context.WithoutCancel(ctx)
	out := &Outcome{Job: job}

	res, failure := o.execute(runCtx, job, logger)
	out.Result = res
	if failure != nil {
		return out, o.finish(runCtx, job, failure, logger)
	}

	list, failure := o.validate(runCtx, res)
	if failure != nil {
		return out, o.finish(runCtx, job, failure, logger)
	}

	_, stage := o.tracer.StartStage(runCtx, o.metrics, "metrics", monitor.AttrTrades.Int(len(list)))
	result := metrics.Compute(list)
	stage.End(nil)
	o.metrics.TradesPerJob.Observe(float64(len(list)))

	pctx, cancel := o.persistContext(runCtx)
	defer cancel()
	if err := o.store.AttachMetrics(pctx, job.ID, result); err != nil {
		failure := &strategy.Failure{Kind: strategy.FailureInfra, Message: "storing metrics: " + err.Error()}
		return out, o.finish(runCtx, job, failure, logger)
	}
	job.Metrics = &result

	return out, o.finish(runCtx, job, nil, logger)
}

// execute runs the sandbox and maps its outcome to a failure, if any.
func (o *Orchestrator) execute(ctx context.Context, job *strategy.Job, logger zerolog.Logger) (*sandbox.Result, *strategy.Failure) {
	ctx, stage := o.tracer.StartStage(ctx, o.metrics, "sandbox",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrLanguage.String(string(job.Language)),
		monitor.AttrCodeHash.String(job.CodeHash),
	)

	res, err := o.backend.Execute(ctx, sandbox.Request{
		JobID:    job.ID,
		Code:     job.Code,
		Language: job.Language,
		Dataset:  job.Dataset,
		Timeout:  job.Limits.Timeout,
		Limits:   sandbox.ResourceLimits{MemoryMB: job.Limits.MemoryMB},
	})
	if err != nil {
		elapsed := stage.End(err)
		o.metrics.RecordExecution(string(job.Language), o.backend.Name(), "error", elapsed)
		logger.Error().Err(err).Msg("sandbox infrastructure failure")
		return nil, &strategy.Failure{Kind: strategy.FailureInfra, Message: err.Error()}
	}

	stage.SetAttributes(monitor.AttrExecID.String(res.ID), monitor.AttrBackend.String(res.Backend))
	outcome := "success"
	if !res.Success {
		outcome = string(res.Failure)
		stage.SetAttributes(monitor.AttrFailureKind.String(outcome))
	}
	stage.End(res.Err())
	o.metrics.RecordExecution(string(job.Language), res.Backend, outcome, res.Duration)
	o.recordSecurity(res, logger)
	o.logExecution(job, res)

	if !res.Success {
		return res, &strategy.Failure{Kind: res.Failure, Message: res.Error}
	}
	return res, nil
}

// validate checks the raw trades and maps schema errors to failures.
func (o *Orchestrator) validate(ctx context.Context, res *sandbox.Result) (trades.List, *strategy.Failure) {
	_, stage := o.tracer.StartStage(ctx, o.metrics, "validate")
	list, err := trades.Validate(res.Trades)
	stage.End(err)

	switch {
	case err == nil:
		return list, nil
	case errors.Is(err, trades.ErrNonListReturn):
		return nil, &strategy.Failure{Kind: strategy.FailureNonListReturn, Message: err.Error()}
	default:
		return nil, &strategy.Failure{Kind: strategy.FailureInvalidTradeSchema, Message: err.Error()}
	}
}

// finish moves a running job to its terminal status.
func (o *Orchestrator) finish(ctx context.Context, job *strategy.Job, failure *strategy.Failure, logger zerolog.Logger) error {
	to := strategy.StatusCompleted
	if failure != nil {
		to = strategy.StatusFailed
	}

	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	pctx, stage := o.tracer.StartStage(pctx, o.metrics, "persist")
	err := o.store.Transition(pctx, job.ID, strategy.StatusRunning, to, failure)
	stage.End(err)
	if err != nil {
		logger.Error().Err(err).Str("status", string(to)).Msg("failed to persist job status")
		return fmt.Errorf("finishing job %s: %w", job.ID, err)
	}

	job.Status = to
	job.Failure = failure

	if failure != nil {
		o.metrics.RecordFinished(string(job.Language), string(to), string(failure.Kind))
		logger.Info().Str("failure", string(failure.Kind)).Str("error", failure.Message).Msg("job failed")
		return nil
	}
	o.metrics.RecordFinished(string(job.Language), string(to), "")
	logger.Info().Int("trades", job.Metrics.TotalTrades).Msg("job completed")
	return nil
}

func (o *Orchestrator) recordSecurity(res *sandbox.Result, logger zerolog.Logger) {
	for _, ev := range res.SecurityEvents {
		o.metrics.RecordSecurityEvent(ev.Type)
	}
	for _, det := range o.detector.AnalyzeOutput(res.Logs) {
		o.metrics.RecordSecurityEvent(det.Pattern)
		logger.Warn().Str("pattern", det.Pattern).Str("severity", det.Severity).Msg("suspicious strategy output")
	}
}

func (o *Orchestrator) logExecution(job *strategy.Job, res *sandbox.Result) {
	if o.audit == nil {
		return
	}
	completed := time.Now()
	o.audit.Log(&storage.Execution{
		ID:             res.ID,
		JobID:          job.ID,
		Backend:        res.Backend,
		Language:       string(job.Language),
		CodeHash:       res.CodeHash,
		Success:        res.Success,
		FailureKind:    string(res.Failure),
		Error:          res.Error,
		ExitCode:       res.ExitCode,
		Logs:           res.Logs,
		Stderr:         res.Stderr,
		DurationMS:     res.Duration.Milliseconds(),
		SecurityEvents: len(res.SecurityEvents),
		CreatedAt:      completed.Add(-res.Duration),
		CompletedAt:    &completed,
	})
}

func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
}

// ActiveCount returns the number of jobs currently running.
func (o *Orchestrator) ActiveCount() int64 {
	return o.active.Load()
}
