// Package strategy holds the job model shared by the sandbox, the
// orchestrator, persistence and the HTTP surface.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"strategy-sandbox/internal/metrics"
)

// EntryPoint is the callable every strategy must define.
const EntryPoint = "run_strategy"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from s to next.
// pending jobs may also fail directly when they never reach a worker.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Language selects the runtime that executes the strategy.
type Language string

const (
	LanguagePython   Language = "python"
	LanguageStarlark Language = "starlark"
)

// ParseLanguage normalizes a user supplied language. Empty means python.
func ParseLanguage(s string) (Language, error) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case "", LanguagePython:
		return LanguagePython, nil
	case LanguageStarlark:
		return LanguageStarlark, nil
	}
	return "", fmt.Errorf("unsupported language %q (supported: python, starlark)", s)
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureEntryPointMissing  FailureKind = "entry_point_missing"
	FailureNonListReturn      FailureKind = "non_list_return"
	FailureTimeout            FailureKind = "execution_timeout"
	FailureExecution          FailureKind = "execution_error"
	FailureResourceExceeded   FailureKind = "resource_exceeded"
	FailureInvalidTradeSchema FailureKind = "invalid_trade_schema"
	FailureInfra              FailureKind = "infra_error"
)

// Valid reports whether k is a known failure kind.
func (k FailureKind) Valid() bool {
	switch k {
	case FailureEntryPointMissing, FailureNonListReturn, FailureTimeout, FailureExecution,
		FailureResourceExceeded, FailureInvalidTradeSchema, FailureInfra:
		return true
	}
	return false
}

// Failure is the terminal error recorded on a failed job.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Limits are the per-job execution ceilings.
type Limits struct {
	Timeout  time.Duration `json:"timeout"`
	MemoryMB int64         `json:"memory_mb"`
}

// DefaultLimits returns the ceilings applied when a submission sets none.
func DefaultLimits() Limits {
	return Limits{
		Timeout:  60 * time.Second,
		MemoryMB: 512,
	}
}

// Job is one submitted strategy run.
type Job struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	AssetClass     string   `json:"asset_class,omitempty"`
	TimeseriesName string   `json:"timeseries_name,omitempty"`
	Language       Language `json:"language"`
	Code           string   `json:"-"`
	Dataset        []byte   `json:"-"`
	CodeHash       string   `json:"code_hash"`
	Status         Status   `json:"status"`
	Failure        *Failure `json:"failure,omitempty"`
	Limits         Limits   `json:"limits"`

	Metrics *metrics.Result `json:"metrics,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
