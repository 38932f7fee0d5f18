package storage

import (
	"errors"
	"fmt"
	"time"

	"strategy-sandbox/internal/strategy"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrDuplicateKey      = errors.New("record already exists")
)

// Execution is the audit record of one sandbox execution.
type Execution struct {
	ID             string     `json:"id" db:"id"`
	JobID          string     `json:"job_id" db:"job_id"`
	Backend        string     `json:"backend" db:"backend"`
	Language       string     `json:"language" db:"language"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	Success        bool       `json:"success" db:"success"`
	FailureKind    string     `json:"failure_kind,omitempty" db:"failure_kind"`
	Error          string     `json:"error,omitempty" db:"error"`
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Logs           string     `json:"logs" db:"logs"`
	Stderr         string     `json:"stderr" db:"stderr"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	SecurityEvents int        `json:"security_events" db:"security_events"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Rating is one user's score for a job's strategy. A user holds at most one
// rating per job; rating again replaces it.
type Rating struct {
	JobID     string    `json:"job_id" db:"job_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Score     int       `json:"score" db:"score"`
	Comment   string    `json:"comment,omitempty" db:"comment"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Comment is a free-text note on a job's strategy.
type Comment struct {
	ID        string    `json:"id" db:"id"`
	JobID     string    `json:"job_id" db:"job_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// JobFilter provides criteria for listing jobs.
type JobFilter struct {
	UserID   string
	Status   strategy.Status
	Language strategy.Language
	Limit    int
	Offset   int
}

func (f JobFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

func (f JobFilter) matches(j *strategy.Job) bool {
	return (f.UserID == "" || j.UserID == f.UserID) &&
		(f.Status == "" || j.Status == f.Status) &&
		(f.Language == "" || j.Language == f.Language)
}

// checkTransition rejects moves the job lifecycle does not allow.
func checkTransition(from, to strategy.Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
