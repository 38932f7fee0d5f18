package api

import (
	"time"

	"strategy-sandbox/internal/strategy"
)

// SubmitJobRequest is the JSON form of a job submission. Dataset is the raw
// CSV text.
type SubmitJobRequest struct {
	Code           string   `json:"code"`
	Language       string   `json:"language,omitempty"` // python (default) or starlark
	Dataset        string   `json:"dataset"`
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	AssetClass     string   `json:"asset_class,omitempty"`
	TimeseriesName string   `json:"timeseries_name,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"`
	MemoryMB       int64    `json:"memory_mb,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// SubmitJobResponse acknowledges an accepted job.
type SubmitJobResponse struct {
	JobID  string          `json:"job_id"`
	Status strategy.Status `json:"status"`
}

// ListJobsResponse is returned by GET /jobs.
type ListJobsResponse struct {
	Jobs  []*strategy.Job `json:"jobs"`
	Count int             `json:"count"`
}

// RateJobRequest scores a job's strategy from 1 to 5, with an optional note.
type RateJobRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// CommentRequest adds a free-text comment to a job's strategy.
type CommentRequest struct {
	Content string `json:"content"`
}

// SecurityFinding is a static analysis hit reported when a submission is
// blocked.
type SecurityFinding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id"`
	Findings  []SecurityFinding `json:"findings,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string   `json:"status"`
	Database   bool     `json:"database"`
	Queue      bool     `json:"queue"`
	Languages  []string `json:"languages"`
	ActiveJobs int64    `json:"active_jobs"`
	Uptime     string   `json:"uptime"`
}
