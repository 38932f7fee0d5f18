package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"strategy-sandbox/internal/metrics"
	"strategy-sandbox/internal/strategy"
)

// Memory is an in-process store with the same semantics as DB. It backs the
// server when no database is configured, the local CLI and tests.
type Memory struct {
	mu         sync.RWMutex
	jobs       map[string]*strategy.Job
	executions []Execution
	ratings    map[ratingKey]Rating
	comments   []Comment
}

type ratingKey struct{ job, user string }

func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*strategy.Job),
		ratings: make(map[ratingKey]Rating),
	}
}

func (m *Memory) Healthy(context.Context) bool { return true }

func (m *Memory) CreateJob(_ context.Context, job *strategy.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrDuplicateKey, job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*strategy.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]*strategy.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*strategy.Job
	for _, job := range m.jobs {
		if filter.matches(job) {
			j := cloneJob(job)
			j.Code, j.Dataset = "", nil
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if n := filter.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Transition(_ context.Context, id string, from, to strategy.Status, failure *strategy.Failure) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != from {
		return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, id, job.Status, from)
	}

	now := time.Now()
	job.Status = to
	if failure != nil {
		f := *failure
		job.Failure = &f
	}
	switch to {
	case strategy.StatusRunning:
		job.StartedAt = &now
	case strategy.StatusCompleted, strategy.StatusFailed:
		job.CompletedAt = &now
	}
	return nil
}

func (m *Memory) AttachMetrics(_ context.Context, id string, res metrics.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Metrics != nil {
		return fmt.Errorf("%w: metrics for job %s", ErrDuplicateKey, id)
	}
	job.Metrics = &res
	return nil
}

func (m *Memory) ListIDsByStatus(_ context.Context, status strategy.Status) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var jobs []*strategy.Job
	for _, job := range m.jobs {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids, nil
}

func (m *Memory) LogExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, *exec)
	return nil
}

// Executions returns the audit records logged so far.
func (m *Memory) Executions() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Execution(nil), m.executions...)
}

func (m *Memory) UpsertRating(_ context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[r.JobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.JobID)
	}
	r.UpdatedAt = time.Now()
	m.ratings[ratingKey{r.JobID, r.UserID}] = *r
	return nil
}

func (m *Memory) AddComment(_ context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[c.JobID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.JobID)
	}
	for _, existing := range m.comments {
		if existing.ID == c.ID {
			return fmt.Errorf("%w: comment %s", ErrDuplicateKey, c.ID)
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.comments = append(m.comments, *c)
	return nil
}

// Ratings returns every rating of jobID.
func (m *Memory) Ratings(jobID string) []Rating {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rating
	for k, r := range m.ratings {
		if k.job == jobID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UserID < out[b].UserID })
	return out
}

// Comments returns the comments on jobID, oldest first.
func (m *Memory) Comments(jobID string) []Comment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Comment
	for _, c := range m.comments {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	return out
}

func cloneJob(j *strategy.Job) *strategy.Job {
	c := *j
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	if j.Metrics != nil {
		r := *j.Metrics
		c.Metrics = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
