package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/metrics"
	"strategy-sandbox/internal/strategy"
)

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := config.DefaultConfig().Database
	cfg.DSN = dsn
	db, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestDB_JobLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := newJob("0b7c2d1e-0000-4000-8000-000000000001", "u1", time.Now().UTC().Truncate(time.Millisecond))
	job.Title = "mean reversion"
	require.NoError(t, db.CreateJob(ctx, job))
	assert.ErrorIs(t, db.CreateJob(ctx, job), ErrDuplicateKey)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Code, got.Code)
	assert.Equal(t, job.Dataset, got.Dataset)
	assert.Equal(t, "mean reversion", got.Title)
	assert.Equal(t, 60*time.Second, got.Limits.Timeout)
	assert.Nil(t, got.Metrics)
	assert.Nil(t, got.Failure)

	require.NoError(t, db.Transition(ctx, job.ID, strategy.StatusPending, strategy.StatusRunning, nil))
	assert.ErrorIs(t, db.Transition(ctx, job.ID, strategy.StatusPending, strategy.StatusRunning, nil), ErrInvalidTransition)

	res := metrics.Result{TotalReturn: 30, WinRate: 100, ProfitFactor: metrics.Ratio(math.Inf(1)), TotalTrades: 2}
	require.NoError(t, db.AttachMetrics(ctx, job.ID, res))
	assert.ErrorIs(t, db.AttachMetrics(ctx, job.ID, res), ErrDuplicateKey)
	require.NoError(t, db.Transition(ctx, job.ID, strategy.StatusRunning, strategy.StatusCompleted, nil))

	got, err = db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, strategy.StatusCompleted, got.Status)
	require.NotNil(t, got.Metrics)
	assert.True(t, got.Metrics.ProfitFactor.IsInf())
	assert.Equal(t, 2, got.Metrics.TotalTrades)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	_, err = db.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.Transition(ctx, "missing", strategy.StatusPending, strategy.StatusRunning, nil), ErrNotFound)
}

func TestDB_FailureAndListing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"job-a", "job-b", "job-c"} {
		require.NoError(t, db.CreateJob(ctx, newJob(id, "u1", base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, db.Transition(ctx, "job-a", strategy.StatusPending, strategy.StatusFailed,
		&strategy.Failure{Kind: strategy.FailureInfra, Message: "queue unavailable"}))

	failed, err := db.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, strategy.FailureInfra, failed.Failure.Kind)
	assert.Equal(t, "queue unavailable", failed.Failure.Message)

	ids, err := db.ListIDsByStatus(ctx, strategy.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-b", "job-c"}, ids)

	jobs, err := db.ListJobs(ctx, JobFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-c", jobs[0].ID)
	assert.Empty(t, jobs[0].Code)

	jobs, err = db.ListJobs(ctx, JobFilter{Status: strategy.StatusFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-a", jobs[0].ID)
}

func TestDB_LogExecution(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	exec := &Execution{
		ID: "exec-1", JobID: "job-x", Backend: "docker", Language: "python",
		CodeHash: "abc", Success: true, DurationMS: 120, CreatedAt: now, CompletedAt: &now,
	}
	require.NoError(t, db.LogExecution(ctx, exec))
	require.NoError(t, db.LogExecution(ctx, exec), "replayed audit records are ignored")
}

func TestDB_Feedback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateJob(ctx, newJob("job-r", "owner", time.Now())))

	r := &Rating{JobID: "job-r", UserID: "alice", Score: 2}
	require.NoError(t, db.UpsertRating(ctx, r))
	first := r.UpdatedAt
	assert.False(t, first.IsZero())

	r = &Rating{JobID: "job-r", UserID: "alice", Score: 5, Comment: "solid"}
	require.NoError(t, db.UpsertRating(ctx, r), "second rating replaces the first")

	var score, count int
	require.NoError(t, db.pool.QueryRow(ctx,
		`SELECT max(score), count(*) FROM ratings WHERE job_id = $1`, "job-r").Scan(&score, &count))
	assert.Equal(t, 5, score)
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, db.UpsertRating(ctx, &Rating{JobID: "nope", UserID: "alice", Score: 3}), ErrNotFound)

	c := &Comment{ID: "c1", JobID: "job-r", UserID: "bob", Content: "try a tighter stop"}
	require.NoError(t, db.AddComment(ctx, c))
	assert.False(t, c.CreatedAt.IsZero())
	assert.ErrorIs(t, db.AddComment(ctx, c), ErrDuplicateKey)
	assert.ErrorIs(t, db.AddComment(ctx, &Comment{ID: "c2", JobID: "nope", UserID: "bob", Content: "x"}), ErrNotFound)
}
