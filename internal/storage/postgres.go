package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/metrics"
	"strategy-sandbox/internal/storage/migrations"
	"strategy-sandbox/internal/strategy"
)

// DB wraps a PostgreSQL connection pool holding jobs, their metrics and the
// execution audit log.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- bounded by config
	}
	if cfg.MaxIdleConns > 0 {
		pcfg.MinConns = int32(cfg.MaxIdleConns) // #nosec G115 -- bounded by config
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate applies the embedded SQL files in lexical order. Every migration
// is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.PostgresFS, "postgres")
	if err != nil {
		return fmt.Errorf("reading embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrations.PostgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", file, err)
		}
		if _, err := db.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("applying migration %s: %w", file, err)
		}
		log.Debug().Str("migration", file).Msg("applied migration")
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *DB) CreateJob(ctx context.Context, job *strategy.Job) error {
	query := `
		INSERT INTO jobs (id, user_id, title, description, category, asset_class,
			timeseries_name, language, code, dataset, code_hash, status,
			timeout_ms, memory_mb, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		job.ID, job.UserID, job.Title, job.Description, job.Category, job.AssetClass,
		job.TimeseriesName, string(job.Language), job.Code, job.Dataset, job.CodeHash,
		string(job.Status), job.Limits.Timeout.Milliseconds(), job.Limits.MemoryMB, job.CreatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("inserting job %s: %w", job.ID, err))
	}
	return nil
}

const jobColumns = `
	j.id, j.user_id, j.title, j.description, j.category, j.asset_class,
	j.timeseries_name, j.language, j.code_hash, j.status, j.failure_kind,
	j.failure_message, j.timeout_ms, j.memory_mb, j.created_at, j.started_at,
	j.completed_at,
	m.total_return, m.annualized_return, m.sharpe_ratio, m.sortino_ratio,
	m.max_drawdown, m.win_rate, m.profit_factor, m.total_trades,
	m.avg_trade_duration, m.calmar_ratio`

// GetJob loads a job with its code, dataset and metrics.
func (db *DB) GetJob(ctx context.Context, id string) (*strategy.Job, error) {
	query := `SELECT ` + jobColumns + `, j.code, j.dataset
		FROM jobs j LEFT JOIN job_metrics m ON m.job_id = j.id
		WHERE j.id = $1`

	var row jobRow
	dest := append(row.dest(), &row.job.Code, &row.job.Dataset)
	if err := db.pool.QueryRow(ctx, query, id).Scan(dest...); err != nil {
		return nil, mapError(fmt.Errorf("querying job %s: %w", id, err))
	}
	return row.build(), nil
}

// ListJobs returns jobs newest first, without code or dataset.
func (db *DB) ListJobs(ctx context.Context, filter JobFilter) ([]*strategy.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs j LEFT JOIN job_metrics m ON m.job_id = j.id
		WHERE ($1 = '' OR j.user_id = $1)
		  AND ($2 = '' OR j.status = $2)
		  AND ($3 = '' OR j.language = $3)
		ORDER BY j.created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.UserID, string(filter.Status), string(filter.Language), filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*strategy.Job
	for rows.Next() {
		var row jobRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, row.build())
	}
	return jobs, rows.Err()
}

// Transition moves a job from one status to another. The update only
// applies while the job is still in from, so concurrent workers cannot both
// claim it.
func (db *DB) Transition(ctx context.Context, id string, from, to strategy.Status, failure *strategy.Failure) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}

	var kind, msg *string
	if failure != nil {
		k := string(failure.Kind)
		kind, msg = &k, &failure.Message
	}

	query := `
		UPDATE jobs SET
			status = $3,
			failure_kind = COALESCE($4, failure_kind),
			failure_message = COALESCE($5, failure_message),
			started_at = CASE WHEN $3 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2`

	tag, err := db.pool.Exec(ctx, query, id, string(from), string(to), kind, msg)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = db.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return mapError(fmt.Errorf("querying job %s: %w", id, err))
	}
	return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, id, current, from)
}

// AttachMetrics stores the metrics of a job. A job has at most one record.
func (db *DB) AttachMetrics(ctx context.Context, id string, m metrics.Result) error {
	query := `
		INSERT INTO job_metrics (job_id, total_return, annualized_return, sharpe_ratio,
			sortino_ratio, max_drawdown, win_rate, profit_factor, total_trades,
			avg_trade_duration, calmar_ratio)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := db.pool.Exec(ctx, query, id,
		m.TotalReturn, m.AnnualizedReturn, m.SharpeRatio, m.SortinoRatio,
		m.MaxDrawdown, m.WinRate, float64(m.ProfitFactor), m.TotalTrades,
		m.AvgTradeDuration, m.CalmarRatio,
	)
	if err != nil {
		return mapError(fmt.Errorf("inserting metrics for job %s: %w", id, err))
	}
	return nil
}

// ListIDsByStatus returns the IDs of every job in status, oldest first.
func (db *DB) ListIDsByStatus(ctx context.Context, status strategy.Status) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM jobs WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying %s jobs: %w", status, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning %s jobs: %w", status, err)
	}
	return ids, nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, job_id, backend, language, code_hash, success,
			failure_kind, error, exit_code, logs, stderr, duration_ms,
			security_events, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.JobID, exec.Backend, exec.Language, exec.CodeHash, exec.Success,
		exec.FailureKind, truncateForDB(exec.Error, 65535),
		exec.ExitCode,
		truncateForDB(exec.Logs, 65535),
		truncateForDB(exec.Stderr, 65535),
		exec.DurationMS, exec.SecurityEvents,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// UpsertRating inserts or replaces the caller's rating of a job.
func (db *DB) UpsertRating(ctx context.Context, r *Rating) error {
	query := `
		INSERT INTO ratings (job_id, user_id, score, comment)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, user_id) DO UPDATE SET
			score = EXCLUDED.score,
			comment = EXCLUDED.comment,
			updated_at = now()
		RETURNING updated_at`

	err := db.pool.QueryRow(ctx, query, r.JobID, r.UserID, r.Score, r.Comment).Scan(&r.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("upserting rating for job %s: %w", r.JobID, err))
	}
	return nil
}

// AddComment appends a comment to a job.
func (db *DB) AddComment(ctx context.Context, c *Comment) error {
	query := `
		INSERT INTO comments (id, job_id, user_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := db.pool.QueryRow(ctx, query, c.ID, c.JobID, c.UserID, c.Content).Scan(&c.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("inserting comment on job %s: %w", c.JobID, err))
	}
	return nil
}

// mapError translates driver errors into the package sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

// jobRow is the scan target for a jobs row joined with its metrics.
type jobRow struct {
	job         strategy.Job
	language    string
	status      string
	failureKind *string
	failureMsg  *string
	timeoutMS   int64

	totalReturn, annualized, sharpe, sortino *float64
	drawdown, winRate, profitFactor          *float64
	totalTrades                              *int
	avgDuration, calmar                      *float64
}

func (r *jobRow) dest() []any {
	j := &r.job
	return []any{
		&j.ID, &j.UserID, &j.Title, &j.Description, &j.Category, &j.AssetClass,
		&j.TimeseriesName, &r.language, &j.CodeHash, &r.status, &r.failureKind,
		&r.failureMsg, &r.timeoutMS, &j.Limits.MemoryMB, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt,
		&r.totalReturn, &r.annualized, &r.sharpe, &r.sortino,
		&r.drawdown, &r.winRate, &r.profitFactor, &r.totalTrades,
		&r.avgDuration, &r.calmar,
	}
}

func (r *jobRow) build() *strategy.Job {
	j := r.job
	j.Language = strategy.Language(r.language)
	j.Status = strategy.Status(r.status)
	j.Limits.Timeout = time.Duration(r.timeoutMS) * time.Millisecond
	if r.failureKind != nil {
		j.Failure = &strategy.Failure{Kind: strategy.FailureKind(*r.failureKind)}
		if r.failureMsg != nil {
			j.Failure.Message = *r.failureMsg
		}
	}
	if r.totalTrades != nil {
		j.Metrics = &metrics.Result{
			TotalReturn:      deref(r.totalReturn),
			AnnualizedReturn: deref(r.annualized),
			SharpeRatio:      deref(r.sharpe),
			SortinoRatio:     deref(r.sortino),
			MaxDrawdown:      deref(r.drawdown),
			WinRate:          deref(r.winRate),
			ProfitFactor:     metrics.Ratio(deref(r.profitFactor)),
			TotalTrades:      *r.totalTrades,
			AvgTradeDuration: deref(r.avgDuration),
			CalmarRatio:      deref(r.calmar),
		}
	}
	return &j
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
