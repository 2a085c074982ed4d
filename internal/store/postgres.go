package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/db"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements are prepared on each new connection for the calls a
// running job makes once per record.
var preparedStatements = map[string]string{
	"update_job":        `UPDATE jobs SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`,
	"save_record_state": upsertRecordStateSQL,
	"get_job":           `SELECT doc FROM jobs WHERE id = $1`,
}

const upsertRecordStateSQL = `INSERT INTO job_records (job_id, record_id, stage, state, updated_at) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, record_id) DO UPDATE SET stage = EXCLUDED.stage, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`

// NewPostgres creates a PostgresStore with its own connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 1
	if poolCfg.MaxConns > 0 {
		pgxCfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		pgxCfg.MinConns = poolCfg.MinConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_records (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	record_id  TEXT NOT NULL,
	stage      TEXT NOT NULL,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, record_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_collection_created ON jobs(collection, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	collection     TEXT NOT NULL,
	row_number     INTEGER NOT NULL DEFAULT 0,
	source_url     TEXT NOT NULL DEFAULT '',
	job_id         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL,
	failed_stage   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_next ON dead_letters(collection, next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	doc, err := jobDoc(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, collection, status, doc, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Collection, string(job.Status), doc, job.CreatedAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.Job) error {
	doc, err := jobDoc(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, doc = $2, updated_at = $3 WHERE id = $4`,
		string(job.Status), doc, time.Now().UTC(), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) SaveRecordState(ctx context.Context, jobID string, state model.JobRecordState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record state")
	}
	_, err = s.pool.Exec(ctx, upsertRecordStateSQL,
		jobID, state.RecordID, string(state.Stage), data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save record state %s/%s", jobID, state.RecordID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = $1`, jobID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	job, err := decodeJob(doc)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT state FROM job_records WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list record states %s", jobID)
	}
	defer rows.Close()

	states := make(map[string]model.JobRecordState)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record state")
		}
		var st model.JobRecordState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record state")
		}
		states[st.RecordID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate record states")
	}
	attachStates(job, states)
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Collection != "" {
		query += fmt.Sprintf(` AND collection = $%d`, argIdx)
		args = append(args, filter.Collection)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, collection, row_number, source_url, job_id, error, error_kind, error_type,
			failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = dead_letters.retry_count + 1,
			job_id = EXCLUDED.job_id,
			error = EXCLUDED.error,
			error_kind = EXCLUDED.error_kind,
			error_type = EXCLUDED.error_type,
			failed_stage = EXCLUDED.failed_stage,
			max_retries = EXCLUDED.max_retries,
			next_retry_at = EXCLUDED.next_retry_at,
			last_failed_at = EXCLUDED.last_failed_at`,
		e.ID, e.Collection, e.Ref.RowNumber, e.Ref.SourceURL, e.JobID, e.Error, string(e.ErrorKind), e.ErrorType,
		string(e.FailedStage), e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", e.ID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, collection, row_number, source_url, job_id, error, error_kind, error_type,
		failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Collection != "" {
		query += fmt.Sprintf(` AND collection = $%d`, argIdx)
		args = append(args, filter.Collection)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Due {
		query += ` AND next_retry_at <= now() AND retry_count < max_retries`
	}
	query += fmt.Sprintf(` ORDER BY next_retry_at, id LIMIT $%d`, argIdx)
	args = append(args, dlqLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e           resilience.DLQEntry
			kind, stage string
		)
		if err := rows.Scan(&e.ID, &e.Collection, &e.Ref.RowNumber, &e.Ref.SourceURL, &e.JobID, &e.Error, &kind,
			&e.ErrorType, &stage, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.ErrorKind = model.ErrorKind(kind)
		e.FailedStage = model.Stage(stage)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}
