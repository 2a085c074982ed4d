package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteWithDB wraps an already open handle, typically one from OpenSQLite
// shared with the document store.
func NewSQLiteWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite opens a SQLite handle with the pragmas every component expects.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return db, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	doc        TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_records (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	record_id  TEXT NOT NULL,
	stage      TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (job_id, record_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_collection ON jobs(collection, created_at);
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
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_next ON dead_letters(collection, next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTime formats timestamps so lexical order matches time order.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	doc, err := jobDoc(job)
	if err != nil {
		return err
	}
	now := sqliteTime(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, collection, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Collection, string(job.Status), string(doc), sqliteTime(job.CreatedAt), now,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	doc, err := jobDoc(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, doc = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(doc), sqliteTime(time.Now()), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, job.ID)
}

func (s *SQLiteStore) SaveRecordState(ctx context.Context, jobID string, state model.JobRecordState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record state")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_records (job_id, record_id, stage, state, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, record_id) DO UPDATE SET stage = excluded.stage, state = excluded.state, updated_at = excluded.updated_at`,
		jobID, state.RecordID, string(state.Stage), string(data), sqliteTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: save record state %s/%s", jobID, state.RecordID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM jobs WHERE id = ?`, jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	job, err := decodeJob([]byte(doc))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state FROM job_records WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list record states %s", jobID)
	}
	defer rows.Close() //nolint:errcheck

	states := make(map[string]model.JobRecordState)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record state")
		}
		var st model.JobRecordState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record state")
		}
		states[st.RecordID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate record states")
	}
	attachStates(job, states)
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	var args []any
	if filter.Collection != "" {
		query += ` AND collection = ?`
		args = append(args, filter.Collection)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j, err := decodeJob([]byte(doc))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, collection, row_number, source_url, job_id, error, error_kind, error_type,
			failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			retry_count = dead_letters.retry_count + 1,
			job_id = excluded.job_id,
			error = excluded.error,
			error_kind = excluded.error_kind,
			error_type = excluded.error_type,
			failed_stage = excluded.failed_stage,
			max_retries = excluded.max_retries,
			next_retry_at = excluded.next_retry_at,
			last_failed_at = excluded.last_failed_at`,
		e.ID, e.Collection, e.Ref.RowNumber, e.Ref.SourceURL, e.JobID, e.Error, string(e.ErrorKind), e.ErrorType,
		string(e.FailedStage), e.RetryCount, e.MaxRetries, sqliteTime(e.NextRetryAt), sqliteTime(e.CreatedAt), sqliteTime(e.LastFailedAt),
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", e.ID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, collection, row_number, source_url, job_id, error, error_kind, error_type,
		failed_stage, retry_count, max_retries, next_retry_at, created_at, last_failed_at
		FROM dead_letters WHERE 1=1`
	var args []any
	if filter.Collection != "" {
		query += ` AND collection = ?`
		args = append(args, filter.Collection)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Due {
		query += ` AND next_retry_at <= ? AND retry_count < max_retries`
		args = append(args, sqliteTime(time.Now()))
	}
	query += ` ORDER BY next_retry_at, id LIMIT ?`
	args = append(args, dlqLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e                           resilience.DLQEntry
			kind, stage                 string
			nextRetry, created, lastErr string
		)
		if err := rows.Scan(&e.ID, &e.Collection, &e.Ref.RowNumber, &e.Ref.SourceURL, &e.JobID, &e.Error, &kind,
			&e.ErrorType, &stage, &e.RetryCount, &e.MaxRetries, &nextRetry, &created, &lastErr); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.ErrorKind = model.ErrorKind(kind)
		e.FailedStage = model.Stage(stage)
		e.NextRetryAt = parseSQLiteTime(nextRetry)
		e.CreatedAt = parseSQLiteTime(created)
		e.LastFailedAt = parseSQLiteTime(lastErr)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove dlq %s", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse("2006-01-02T15:04:05.000000000Z", s)
	return t
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}
