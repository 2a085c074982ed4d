package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := sampleJob("job-1", "sinks", time.Now())

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("job-1", "sinks", "queued", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateJob(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := sampleJob("ghost", "sinks", time.Now())

	mock.ExpectExec(`UPDATE jobs SET status = \$1`).
		WithArgs("queued", pgxmock.AnyArg(), pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJob(context.Background(), job)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRecordState_Upserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := model.NewJobRecordState(model.RecordRef{RowNumber: 4})
	st.Stage = model.StageCleaning

	mock.ExpectExec(`INSERT INTO job_records .* ON CONFLICT \(job_id, record_id\) DO UPDATE`).
		WithArgs("job-1", "row:4", "cleaning", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRecordState(context.Background(), "job-1", st))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	job := sampleJob("job-1", "sinks", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	job.Status = model.JobStatusRunning
	doc, err := jobDoc(job)
	require.NoError(t, err)

	st := model.NewJobRecordState(job.Records[1])
	st.Stage = model.StageReady
	stateJSON, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectQuery(`SELECT state FROM job_records WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(stateJSON))

	got, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	require.Len(t, got.RecordStates, 3)
	assert.Equal(t, model.StagePending, got.RecordStates[0].Stage)
	assert.Equal(t, model.StageReady, got.RecordStates[1].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	doc, err := jobDoc(sampleJob("j9", "taps", time.Now()))
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM jobs WHERE true AND collection = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("taps", "completed", 5).
		WillReturnRows(pgxmock.NewRows([]string{"doc"}).AddRow(doc))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Collection: "taps", Status: model.JobStatusCompleted, Limit: 5})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j9", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_IncrementsOnConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	e := sampleDLQEntry("sinks", model.RecordRef{RowNumber: 4}, time.Now())

	mock.ExpectExec(`INSERT INTO dead_letters .* ON CONFLICT \(id\) DO UPDATE SET\s+retry_count = dead_letters.retry_count \+ 1`).
		WithArgs("sinks/row:4", "sinks", 4, "", "job-1", "page not found", "extraction_failure", "transient",
			"extracting", 0, 3, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.EnqueueDLQ(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDLQ_Due(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	next := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	cols := []string{"id", "collection", "row_number", "source_url", "job_id", "error", "error_kind", "error_type",
		"failed_stage", "retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at"}
	mock.ExpectQuery(`FROM dead_letters WHERE true AND collection = \$1 AND next_retry_at <= now\(\) AND retry_count < max_retries ORDER BY next_retry_at, id LIMIT \$2`).
		WithArgs("sinks", 100).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"sinks/url:https://x.test/a", "sinks", 0, "https://x.test/a", "job-1", "timeout", "extraction_failure",
			"transient", "extracting", 1, 3, next, next, next,
		))

	entries, err := s.ListDLQ(context.Background(), resilience.DLQFilter{Collection: "sinks", Due: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.RecordRef{SourceURL: "https://x.test/a"}, entries[0].Ref)
	assert.Equal(t, model.ErrExtraction, entries[0].ErrorKind)
	assert.Equal(t, model.StageExtracting, entries[0].FailedStage)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.True(t, entries[0].CanRetry())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letters WHERE id = \$1`).
		WithArgs("sinks/row:4").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.RemoveDLQ(context.Background(), "sinks/row:4"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
