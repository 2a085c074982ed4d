package recordstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresAdapter, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	a := NewPostgres(mock, "", testRegistry(t))
	a.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return a, mock
}

func TestPostgres_Get(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT fields FROM "catalog_documents" WHERE collection = \$1 AND row_number = \$2`).
		WithArgs("sinks", 5).
		WillReturnRows(pgxmock.NewRows([]string{"fields"}).AddRow([]byte(`{"title":"Granite Sink","material":"Granite"}`)))

	rec, err := a.Get(context.Background(), "sinks", 5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Granite", rec.Get("product_material"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT fields FROM`).
		WithArgs("sinks", 6).
		WillReturnError(pgx.ErrNoRows)

	rec, err := a.Get(context.Background(), "sinks", 6)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgres_ListAll(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT row_number, fields FROM "catalog_documents" WHERE collection = \$1 ORDER BY row_number`).
		WithArgs("sinks").
		WillReturnRows(pgxmock.NewRows([]string{"row_number", "fields"}).
			AddRow(2, []byte(`{"title":"A"}`)).
			AddRow(7, []byte(`{"title":"B","updated_at":"2026-04-01T00:00:00Z"}`)))

	all, err := a.ListAll(context.Background(), "sinks")
	require.NoError(t, err)
	require.Len(t, all, 2)
	rec := all[7]
	assert.Equal(t, "B", rec.Get("title"))
	assert.Equal(t, "2026-04-01T00:00:00Z", rec.Get("updated_at"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertOverwrite(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectExec(`(?s)INSERT INTO "catalog_documents" AS d .*ON CONFLICT \(collection, row_number\) DO UPDATE SET fields = jsonb_strip_nulls\(d.fields \|\| \$3::jsonb\)`).
		WithArgs("sinks", 5, []byte(`{"material":"Granite","vendor":null}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	wrote, err := a.UpsertFields(context.Background(), "sinks", 5, map[string]string{
		"product_material": "Granite",
		"vendor":           "",
	}, true)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertKeepExisting(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectExec(`DO UPDATE SET fields = \(\$3::jsonb \|\| d.fields\)`).
		WithArgs("sinks", 5, []byte(`{"title":"Sink"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	wrote, err := a.UpsertFields(context.Background(), "sinks", 5, map[string]string{"title": "Sink", "vendor": ""}, false)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertClearOnly(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE "catalog_documents" AS d SET fields`).
		WithArgs("sinks", 5, []byte(`{"vendor":null}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	wrote, err := a.UpsertFields(context.Background(), "sinks", 5, map[string]string{"vendor": ""}, true)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Append(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectQuery(`(?s)INSERT INTO "catalog_documents" .*SELECT \$1, GREATEST\(COALESCE\(MAX\(row_number\) \+ 1, 2\), 2\)`).
		WithArgs("sinks", []byte(`{"title":"New"}`), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"row_number"}).AddRow(12))

	row, err := a.Append(context.Background(), "sinks", map[string]string{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, 12, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Append_RetriesOnRowNumberCollision(t *testing.T) {
	a, mock := newMockPostgres(t)
	collision := &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

	mock.ExpectQuery(`INSERT INTO "catalog_documents"`).
		WithArgs("sinks", []byte(`{"title":"New"}`), pgxmock.AnyArg()).
		WillReturnError(collision)
	mock.ExpectQuery(`INSERT INTO "catalog_documents"`).
		WithArgs("sinks", []byte(`{"title":"New"}`), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"row_number"}).AddRow(13))

	row, err := a.Append(context.Background(), "sinks", map[string]string{"title": "New"})
	require.NoError(t, err)
	assert.Equal(t, 13, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Append_GivesUpAfterRepeatedCollisions(t *testing.T) {
	a, mock := newMockPostgres(t)
	collision := &pgconn.PgError{Code: "23505"}
	for range maxAppendAttempts {
		mock.ExpectQuery(`INSERT INTO "catalog_documents"`).WillReturnError(collision)
	}

	_, err := a.Append(context.Background(), "sinks", map[string]string{"title": "New"})
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Append_OtherErrorsAreNotRetried(t *testing.T) {
	a, mock := newMockPostgres(t)
	mock.ExpectQuery(`INSERT INTO "catalog_documents"`).
		WillReturnError(&pgconn.PgError{Code: "23502"})

	_, err := a.Append(context.Background(), "sinks", map[string]string{"title": "New"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Delete(t *testing.T) {
	a, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM "catalog_documents" WHERE collection = \$1 AND row_number = \$2`).
		WithArgs("sinks", 3).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := a.Delete(context.Background(), "sinks", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	a, mock := newMockPostgres(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "catalog_documents"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, a.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
