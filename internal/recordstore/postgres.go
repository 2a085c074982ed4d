package recordstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/db"
	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// DefaultTable is the document table used when none is configured.
const DefaultTable = "catalog_documents"

// PostgresAdapter stores each record as one JSONB document keyed by
// (collection, row_number).
type PostgresAdapter struct {
	pool  db.Pool
	table string
	reg   *registry.Registry
	now   func() time.Time
}

// NewPostgres creates a document adapter over pool. An empty table selects
// DefaultTable.
func NewPostgres(pool db.Pool, table string, reg *registry.Registry) *PostgresAdapter {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresAdapter{pool: pool, table: db.QuoteTable(table), reg: reg, now: time.Now}
}

func (p *PostgresAdapter) Name() string { return registry.StoreDocs }

// Migrate creates the document table.
func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	row_number INTEGER NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, row_number)
)`, p.table))
	return eris.Wrap(err, "postgres docs: migrate")
}

func (p *PostgresAdapter) Get(ctx context.Context, collection string, row int) (*model.Record, error) {
	coll, err := p.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT fields FROM %s WHERE collection = $1 AND row_number = $2`, p.table),
		collection, row,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres docs: get %s row %d", collection, row)
	}
	fields, err := decodeDoc(coll, raw)
	if err != nil {
		return nil, err
	}
	rec := model.NewRecord(collection, row, fields)
	return &rec, nil
}

func (p *PostgresAdapter) ListAll(ctx context.Context, collection string) (map[int]model.Record, error) {
	coll, err := p.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf(`SELECT row_number, fields FROM %s WHERE collection = $1 ORDER BY row_number`, p.table),
		collection,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres docs: list %s", collection)
	}
	defer rows.Close()

	out := make(map[int]model.Record)
	for rows.Next() {
		var (
			row int
			raw []byte
		)
		if err := rows.Scan(&row, &raw); err != nil {
			return nil, eris.Wrap(err, "postgres docs: scan")
		}
		fields, err := decodeDoc(coll, raw)
		if err != nil {
			return nil, err
		}
		out[row] = model.NewRecord(collection, row, fields)
	}
	return out, eris.Wrap(rows.Err(), "postgres docs: list iterate")
}

// UpsertFields merges in SQL: with overwrite the patch is applied over the
// stored document and nulls remove keys; otherwise stored values win.
func (p *PostgresAdapter) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	coll, err := p.reg.Collection(collection)
	if err != nil {
		return false, err
	}
	if err := checkRow(row); err != nil {
		return false, err
	}
	patch, hasValue, err := mergePatch(coll, fields, overwrite)
	if err != nil || patch == nil {
		return false, err
	}

	merged := `jsonb_strip_nulls(d.fields || $3::jsonb)`
	if !overwrite {
		merged = `($3::jsonb || d.fields)`
	}

	var sql string
	if hasValue {
		sql = fmt.Sprintf(`INSERT INTO %[1]s AS d (collection, row_number, fields, updated_at)
VALUES ($1, $2, jsonb_strip_nulls($3::jsonb), $4)
ON CONFLICT (collection, row_number) DO UPDATE SET fields = %[2]s, updated_at = $4
WHERE d.fields IS DISTINCT FROM %[2]s`, p.table, merged)
	} else {
		// Only clears: never create a record just to hold nothing.
		sql = fmt.Sprintf(`UPDATE %[1]s AS d SET fields = %[2]s, updated_at = $4
WHERE d.collection = $1 AND d.row_number = $2 AND d.fields IS DISTINCT FROM %[2]s`, p.table, merged)
	}

	tag, err := p.pool.Exec(ctx, sql, collection, row, patch, p.now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "postgres docs: upsert %s row %d", collection, row)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresAdapter) Append(ctx context.Context, collection string, fields map[string]string) (int, error) {
	coll, err := p.reg.Collection(collection)
	if err != nil {
		return 0, err
	}
	patch, _, err := mergePatch(coll, nonEmpty(fields), false)
	if err != nil {
		return 0, err
	}
	if patch == nil {
		patch = []byte("{}")
	}

	// Concurrent appends can compute the same next row number; the primary
	// key rejects the loser, which recomputes.
	query := fmt.Sprintf(`INSERT INTO %[1]s (collection, row_number, fields, updated_at)
SELECT $1, GREATEST(COALESCE(MAX(row_number) + 1, %[2]d), %[2]d), $2::jsonb, $3 FROM %[1]s WHERE collection = $1
RETURNING row_number`, p.table, FirstDataRow)
	for attempt := 1; ; attempt++ {
		var row int
		err = p.pool.QueryRow(ctx, query, collection, patch, p.now().UTC()).Scan(&row)
		if err == nil {
			return row, nil
		}
		if !isUniqueViolation(err) || attempt >= maxAppendAttempts || ctx.Err() != nil {
			return 0, eris.Wrapf(err, "postgres docs: append %s", collection)
		}
	}
}

const (
	maxAppendAttempts = 5
	uniqueViolation   = "23505"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *PostgresAdapter) Delete(ctx context.Context, collection string, row int) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND row_number = $2`, p.table),
		collection, row,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres docs: delete %s row %d", collection, row)
	}
	return tag.RowsAffected() > 0, nil
}
