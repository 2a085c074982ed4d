package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// SQLiteAdapter is the local document store: one JSON document per record,
// merged with json_patch.
type SQLiteAdapter struct {
	db    *sql.DB
	table string
	reg   *registry.Registry
	now   func() time.Time
}

// NewSQLite creates a document adapter over an open SQLite handle.
func NewSQLite(db *sql.DB, table string, reg *registry.Registry) *SQLiteAdapter {
	if table == "" {
		table = DefaultTable
	}
	return &SQLiteAdapter{db: db, table: `"` + table + `"`, reg: reg, now: time.Now}
}

func (s *SQLiteAdapter) Name() string { return registry.StoreDocs }

// Migrate creates the document table.
func (s *SQLiteAdapter) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	row_number INTEGER NOT NULL,
	fields     TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, row_number)
)`, s.table))
	return eris.Wrap(err, "sqlite docs: migrate")
}

func (s *SQLiteAdapter) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteAdapter) Get(ctx context.Context, collection string, row int) (*model.Record, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT fields FROM %s WHERE collection = ? AND row_number = ?`, s.table),
		collection, row,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite docs: get %s row %d", collection, row)
	}
	fields, err := decodeDoc(coll, []byte(raw))
	if err != nil {
		return nil, err
	}
	rec := model.NewRecord(collection, row, fields)
	return &rec, nil
}

func (s *SQLiteAdapter) ListAll(ctx context.Context, collection string) (map[int]model.Record, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT row_number, fields FROM %s WHERE collection = ? ORDER BY row_number`, s.table),
		collection,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite docs: list %s", collection)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[int]model.Record)
	for rows.Next() {
		var (
			row int
			raw string
		)
		if err := rows.Scan(&row, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite docs: scan")
		}
		fields, err := decodeDoc(coll, []byte(raw))
		if err != nil {
			return nil, err
		}
		out[row] = model.NewRecord(collection, row, fields)
	}
	return out, eris.Wrap(rows.Err(), "sqlite docs: list iterate")
}

func (s *SQLiteAdapter) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	coll, err := s.reg.Collection(collection)
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

	merged := `json_patch(fields, ?3)`
	if !overwrite {
		merged = `json_patch(?3, fields)`
	}

	var query string
	if hasValue {
		query = fmt.Sprintf(`INSERT INTO %[1]s (collection, row_number, fields, updated_at)
VALUES (?1, ?2, json_patch('{}', ?3), ?4)
ON CONFLICT (collection, row_number) DO UPDATE SET fields = %[2]s, updated_at = ?4
WHERE fields IS NOT %[2]s`, s.table, merged)
	} else {
		query = fmt.Sprintf(`UPDATE %[1]s SET fields = %[2]s, updated_at = ?4
WHERE collection = ?1 AND row_number = ?2 AND fields IS NOT %[2]s`, s.table, merged)
	}

	res, err := s.db.ExecContext(ctx, query, collection, row, string(patch), s.stamp())
	if err != nil {
		return false, eris.Wrapf(err, "sqlite docs: upsert %s row %d", collection, row)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite docs: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteAdapter) Append(ctx context.Context, collection string, fields map[string]string) (int, error) {
	coll, err := s.reg.Collection(collection)
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

	var row int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s (collection, row_number, fields, updated_at)
SELECT ?1, MAX(COALESCE(MAX(row_number) + 1, %[2]d), %[2]d), json(?2), ?3 FROM %[1]s WHERE collection = ?1
RETURNING row_number`, s.table, FirstDataRow),
		collection, string(patch), s.stamp(),
	).Scan(&row)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite docs: append %s", collection)
	}
	return row, nil
}

func (s *SQLiteAdapter) Delete(ctx context.Context, collection string, row int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection = ? AND row_number = ?`, s.table),
		collection, row,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite docs: delete %s row %d", collection, row)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite docs: rows affected")
	}
	return n > 0, nil
}
