// Package exchange moves whole collections in and out of a record store as
// tables. A reserved _action column drives imports: DELETE removes a record,
// UPDATE overwrites one, and an empty action inserts a new record.
package exchange

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// ActionColumn is the reserved column that selects what an imported row does.
const ActionColumn = "_action"

// Recognized _action values. An empty action inserts.
const (
	ActionDelete = "DELETE"
	ActionUpdate = "UPDATE"
)

// Table is a header row plus data rows, as read from or written to a file.
type Table struct {
	Header []string
	Rows   [][]string
}

// RowError describes one imported row that could not be applied. Line is the
// 1-based line in the source file, counting the header as line 1.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Result counts what an import did.
type Result struct {
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Deleted  int        `json:"deleted"`
	Skipped  int        `json:"skipped"`
	Errors   []RowError `json:"errors,omitempty"`
}

// Import applies the rows of t to collection in a. Rows are matched to
// existing records by row_number when present, otherwise by naturalKey
// (the collection's natural key when naturalKey is empty). Row-level
// problems are collected in Result.Errors; only context cancellation and a
// malformed header abort the import.
func Import(ctx context.Context, a recordstore.Adapter, coll *registry.Collection, t Table, naturalKey string) (*Result, error) {
	if naturalKey == "" {
		naturalKey = coll.NaturalKey
	}
	if naturalKey != "" {
		if _, ok := coll.Field(naturalKey); !ok {
			return nil, eris.Errorf("exchange: natural key %q is not a %s field", naturalKey, coll.Name)
		}
	}

	cols, err := mapHeader(coll, t.Header)
	if err != nil {
		return nil, err
	}

	imp := &importer{adapter: a, coll: coll, key: naturalKey, cols: cols, now: time.Now}
	res := &Result{}
	for i, cells := range t.Rows {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "exchange: import cancelled")
		}
		line := i + 2
		if blank(cells) {
			continue
		}
		if err := imp.apply(ctx, cells, res); err != nil {
			res.Errors = append(res.Errors, RowError{Line: line, Err: err.Error()})
		}
	}

	zap.L().Info("exchange: import complete",
		zap.String("collection", coll.Name),
		zap.String("store", a.Name()),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// Export reads every record of collection from a. The header is row_number,
// the registry fields in column order, then an empty _action column so the
// table can be edited and imported again.
func Export(ctx context.Context, a recordstore.Adapter, coll *registry.Collection) (Table, error) {
	records, err := a.ListAll(ctx, coll.Name)
	if err != nil {
		return Table{}, eris.Wrapf(err, "exchange: list %s", coll.Name)
	}

	fields := coll.FieldNames()
	header := make([]string, 0, len(fields)+2)
	header = append(header, model.FieldRowNumber)
	header = append(header, fields...)
	header = append(header, ActionColumn)

	rows := make([]int, 0, len(records))
	for row := range records {
		rows = append(rows, row)
	}
	slices.Sort(rows)

	out := Table{Header: header, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		rec := records[row]
		cells := make([]string, len(header))
		cells[0] = strconv.Itoa(row)
		for i, f := range fields {
			cells[i+1] = rec.Get(f)
		}
		out.Rows = append(out.Rows, cells)
	}
	return out, nil
}

// columns maps header positions onto their meaning.
type columns struct {
	row    int
	action int
	fields map[int]string
}

func mapHeader(coll *registry.Collection, header []string) (columns, error) {
	c := columns{row: -1, action: -1, fields: make(map[int]string)}
	var unknown []string
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case name == "":
			continue
		case name == model.FieldRowNumber:
			c.row = i
		case name == ActionColumn:
			c.action = i
		default:
			if _, ok := coll.Field(name); !ok {
				unknown = append(unknown, name)
				continue
			}
			c.fields[i] = name
		}
	}
	if len(c.fields) == 0 && c.row < 0 {
		return c, eris.Errorf("exchange: header names no %s fields", coll.Name)
	}
	if len(unknown) > 0 {
		zap.L().Warn("exchange: ignoring unknown columns",
			zap.String("collection", coll.Name),
			zap.Strings("columns", unknown),
		)
	}
	return c, nil
}

type importer struct {
	adapter recordstore.Adapter
	coll    *registry.Collection
	key     string
	cols    columns
	now     func() time.Time

	// byKey maps natural key values to rows. Built on first use.
	byKey map[string]int
}

func (imp *importer) apply(ctx context.Context, cells []string, res *Result) error {
	action := strings.ToUpper(strings.TrimSpace(cell(cells, imp.cols.action)))
	fields := make(map[string]string, len(imp.cols.fields))
	for i, name := range imp.cols.fields {
		fields[name] = strings.TrimSpace(cell(cells, i))
	}
	row, err := imp.rowNumber(cells)
	if err != nil {
		return err
	}

	switch action {
	case ActionDelete:
		row, err := imp.locate(ctx, row, fields)
		if err != nil {
			return err
		}
		ok, err := imp.adapter.Delete(ctx, imp.coll.Name, row)
		if err != nil {
			return eris.Wrapf(err, "exchange: delete row %d", row)
		}
		if !ok {
			return eris.Errorf("exchange: row %d does not exist", row)
		}
		imp.forget(row)
		res.Deleted++

	case ActionUpdate:
		row, err := imp.locate(ctx, row, fields)
		if err != nil {
			return err
		}
		fields[model.FieldUpdatedAt] = imp.stamp()
		if _, err := imp.adapter.UpsertFields(ctx, imp.coll.Name, row, fields, true); err != nil {
			return eris.Wrapf(err, "exchange: update row %d", row)
		}
		imp.remember(fields[imp.key], row)
		res.Updated++

	case "":
		existing, err := imp.exists(ctx, row, fields)
		if err != nil {
			return err
		}
		if existing {
			res.Skipped++
			return nil
		}
		fields[model.FieldUpdatedAt] = imp.stamp()
		newRow, err := imp.adapter.Append(ctx, imp.coll.Name, fields)
		if err != nil {
			return eris.Wrap(err, "exchange: insert")
		}
		imp.remember(fields[imp.key], newRow)
		res.Inserted++

	default:
		return eris.Errorf("exchange: unknown %s %q", ActionColumn, action)
	}
	return nil
}

// rowNumber returns the row_number cell, or 0 when the column is absent or
// blank.
func (imp *importer) rowNumber(cells []string) (int, error) {
	v := strings.TrimSpace(cell(cells, imp.cols.row))
	if v == "" {
		return 0, nil
	}
	row, err := strconv.Atoi(v)
	if err != nil || row < recordstore.FirstDataRow {
		return 0, eris.Errorf("exchange: invalid row_number %q", v)
	}
	return row, nil
}

// locate resolves the target row of a DELETE or UPDATE.
func (imp *importer) locate(ctx context.Context, row int, fields map[string]string) (int, error) {
	if row > 0 {
		return row, nil
	}
	keyValue := fields[imp.key]
	if imp.key == "" || keyValue == "" {
		return 0, eris.New("exchange: row has neither row_number nor a natural key value")
	}
	if err := imp.index(ctx); err != nil {
		return 0, err
	}
	found, ok := imp.byKey[keyValue]
	if !ok {
		return 0, eris.Errorf("exchange: no record with %s %q", imp.key, keyValue)
	}
	return found, nil
}

// exists reports whether an insert would duplicate a record already in the
// store, so re-importing an unedited export is a no-op.
func (imp *importer) exists(ctx context.Context, row int, fields map[string]string) (bool, error) {
	if row > 0 {
		rec, err := imp.adapter.Get(ctx, imp.coll.Name, row)
		if err != nil {
			return false, eris.Wrapf(err, "exchange: read row %d", row)
		}
		return rec != nil, nil
	}
	keyValue := fields[imp.key]
	if imp.key == "" || keyValue == "" {
		return false, nil
	}
	if err := imp.index(ctx); err != nil {
		return false, err
	}
	_, ok := imp.byKey[keyValue]
	return ok, nil
}

func (imp *importer) index(ctx context.Context) error {
	if imp.byKey != nil {
		return nil
	}
	records, err := imp.adapter.ListAll(ctx, imp.coll.Name)
	if err != nil {
		return eris.Wrapf(err, "exchange: list %s", imp.coll.Name)
	}
	imp.byKey = make(map[string]int, len(records))
	for row, rec := range records {
		v := strings.TrimSpace(rec.Get(imp.key))
		if v == "" {
			continue
		}
		// Lowest row wins when the key is duplicated.
		if cur, ok := imp.byKey[v]; !ok || row < cur {
			imp.byKey[v] = row
		}
	}
	return nil
}

func (imp *importer) remember(keyValue string, row int) {
	if imp.byKey == nil || keyValue == "" {
		return
	}
	if _, ok := imp.byKey[keyValue]; !ok {
		imp.byKey[keyValue] = row
	}
}

func (imp *importer) forget(row int) {
	for k, r := range imp.byKey {
		if r == row {
			delete(imp.byKey, k)
		}
	}
}

func (imp *importer) stamp() string {
	return imp.now().UTC().Format(time.RFC3339)
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return cells[i]
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
