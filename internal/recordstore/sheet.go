package recordstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/pkg/sheets"
)

// SheetAdapter stores each collection in one spreadsheet tab. Row 1 is the
// header; the registry maps fields to columns. Deleting a record clears its
// row so the row numbers of later records never shift.
type SheetAdapter struct {
	client        sheets.Client
	spreadsheetID string
	reg           *registry.Registry
}

// NewSheet creates a SheetAdapter over one spreadsheet.
func NewSheet(client sheets.Client, spreadsheetID string, reg *registry.Registry) *SheetAdapter {
	return &SheetAdapter{client: client, spreadsheetID: spreadsheetID, reg: reg}
}

func (s *SheetAdapter) Name() string { return registry.StoreSheet }

func (s *SheetAdapter) Get(ctx context.Context, collection string, row int) (*model.Record, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	if err := checkRow(row); err != nil {
		return nil, err
	}
	fields, err := s.readRow(ctx, coll, row)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := model.NewRecord(collection, row, fields)
	return &rec, nil
}

func (s *SheetAdapter) ListAll(ctx context.Context, collection string) (map[int]model.Record, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	rng := fmt.Sprintf("%s!A%d:%s", sheets.QuoteTab(coll.Sheet.Tab), FirstDataRow, sheets.ColumnLetter(coll.LastColumn()))
	values, err := s.client.ReadRange(ctx, s.spreadsheetID, rng)
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: list %s", collection)
	}

	out := make(map[int]model.Record, len(values))
	for i, cells := range values {
		fields := rowFields(coll, cells)
		if len(fields) == 0 {
			continue
		}
		row := FirstDataRow + i
		out[row] = model.NewRecord(collection, row, fields)
	}
	return out, nil
}

func (s *SheetAdapter) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return false, err
	}
	if err := checkRow(row); err != nil {
		return false, err
	}
	existing, err := s.readRow(ctx, coll, row)
	if err != nil {
		return false, err
	}

	_, changed := mergeFields(existing, fields, overwrite)
	cells := make([]sheets.Cell, 0, len(changed))
	for _, name := range coll.FieldNames() {
		v, ok := changed[name]
		if !ok {
			continue
		}
		col, _ := coll.ColumnOf(name)
		cells = append(cells, sheets.Cell{Range: sheets.A1(coll.Sheet.Tab, col, row), Value: v})
	}
	if len(cells) == 0 {
		return false, nil
	}
	if err := s.client.UpdateCells(ctx, s.spreadsheetID, cells); err != nil {
		return false, eris.Wrapf(err, "sheet: update %s row %d", collection, row)
	}
	return true, nil
}

func (s *SheetAdapter) Append(ctx context.Context, collection string, fields map[string]string) (int, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return 0, err
	}
	values := make([]string, coll.LastColumn()+1)
	for name, v := range nonEmpty(fields) {
		if col, ok := coll.ColumnOf(name); ok {
			values[col] = v
		}
	}
	rng := fmt.Sprintf("%s!A1", sheets.QuoteTab(coll.Sheet.Tab))
	row, err := s.client.AppendRow(ctx, s.spreadsheetID, rng, values)
	if err != nil {
		return 0, eris.Wrapf(err, "sheet: append %s", collection)
	}
	return row, nil
}

func (s *SheetAdapter) Delete(ctx context.Context, collection string, row int) (bool, error) {
	coll, err := s.reg.Collection(collection)
	if err != nil {
		return false, err
	}
	if err := checkRow(row); err != nil {
		return false, err
	}
	existing, err := s.readRow(ctx, coll, row)
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}
	if err := s.client.ClearRange(ctx, s.spreadsheetID, sheets.RowRange(coll.Sheet.Tab, coll.LastColumn(), row)); err != nil {
		return false, eris.Wrapf(err, "sheet: clear %s row %d", collection, row)
	}
	return true, nil
}

func (s *SheetAdapter) readRow(ctx context.Context, coll *registry.Collection, row int) (map[string]string, error) {
	values, err := s.client.ReadRange(ctx, s.spreadsheetID, sheets.RowRange(coll.Sheet.Tab, coll.LastColumn(), row))
	if err != nil {
		return nil, eris.Wrapf(err, "sheet: read %s row %d", coll.Name, row)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return rowFields(coll, values[0]), nil
}

// rowFields maps the non-blank cells of a row onto registry fields.
func rowFields(coll *registry.Collection, cells []string) map[string]string {
	fields := make(map[string]string)
	for col, v := range cells {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if f, ok := coll.FieldAt(col); ok {
			fields[f.Name] = v
		}
	}
	return fields
}
