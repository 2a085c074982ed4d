package exchange

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ReadFile reads a .csv or .xlsx table, choosing the format by extension.
func ReadFile(path string) (Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, "")
	case ".csv":
		f, err := os.Open(path) //nolint:gosec
		if err != nil {
			return Table{}, eris.Wrapf(err, "exchange: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f)
	default:
		return Table{}, eris.Errorf("exchange: unsupported file type %q", filepath.Ext(path))
	}
}

// WriteFile writes t as .csv or .xlsx, choosing the format by extension. The
// XLSX sheet is named after sheetName.
func WriteFile(path, sheetName string, t Table) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return WriteXLSX(path, sheetName, t)
	case ".csv":
		f, err := os.Create(path) //nolint:gosec
		if err != nil {
			return eris.Wrapf(err, "exchange: create %s", path)
		}
		if err := WriteCSV(f, t); err != nil {
			f.Close() //nolint:errcheck,gosec
			return err
		}
		return eris.Wrapf(f.Close(), "exchange: close %s", path)
	default:
		return eris.Errorf("exchange: unsupported file type %q", filepath.Ext(path))
	}
}
