// Package recordstore adapts the tabular store and the document stores to one
// record interface keyed by row number.
package recordstore

import (
	"context"
	"maps"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// FirstDataRow is the first row number that holds a record. Row 1 is the
// sheet header, and the document stores number their rows the same way.
const FirstDataRow = 2

// Adapter reads and writes records of a collection by row number.
type Adapter interface {
	// Name identifies the store, "sheet" or "docs".
	Name() string
	// Get returns the record at row, or nil when no such record exists.
	Get(ctx context.Context, collection string, row int) (*model.Record, error)
	// ListAll returns every record of the collection keyed by row number.
	ListAll(ctx context.Context, collection string) (map[int]model.Record, error)
	// UpsertFields writes fields to the record at row, creating it if needed.
	// With overwrite, new values replace existing ones and "" clears a field;
	// without it, only empty fields are filled. It reports whether anything
	// was written.
	UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error)
	// Append creates a record and returns the row number the store assigned.
	Append(ctx context.Context, collection string, fields map[string]string) (int, error)
	// Delete removes the record at row and reports whether it existed.
	Delete(ctx context.Context, collection string, row int) (bool, error)
}

// Set names the two adapters a collection is kept in.
type Set struct {
	Sheet Adapter
	Docs  Adapter
}

// Get returns the adapter registered under name.
func (s Set) Get(name string) (Adapter, error) {
	var a Adapter
	switch name {
	case registry.StoreSheet:
		a = s.Sheet
	case registry.StoreDocs:
		a = s.Docs
	default:
		return nil, eris.Errorf("recordstore: unknown store %q", name)
	}
	if a == nil {
		return nil, eris.Errorf("recordstore: store %q not configured", name)
	}
	return a, nil
}

// Other returns the name of the opposite store.
func Other(name string) string {
	if name == registry.StoreSheet {
		return registry.StoreDocs
	}
	return registry.StoreSheet
}

func checkRow(row int) error {
	if row < FirstDataRow {
		return eris.Errorf("recordstore: invalid row number %d", row)
	}
	return nil
}

// mergeFields applies fields onto existing and returns the merged values and
// the fields that actually changed. Existing is not modified.
func mergeFields(existing, fields map[string]string, overwrite bool) (map[string]string, map[string]string) {
	next := maps.Clone(existing)
	if next == nil {
		next = make(map[string]string, len(fields))
	}
	changed := make(map[string]string)
	for k, v := range fields {
		if k == model.FieldRowNumber {
			continue
		}
		cur := strings.TrimSpace(next[k])
		v = strings.TrimSpace(v)
		if !overwrite && (cur != "" || v == "") {
			continue
		}
		if cur == v {
			continue
		}
		if v == "" {
			delete(next, k)
		} else {
			next[k] = v
		}
		changed[k] = v
	}
	return next, changed
}

// nonEmpty drops blank values and the row number.
func nonEmpty(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if k == model.FieldRowNumber {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

// Retry wraps the write operations of a with a retry policy. Reads are not
// retried; a failed read fails the caller's stage directly.
func Retry(a Adapter, cfg resilience.RetryConfig) Adapter {
	return &retrying{Adapter: a, cfg: cfg}
}

type retrying struct {
	Adapter
	cfg resilience.RetryConfig
}

func (r *retrying) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	return resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (bool, error) {
		return r.Adapter.UpsertFields(ctx, collection, row, fields, overwrite)
	})
}

func (r *retrying) Append(ctx context.Context, collection string, fields map[string]string) (int, error) {
	return resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (int, error) {
		return r.Adapter.Append(ctx, collection, fields)
	})
}

func (r *retrying) Delete(ctx context.Context, collection string, row int) (bool, error) {
	return resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (bool, error) {
		return r.Adapter.Delete(ctx, collection, row)
	})
}
