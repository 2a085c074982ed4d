package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

const testRegistryYAML = `
collections:
  - name: sinks
    sheet:
      tab: Sinks
    natural_key: sku
    fields:
      - {name: title, column: 0}
      - {name: sku, column: 1}
      - {name: vendor, column: 2}
      - {name: product_material, column: 3, doc_key: material}
      - {name: body_html, column: 4, owner: docs}
      - {name: updated_at, column: 5}
      - {name: synced_at, column: 6}
      - {name: sync_source, column: 7}
`

type fixture struct {
	sheet  *recordstore.MemoryAdapter
	docs   *recordstore.MemoryAdapter
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Parse([]byte(testRegistryYAML))
	require.NoError(t, err)

	f := &fixture{
		sheet: recordstore.NewMemory(registry.StoreSheet),
		docs:  recordstore.NewMemory(registry.StoreDocs),
	}
	f.engine = NewEngine(
		recordstore.Set{Sheet: f.sheet, Docs: f.docs},
		reg,
		resilience.RateLimitBackoff(time.Millisecond, 3),
	)
	f.engine.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return f
}

func sheetToDocs() Request {
	return Request{Collection: "sinks", Source: registry.StoreSheet, Target: registry.StoreDocs}
}

func TestReconcile_MissingRowIsCreated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sheet.Put("sinks", 5, map[string]string{"title": "Granite Sink", "product_material": "Granite"})

	cs, err := f.engine.Diff(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Equal(t, model.ChangeSet{
		{RowNumber: 5, Field: "product_material", SourceValue: "Granite", Kind: model.ChangeCreate},
		{RowNumber: 5, Field: "title", SourceValue: "Granite Sink", Kind: model.ChangeCreate},
	}, cs)

	res, err := f.engine.Reconcile(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Equal(t, []int{5}, res.Applied)
	assert.Empty(t, res.Failed)

	rec, err := f.docs.Get(ctx, "sinks", 5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Granite", rec.Get(model.FieldMaterial))
	assert.Equal(t, "2026-05-01T09:00:00Z", rec.Get(model.FieldSyncedAt))
	assert.Equal(t, registry.StoreSheet, rec.Get(model.FieldSyncSource))

	cs, err = f.engine.Diff(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Empty(t, cs)

	back, err := f.engine.Diff(ctx, Request{Collection: "sinks", Source: registry.StoreDocs, Target: registry.StoreSheet})
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestReconcile_Symmetric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.sheet.Put("sinks", 2, map[string]string{"title": "Sink A ", "vendor": "Abey", "sku": "A-1"})
	f.sheet.Put("sinks", 3, map[string]string{"title": "Sink B", "product_material": "Steel"})
	f.sheet.Put("sinks", 4, map[string]string{"title": "Sink C"})
	f.docs.Put("sinks", 2, map[string]string{"title": "Sink A", "vendor": "Oliveri"})
	f.docs.Put("sinks", 3, map[string]string{"title": "Sink B", "body_html": "<p>B</p>"})
	f.docs.Put("sinks", 9, map[string]string{"title": "Docs only"})

	res, err := f.engine.Reconcile(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, res.Applied)

	cs, err := f.engine.Diff(ctx, sheetToDocs())
	require.NoError(t, err)
	for _, c := range cs {
		assert.False(t, c.Applicable(), "row %d field %s still differs", c.RowNumber, c.Field)
	}

	// Target-only values survive the apply and are reported, never removed.
	rec, _ := f.docs.Get(ctx, "sinks", 3)
	assert.Equal(t, "<p>B</p>", rec.Get(model.FieldBodyHTML))
	rec, _ = f.docs.Get(ctx, "sinks", 9)
	require.NotNil(t, rec)
	assert.Contains(t, cs, model.Change{RowNumber: 9, Field: "title", TargetValue: "Docs only", Kind: model.ChangeTargetOnly})
}

func TestReconcile_WhitespaceAndMetaIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.sheet.Put("sinks", 2, map[string]string{"title": "  Sink  ", "updated_at": "2026-01-02T00:00:00Z"})
	f.docs.Put("sinks", 2, map[string]string{"title": "Sink", "updated_at": "2026-03-02T00:00:00Z"})

	res, err := f.engine.Reconcile(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 1, res.InSync)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sheet.Put("sinks", 5, map[string]string{"title": "Granite Sink"})

	req := sheetToDocs()
	req.DryRun = true
	res, err := f.engine.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, res.Changes, 1)
	assert.Empty(t, res.Applied)

	rec, err := f.docs.Get(ctx, "sinks", 5)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReconcile_Conflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seed := func(f *fixture) {
		f.sheet.Put("sinks", 2, map[string]string{"title": "Sheet Title", "updated_at": "2026-04-03T10:00:00Z"})
		f.docs.Put("sinks", 2, map[string]string{
			"title":      "Docs Title",
			"updated_at": "2026-04-02T10:00:00Z",
			"synced_at":  "2026-04-01T10:00:00Z",
		})
		// Only the sheet changed since the last sync.
		f.sheet.Put("sinks", 3, map[string]string{"title": "New", "updated_at": "2026-04-03T10:00:00Z"})
		f.docs.Put("sinks", 3, map[string]string{
			"title":      "Old",
			"updated_at": "2026-04-01T10:00:00Z",
			"synced_at":  "2026-04-01T10:00:00Z",
		})
	}

	t.Run("reported and skipped", func(t *testing.T) {
		f := newFixture(t)
		seed(f)
		req := sheetToDocs()
		req.SkipConflicts = true

		res, err := f.engine.Reconcile(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, res.Conflicts)
		assert.Equal(t, []int{2}, res.Skipped)
		assert.Equal(t, []int{3}, res.Applied)

		conflicts := res.Changes.Conflicts()
		require.Len(t, conflicts, 1)
		assert.Equal(t, "title", conflicts[0].Field)

		rec, _ := f.docs.Get(ctx, "sinks", 2)
		assert.Equal(t, "Docs Title", rec.Get(model.FieldTitle))
	})

	t.Run("source wins by default", func(t *testing.T) {
		f := newFixture(t)
		seed(f)

		res, err := f.engine.Reconcile(ctx, sheetToDocs())
		require.NoError(t, err)
		assert.Equal(t, []int{2}, res.Conflicts)
		assert.Empty(t, res.Skipped)
		assert.Equal(t, []int{2, 3}, res.Applied)

		rec, _ := f.docs.Get(ctx, "sinks", 2)
		assert.Equal(t, "Sheet Title", rec.Get(model.FieldTitle))
	})
}

func TestReconcile_RowsSubset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sheet.Put("sinks", 2, map[string]string{"title": "A"})
	f.sheet.Put("sinks", 3, map[string]string{"title": "B"})

	req := sheetToDocs()
	req.Rows = []int{3, 40}
	res, err := f.engine.Reconcile(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, res.Applied)

	rec, _ := f.docs.Get(ctx, "sinks", 2)
	assert.Nil(t, rec)
}

func TestReconcile_OwnedOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.docs.Put("sinks", 2, map[string]string{"title": "Docs Title", "body_html": "<p>x</p>"})
	f.sheet.Put("sinks", 2, map[string]string{"title": "Sheet Title"})

	req := Request{Collection: "sinks", Source: registry.StoreDocs, Target: registry.StoreSheet, OwnedOnly: true, DryRun: true}
	cs, err := f.engine.Diff(ctx, req)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "body_html", cs[0].Field)
	assert.Equal(t, model.ChangeUpdate, cs[0].Kind)
}

func TestReconcile_InvalidRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"same store", Request{Collection: "sinks", Source: "sheet", Target: "sheet"}},
		{"unknown store", Request{Collection: "sinks", Source: "sheet", Target: "crm"}},
		{"missing collection", Request{Source: "sheet", Target: "docs"}},
		{"unknown collection", Request{Collection: "taps", Source: "sheet", Target: "docs"}},
		{"header row", Request{Collection: "sinks", Source: "sheet", Target: "docs", Rows: []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Reconcile(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

type failingAdapter struct {
	*recordstore.MemoryAdapter
	readErr  error
	writeErr error
}

func (a *failingAdapter) ListAll(ctx context.Context, collection string) (map[int]model.Record, error) {
	if a.readErr != nil {
		return nil, a.readErr
	}
	return a.MemoryAdapter.ListAll(ctx, collection)
}

func (a *failingAdapter) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	if a.writeErr != nil {
		return false, a.writeErr
	}
	return a.MemoryAdapter.UpsertFields(ctx, collection, row, fields, overwrite)
}

func TestReconcile_WriteFailureReportedPerRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sheet.Put("sinks", 2, map[string]string{"title": "A"})

	docs := &failingAdapter{MemoryAdapter: f.docs, writeErr: errors.New("disk full")}
	f.engine.stores.Docs = docs

	res, err := f.engine.Reconcile(ctx, sheetToDocs())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	require.Contains(t, res.Failed, 2)
	assert.Contains(t, res.Failed[2], "disk full")
	assert.Contains(t, res.Failed[2], string(model.ErrStoreWrite))
}

func TestReconcile_ReadFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.engine.stores.Sheet = &failingAdapter{MemoryAdapter: f.sheet, readErr: errors.New("quota exceeded")}

	_, err := f.engine.Diff(context.Background(), sheetToDocs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
