package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/rules"
)

const testRegistryYAML = `
collections:
  - name: sinks
    sheet:
      tab: Sinks
    natural_key: sku
    fields:
      - {name: title, column: 0, required: true}
      - {name: sku, column: 1}
      - {name: vendor, column: 2}
      - {name: brand, column: 3}
      - {name: product_material, column: 4}
      - {name: installation_type, column: 5}
      - {name: is_undermount, column: 6, type: boolean}
      - {name: is_topmount, column: 7, type: boolean}
      - {name: is_flushmount, column: 8, type: boolean}
      - {name: overall_width_mm, column: 9, type: number}
      - {name: min_cabinet_size_mm, column: 10, type: number}
      - {name: bowls_number, column: 11, type: number}
      - {name: has_overflow, column: 12, type: boolean}
      - {name: body_html, column: 13}
      - {name: source_url, column: 14, type: url}
      - {name: enrichment_status, column: 15}
      - {name: quality_score, column: 16, type: number}
      - {name: updated_at, column: 17}
  - name: taps
    sheet:
      tab: Taps
    fields:
      - {name: title, column: 0}
      - {name: source_url, column: 1, type: url}
`

var testRules = []model.Rule{
	{Category: model.CategoryInstallation, SearchTerm: "under mount", StandardValue: "Undermount"},
	{Category: model.CategoryInstallation, SearchTerm: "drop in", StandardValue: "Topmount"},
	{Category: model.CategoryMaterial, SearchTerm: "granite", StandardValue: "Granite"},
	{Category: model.CategoryMaterial, SearchTerm: "steel", StandardValue: "Stainless Steel"},
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(testRegistryYAML))
	require.NoError(t, err)
	return reg
}

func testEngine() *rules.Engine {
	return rules.NewEngine(rules.NewSet(testRules))
}

// --- Extractor / Generator mocks ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, locator, collectionType string) (map[string]string, error) {
	args := m.Called(ctx, locator, collectionType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, record *model.Record, fields []string) (map[string]string, error) {
	args := m.Called(ctx, record, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

// extractorFunc lets a test control exactly when an extraction returns.
type extractorFunc func(ctx context.Context, locator, collectionType string) (map[string]string, error)

func (f extractorFunc) Extract(ctx context.Context, locator, collectionType string) (map[string]string, error) {
	return f(ctx, locator, collectionType)
}

// gate blocks extractions of one locator until released.
type gate struct {
	locator string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(locator string) *gate {
	return &gate{locator: locator, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wrap(fields map[string]string) extractorFunc {
	return func(_ context.Context, locator, _ string) (map[string]string, error) {
		if locator == g.locator {
			g.once.Do(func() { close(g.entered) })
			<-g.release
		}
		return fields, nil
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

// flakySheet fails the first n writes with a rate-limit error.
type flakySheet struct {
	*recordstore.MemoryAdapter
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakySheet) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return false, resilience.NewRateLimitError(context.DeadlineExceeded, time.Millisecond)
	}
	return f.MemoryAdapter.UpsertFields(ctx, collection, row, fields, overwrite)
}

func seedSinks() *recordstore.MemoryAdapter {
	sheet := recordstore.NewMemory(registry.StoreSheet)
	sheet.Put("sinks", 2, map[string]string{
		"title":      "Double Bowl Granite Sink",
		"sku":        "GS-200",
		"source_url": "https://example.com/p/gs-200",
	})
	sheet.Put("sinks", 3, map[string]string{
		"title":      "Single Bowl Steel Sink",
		"sku":        "SS-100",
		"source_url": "https://example.com/p/ss-100",
	})
	sheet.Put("sinks", 4, map[string]string{
		"title":      "Overflow Basin",
		"sku":        "OB-1",
		"source_url": "https://example.com/p/ob-1",
	})
	return sheet
}

func testMachine(t *testing.T, sheet recordstore.Adapter, ext Extractor, gen Generator) *Machine {
	t.Helper()
	return NewMachine(
		recordstore.Set{Sheet: sheet, Docs: recordstore.NewMemory(registry.StoreDocs)},
		testRegistry(t),
		ext,
		gen,
		resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 100}),
		MachineConfig{
			CallTimeout: 5 * time.Second,
			WriteRetry:  resilience.RateLimitBackoff(time.Millisecond, 3),
		},
	)
}
