package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

func TestMachine_Process_AllStages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := seedSinks()

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, "https://example.com/p/gs-200", "sinks").Return(map[string]string{
		"installation_type": "Under Mount",
		"overall_width_mm":  "500",
		"vendor":            "Abey",
	}, nil)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, GeneratedFields).Return(map[string]string{
		"body_html":         "<p>A sink.</p>",
		"features":          "Two bowls",
		"care_instructions": "",
	}, nil)

	m := testMachine(t, sheet, ext, gen)

	var stages []model.Stage
	st := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 2}, testEngine(), func(s model.JobRecordState) {
		stages = append(stages, s.Stage)
	})

	assert.Equal(t, []model.Stage{
		model.StageExtracting, model.StageGenerating, model.StageCleaning, model.StageReady,
	}, stages)
	assert.Equal(t, model.StageReady, st.Stage)
	assert.Empty(t, st.ErrorMessage)
	assert.Equal(t, 2, st.RowNumber)
	assert.Equal(t, map[string]string{"body_html": "<p>A sink.</p>", "features": "Two bowls"}, st.GeneratedContent)
	require.NotNil(t, st.StartedAt)
	require.NotNil(t, st.CompletedAt)

	rec, err := sheet.Get(ctx, "sinks", 2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Undermount", rec.Get(model.FieldInstallationType))
	assert.Equal(t, model.BoolTrue, rec.Get(model.FieldIsUndermount))
	assert.Equal(t, model.BoolFalse, rec.Get(model.FieldIsTopmount))
	assert.Equal(t, "600", rec.Get(model.FieldMinCabinetSize))
	assert.Equal(t, "2", rec.Get(model.FieldBowlsNumber))
	assert.Equal(t, "Granite", rec.Get(model.FieldMaterial))
	assert.Equal(t, "Abey", rec.Get(model.FieldBrand))
	assert.Equal(t, "<p>A sink.</p>", rec.Get(model.FieldBodyHTML))
	assert.Equal(t, EnrichmentReady, rec.Get(model.FieldEnrichmentStatus))
	score, ok := rec.Score()
	require.True(t, ok)
	assert.Greater(t, score, 0.0)
	assert.True(t, rec.Has(model.FieldUpdatedAt))

	ext.AssertExpectations(t)
	gen.AssertExpectations(t)
}

func TestMachine_Process_ExtractionFailureWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := seedSinks()
	before, _ := sheet.Get(ctx, "sinks", 3)

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, "https://example.com/p/ss-100", "sinks").Return(nil, errors.New("page not found"))
	gen := &mockGenerator{}

	m := testMachine(t, sheet, ext, gen)
	st := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 3}, testEngine(), nil)

	assert.Equal(t, model.StageFailed, st.Stage)
	assert.Equal(t, model.ErrExtraction, st.ErrorKind)
	assert.Contains(t, st.ErrorMessage, "page not found")

	after, _ := sheet.Get(ctx, "sinks", 3)
	assert.Equal(t, before, after)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestMachine_Process_GenerationFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := seedSinks()

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, "sinks").Return(map[string]string{"installation_type": "drop in"}, nil)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("model overloaded"))

	m := testMachine(t, sheet, ext, gen)
	st := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 3}, testEngine(), nil)

	assert.Equal(t, model.StageReady, st.Stage)
	assert.Equal(t, model.ErrGeneration, st.ErrorKind)
	assert.Contains(t, st.ErrorMessage, "model overloaded")
	assert.Nil(t, st.GeneratedContent)

	rec, _ := sheet.Get(ctx, "sinks", 3)
	assert.Equal(t, "Topmount", rec.Get(model.FieldInstallationType))
	assert.Equal(t, model.BoolTrue, rec.Get(model.FieldIsTopmount))
	assert.Equal(t, "1", rec.Get(model.FieldBowlsNumber))
	assert.Equal(t, "Stainless Steel", rec.Get(model.FieldMaterial))
}

func TestMachine_Process_NewRecordIsAppended(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := recordstore.NewMemory(registry.StoreSheet)

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, "https://example.com/p/new", "sinks").Return(map[string]string{
		"title": "Twin Bowl Sink",
	}, nil)

	m := testMachine(t, sheet, ext, nil)
	st := m.Process(ctx, "sinks", model.RecordRef{SourceURL: "https://example.com/p/new"}, testEngine(), nil)

	require.Equal(t, model.StageReady, st.Stage)
	assert.Equal(t, recordstore.FirstDataRow, st.RowNumber)
	assert.Equal(t, "url:https://example.com/p/new", st.RecordID)

	rec, err := sheet.Get(ctx, "sinks", recordstore.FirstDataRow)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Twin Bowl Sink", rec.Get(model.FieldTitle))
	assert.Equal(t, "https://example.com/p/new", rec.Get(model.FieldSourceURL))
	assert.Equal(t, "2", rec.Get(model.FieldBowlsNumber))
}

func TestMachine_Process_NoLocator(t *testing.T) {
	t.Parallel()
	sheet := recordstore.NewMemory(registry.StoreSheet)
	sheet.Put("sinks", 2, map[string]string{"title": "No URL"})
	ext := &mockExtractor{}

	st := testMachine(t, sheet, ext, nil).Process(context.Background(), "sinks", model.RecordRef{RowNumber: 2}, testEngine(), nil)

	assert.Equal(t, model.StageFailed, st.Stage)
	assert.Equal(t, model.ErrExtraction, st.ErrorKind)
	ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
}

func TestMachine_Process_RateLimitedWriteIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := &flakySheet{MemoryAdapter: seedSinks(), fails: 2}

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(map[string]string{"vendor": "Abey"}, nil)

	st := testMachine(t, sheet, ext, nil).Process(ctx, "sinks", model.RecordRef{RowNumber: 2}, testEngine(), nil)

	assert.Equal(t, model.StageReady, st.Stage)
	assert.Empty(t, st.ErrorMessage)
	rec, _ := sheet.Get(ctx, "sinks", 2)
	assert.Equal(t, "Abey", rec.Get(model.FieldVendor))
}

func TestMachine_Process_WriteFailureInExtractIsFatal(t *testing.T) {
	t.Parallel()
	sheet := &flakySheet{MemoryAdapter: seedSinks(), fails: 10}

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(map[string]string{"vendor": "Abey"}, nil)

	st := testMachine(t, sheet, ext, nil).Process(context.Background(), "sinks", model.RecordRef{RowNumber: 2}, testEngine(), nil)

	assert.Equal(t, model.StageFailed, st.Stage)
	assert.Equal(t, model.ErrStoreWrite, st.ErrorKind)
	assert.Equal(t, 3, sheet.calls)
}

func TestMachine_Process_OpenBreakerFailsFast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sheet := seedSinks()

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	m := NewMachine(
		recordstore.Set{Sheet: sheet},
		testRegistry(t),
		ext,
		nil,
		resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}),
		MachineConfig{},
	)

	first := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 2}, testEngine(), nil)
	second := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 3}, testEngine(), nil)

	assert.Equal(t, model.StageFailed, first.Stage)
	assert.Equal(t, model.StageFailed, second.Stage)
	assert.Equal(t, model.ErrExtraction, second.ErrorKind)
	assert.Contains(t, second.ErrorMessage, "circuit breaker is open")
	ext.AssertNumberOfCalls(t, "Extract", 1)
}

func TestMachine_Process_UnknownCollection(t *testing.T) {
	t.Parallel()
	st := testMachine(t, seedSinks(), &mockExtractor{}, nil).
		Process(context.Background(), "vanities", model.RecordRef{RowNumber: 2}, testEngine(), nil)
	assert.Equal(t, model.StageFailed, st.Stage)
}

const ownedRegistryYAML = `
collections:
  - name: sinks
    sheet:
      tab: Sinks
    authoritative: sheet
    fields:
      - {name: title, column: 0}
      - {name: installation_type, column: 1}
      - {name: source_url, column: 2, type: url}
      - {name: enrichment_status, column: 3}
      - {name: updated_at, column: 4}
      - {name: body_html, column: 5, owner: docs}
      - {name: features, column: 6, owner: docs}
      - {name: care_instructions, column: 7, owner: docs}
`

func TestMachine_Process_WritesFieldsToTheirOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Parse([]byte(ownedRegistryYAML))
	require.NoError(t, err)

	sheet := recordstore.NewMemory(registry.StoreSheet)
	sheet.Put("sinks", 2, map[string]string{"title": "Granite Sink", "source_url": "https://example.com/p/1"})
	docs := recordstore.NewMemory(registry.StoreDocs)
	docs.Put("sinks", 2, map[string]string{"care_instructions": "Wipe dry"})

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(map[string]string{"installation_type": "drop in"}, nil)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(r *model.Record) bool {
		return r.Get(model.FieldCareInstructions) == "Wipe dry"
	}), GeneratedFields).Return(map[string]string{"body_html": "<p>hi</p>", "features": "Deep bowl"}, nil)

	m := NewMachine(recordstore.Set{Sheet: sheet, Docs: docs}, reg, ext, gen, nil, MachineConfig{
		WriteRetry: resilience.RateLimitBackoff(time.Millisecond, 2),
	})
	st := m.Process(ctx, "sinks", model.RecordRef{RowNumber: 2}, testEngine(), nil)
	require.Equal(t, model.StageReady, st.Stage, st.ErrorMessage)

	doc, err := docs.Get(ctx, "sinks", 2)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "<p>hi</p>", doc.Get(model.FieldBodyHTML))
	assert.Equal(t, "Deep bowl", doc.Get(model.FieldFeatures))
	assert.Equal(t, "Wipe dry", doc.Get(model.FieldCareInstructions))
	assert.True(t, doc.Has(model.FieldUpdatedAt))
	assert.Empty(t, doc.Get(model.FieldInstallationType))

	row, err := sheet.Get(ctx, "sinks", 2)
	require.NoError(t, err)
	assert.Equal(t, "Topmount", row.Get(model.FieldInstallationType))
	assert.Equal(t, EnrichmentReady, row.Get(model.FieldEnrichmentStatus))
	assert.Empty(t, row.Get(model.FieldBodyHTML))
	assert.Empty(t, row.Get(model.FieldFeatures))
	gen.AssertExpectations(t)
}

func TestMachine_Process_NewRecordSplitsAcrossOwners(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg, err := registry.Parse([]byte(ownedRegistryYAML))
	require.NoError(t, err)
	sheet := recordstore.NewMemory(registry.StoreSheet)
	docs := recordstore.NewMemory(registry.StoreDocs)

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, mock.Anything, mock.Anything).Return(map[string]string{
		"title": "Basin", "body_html": "<p>from page</p>",
	}, nil)

	m := NewMachine(recordstore.Set{Sheet: sheet, Docs: docs}, reg, ext, nil, nil, MachineConfig{})
	st := m.Process(ctx, "sinks", model.RecordRef{SourceURL: "https://example.com/p/9"}, testEngine(), nil)
	require.Equal(t, model.StageReady, st.Stage, st.ErrorMessage)

	row, _ := sheet.Get(ctx, "sinks", st.RowNumber)
	require.NotNil(t, row)
	assert.Equal(t, "Basin", row.Get(model.FieldTitle))
	assert.Empty(t, row.Get(model.FieldBodyHTML))

	doc, _ := docs.Get(ctx, "sinks", st.RowNumber)
	require.NotNil(t, doc)
	assert.Equal(t, "<p>from page</p>", doc.Get(model.FieldBodyHTML))
}
