// Package jobs runs enrichment jobs. A Machine advances one record through
// the pipeline stages; the Orchestrator schedules whole jobs on background
// workers and reports their progress.
package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/rules"
)

// Extractor turns a source locator into raw field values.
type Extractor interface {
	Extract(ctx context.Context, locator, collectionType string) (map[string]string, error)
}

// Generator writes derived content fields for a record.
type Generator interface {
	Generate(ctx context.Context, record *model.Record, fields []string) (map[string]string, error)
}

// GeneratedFields are the content fields requested from the Generator.
var GeneratedFields = []string{model.FieldBodyHTML, model.FieldFeatures, model.FieldCareInstructions}

// EnrichmentReady is the enrichment_status written once cleaning has run.
const EnrichmentReady = "ready"

// Breaker names used by the machine.
const (
	BreakerExtract  = "extract"
	BreakerGenerate = "generate"
)

// MachineConfig bounds the collaborator calls made for each record.
type MachineConfig struct {
	// CallTimeout bounds each extraction, generation and store call.
	// Zero disables the bound.
	CallTimeout time.Duration
	// WriteRetry is applied to every store write.
	WriteRetry resilience.RetryConfig
}

// Machine advances single records through
// pending → extracting → generating → cleaning → ready, or failed.
type Machine struct {
	stores    recordstore.Set
	registry  *registry.Registry
	extractor Extractor
	generator Generator
	breakers  *resilience.Breakers
	cfg       MachineConfig
	now       func() time.Time
}

// NewMachine creates a Machine. generator may be nil, in which case the
// generating stage is a no-op. breakers may be nil.
func NewMachine(stores recordstore.Set, reg *registry.Registry, ext Extractor, gen Generator, breakers *resilience.Breakers, cfg MachineConfig) *Machine {
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.BreakerConfig{})
	}
	return &Machine{
		stores:    stores,
		registry:  reg,
		extractor: ext,
		generator: gen,
		breakers:  breakers,
		cfg:       cfg,
		now:       time.Now,
	}
}

// run carries one record through the stages.
type run struct {
	m       *Machine
	coll    *registry.Collection
	store   recordstore.Adapter // the collection's authoritative store
	owners  map[string]recordstore.Adapter
	state   model.JobRecordState
	record  model.Record
	onStage func(model.JobRecordState)
	log     *zap.Logger
	start   time.Time
}

// Process runs every stage for ref and returns its terminal state. Stage
// failures never escape as errors: extraction failures fail the record,
// later failures are attached to the state and the record still completes.
// onStage, when set, observes every transition in order.
func (m *Machine) Process(ctx context.Context, collection string, ref model.RecordRef, engine *rules.Engine, onStage func(model.JobRecordState)) model.JobRecordState {
	start := m.now()
	r := &run{
		m:       m,
		state:   model.NewJobRecordState(ref),
		onStage: onStage,
		start:   start,
		log: zap.L().With(
			zap.String("collection", collection),
			zap.String("record", ref.ID()),
		),
	}
	r.state.StartedAt = &start

	coll, err := m.registry.Collection(collection)
	if err != nil {
		r.fail(model.NewStageError(model.ErrExtraction, model.StagePending, err))
		return r.state
	}
	r.coll = coll

	adapter, err := m.stores.Get(coll.Authoritative)
	if err != nil {
		r.fail(model.NewStageError(model.ErrStoreWrite, model.StagePending, err))
		return r.state
	}
	r.store = recordstore.Retry(adapter, m.cfg.WriteRetry)
	r.owners = map[string]recordstore.Adapter{coll.Authoritative: r.store}

	if !r.extract(ctx, ref) {
		return r.state
	}
	r.generate(ctx)
	r.clean(ctx, engine)
	r.finish()
	return r.state
}

func (r *run) advance(to model.Stage) {
	if !model.CanAdvance(r.state.Stage, to) {
		r.log.Error("jobs: illegal stage transition",
			zap.String("from", string(r.state.Stage)),
			zap.String("to", string(to)),
		)
		return
	}
	r.state.Stage = to
	r.emit()
}

func (r *run) emit() {
	if r.onStage != nil {
		r.onStage(r.state.Clone())
	}
}

func (r *run) fail(err error) {
	kind := model.KindOf(err)
	if kind == "" {
		kind = model.ErrExtraction
	}
	r.state.AddError(kind, err.Error())
	r.state.ErrorClass = resilience.ClassifyError(err)
	r.state.FailedStage = r.state.Stage
	r.state.Stage = model.StageFailed
	r.stamp()
	r.log.Warn("jobs: record failed", zap.String("kind", string(kind)), zap.Error(err))
	r.emit()
}

// soft attaches a non-fatal stage error and lets processing continue.
func (r *run) soft(kind model.ErrorKind, stage model.Stage, err error) {
	se := model.NewStageError(kind, stage, err)
	r.state.AddError(kind, se.Error())
	r.log.Warn("jobs: stage error", zap.String("stage", string(stage)), zap.String("kind", string(kind)), zap.Error(err))
}

func (r *run) stamp() {
	end := r.m.now()
	r.state.CompletedAt = &end
	r.state.DurationMS = end.Sub(r.start).Milliseconds()
}

func (r *run) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.m.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.m.cfg.CallTimeout)
}

func (r *run) timestamp() string {
	return r.m.now().UTC().Format(time.RFC3339)
}

// extract runs stage 1. It loads the existing record, calls the extractor and
// writes the merged result, assigning a row number to new records.
func (r *run) extract(ctx context.Context, ref model.RecordRef) bool {
	r.advance(model.StageExtracting)

	r.record = model.Record{Collection: r.coll.Name, RowNumber: ref.RowNumber}
	if ref.RowNumber > 0 {
		cctx, cancel := r.callCtx(ctx)
		existing, err := r.store.Get(cctx, r.coll.Name, ref.RowNumber)
		cancel()
		if err != nil {
			r.fail(model.NewStageError(model.ErrStoreWrite, model.StageExtracting, eris.Wrap(err, "jobs: load record")))
			return false
		}
		if existing != nil {
			r.record = existing.Clone()
			r.record.RowNumber = ref.RowNumber
		}
		r.loadOwned(ctx)
	}

	locator := strings.TrimSpace(ref.SourceURL)
	if locator == "" {
		locator = strings.TrimSpace(r.record.Get(model.FieldSourceURL))
	}
	if locator == "" {
		r.fail(model.NewStageError(model.ErrExtraction, model.StageExtracting, eris.New("jobs: record has no source locator")))
		return false
	}

	cctx, cancel := r.callCtx(ctx)
	fields, err := resilience.ExecuteVal(cctx, r.m.breakers.Get(BreakerExtract), func(ctx context.Context) (map[string]string, error) {
		return r.m.extractor.Extract(ctx, locator, r.coll.Type)
	})
	cancel()
	if err != nil {
		r.fail(model.NewStageError(model.ErrExtraction, model.StageExtracting, err))
		return false
	}

	write := make(map[string]string, len(fields)+2)
	for k, v := range fields {
		if k == model.FieldRowNumber || model.MetaFields[k] {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			write[k] = v
		}
	}
	write[model.FieldSourceURL] = locator
	write[model.FieldUpdatedAt] = r.timestamp()
	r.record.Merge(write)

	if r.record.RowNumber == 0 {
		groups := r.byOwner(r.record.Fields())
		cctx, cancel := r.callCtx(ctx)
		var row int
		row, err = r.store.Append(cctx, r.coll.Name, groups[r.coll.Authoritative])
		cancel()
		if err != nil {
			r.fail(model.NewStageError(model.ErrStoreWrite, model.StageExtracting, eris.Wrap(err, "jobs: append record")))
			return false
		}
		r.record.RowNumber = row
		delete(groups, r.coll.Authoritative)
		err = r.writeGroups(ctx, groups)
	} else {
		err = r.write(ctx, write)
	}
	if err != nil {
		r.fail(model.NewStageError(model.ErrStoreWrite, model.StageExtracting, eris.Wrap(err, "jobs: write extracted fields")))
		return false
	}
	r.state.RowNumber = r.record.RowNumber
	r.log.Debug("jobs: extracted", zap.Int("row", r.record.RowNumber), zap.Int("fields", len(fields)))
	return true
}

// generate runs stage 2. Failures are recorded and never stop the record.
func (r *run) generate(ctx context.Context) {
	r.advance(model.StageGenerating)
	if r.m.generator == nil {
		return
	}

	cctx, cancel := r.callCtx(ctx)
	content, err := resilience.ExecuteVal(cctx, r.m.breakers.Get(BreakerGenerate), func(ctx context.Context) (map[string]string, error) {
		return r.m.generator.Generate(ctx, &r.record, GeneratedFields)
	})
	cancel()
	if err != nil {
		r.soft(model.ErrGeneration, model.StageGenerating, err)
		return
	}

	write := make(map[string]string, len(GeneratedFields)+1)
	for _, f := range GeneratedFields {
		if v := strings.TrimSpace(content[f]); v != "" {
			write[f] = v
		}
	}
	if len(write) == 0 {
		return
	}
	r.state.GeneratedContent = make(map[string]string, len(write))
	for k, v := range write {
		r.state.GeneratedContent[k] = v
	}
	write[model.FieldUpdatedAt] = r.timestamp()
	r.record.Merge(write)

	if err := r.write(ctx, write); err != nil {
		r.soft(model.ErrStoreWrite, model.StageGenerating, eris.Wrap(err, "jobs: write generated content"))
	}
}

// clean runs stage 3: normalize, score and write back only what changed.
func (r *run) clean(ctx context.Context, engine *rules.Engine) {
	r.advance(model.StageCleaning)

	next := engine.Normalize(&r.record, "", "")
	score, problems := r.coll.Validate(&next)
	next.SetScore(score)
	next.Set(model.FieldEnrichmentStatus, EnrichmentReady)
	if len(problems) > 0 {
		r.log.Debug("jobs: validation problems", zap.Int("count", len(problems)), zap.Any("problems", problems))
	}

	diff := r.record.Changed(&next)
	r.record = next
	if len(diff) == 0 {
		return
	}
	diff[model.FieldUpdatedAt] = r.timestamp()
	r.record.Set(model.FieldUpdatedAt, diff[model.FieldUpdatedAt])

	if err := r.write(ctx, diff); err != nil {
		r.soft(model.ErrStoreWrite, model.StageCleaning, eris.Wrap(err, "jobs: write normalized fields"))
	}
}

// adapter returns the retrying adapter for a store, opening it on first use.
func (r *run) adapter(name string) (recordstore.Adapter, error) {
	if a, ok := r.owners[name]; ok {
		return a, nil
	}
	a, err := r.m.stores.Get(name)
	if err != nil {
		return nil, err
	}
	a = recordstore.Retry(a, r.m.cfg.WriteRetry)
	r.owners[name] = a
	return a, nil
}

// byOwner splits fields by the store that owns each one. Meta fields travel
// with every group that carries data.
func (r *run) byOwner(fields map[string]string) map[string]map[string]string {
	groups := make(map[string]map[string]string)
	for k, v := range fields {
		if model.MetaFields[k] {
			continue
		}
		owner := r.coll.OwnerOf(k)
		if groups[owner] == nil {
			groups[owner] = make(map[string]string)
		}
		groups[owner][k] = v
	}
	for _, g := range groups {
		for k := range model.MetaFields {
			if v, ok := fields[k]; ok {
				g[k] = v
			}
		}
	}
	return groups
}

// write upserts fields into their owning stores, the authoritative store first.
func (r *run) write(ctx context.Context, fields map[string]string) error {
	groups := r.byOwner(fields)
	if g, ok := groups[r.coll.Authoritative]; ok {
		if err := r.upsert(ctx, r.coll.Authoritative, g); err != nil {
			return err
		}
		delete(groups, r.coll.Authoritative)
	}
	return r.writeGroups(ctx, groups)
}

func (r *run) writeGroups(ctx context.Context, groups map[string]map[string]string) error {
	for _, name := range []string{registry.StoreSheet, registry.StoreDocs} {
		if g, ok := groups[name]; ok {
			if err := r.upsert(ctx, name, g); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) upsert(ctx context.Context, store string, fields map[string]string) error {
	a, err := r.adapter(store)
	if err != nil {
		return err
	}
	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	_, err = a.UpsertFields(cctx, r.coll.Name, r.record.RowNumber, fields, true)
	return eris.Wrapf(err, "jobs: write %s", store)
}

// loadOwned overlays fields owned by the non-authoritative store onto the
// loaded record. A failed read only costs context for generation.
func (r *run) loadOwned(ctx context.Context) {
	other := recordstore.Other(r.coll.Authoritative)
	owned := r.coll.OwnedBy(other)
	if len(owned) == 0 {
		return
	}
	a, err := r.adapter(other)
	if err != nil {
		r.log.Warn("jobs: owner store unavailable", zap.String("store", other), zap.Error(err))
		return
	}
	cctx, cancel := r.callCtx(ctx)
	rec, err := a.Get(cctx, r.coll.Name, r.record.RowNumber)
	cancel()
	if err != nil {
		r.log.Warn("jobs: load owned fields", zap.String("store", other), zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	for _, f := range owned {
		if v := rec.Get(f); v != "" {
			r.record.Set(f, v)
		}
	}
}

func (r *run) finish() {
	r.stamp()
	r.advance(model.StageReady)
	r.log.Info("jobs: record ready",
		zap.Int("row", r.state.RowNumber),
		zap.Int64("duration_ms", r.state.DurationMS),
		zap.Bool("partial", r.state.ErrorMessage != ""),
	)
}
