package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidRequest marks a request rejected before any store is read.
var ErrInvalidRequest = eris.New("reconcile: invalid request")

// Engine diffs and reconciles collections between the two stores. Runs on
// the same collection are serialized.
type Engine struct {
	stores     recordstore.Set
	registry   *registry.Registry
	writeRetry resilience.RetryConfig
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an Engine. writeRetry is applied to every target write.
func NewEngine(stores recordstore.Set, reg *registry.Registry, writeRetry resilience.RetryConfig) *Engine {
	return &Engine{
		stores:     stores,
		registry:   reg,
		writeRetry: writeRetry,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Result summarizes a reconciliation run.
type Result struct {
	Collection string          `json:"collection"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	DryRun     bool            `json:"dry_run"`
	Changes    model.ChangeSet `json:"changes"`
	// Applied lists rows written to the target.
	Applied []int `json:"applied,omitempty"`
	// Conflicts lists rows changed on both sides since the last sync.
	Conflicts []int `json:"conflicts,omitempty"`
	// Skipped lists conflicting rows left untouched.
	Skipped []int `json:"skipped,omitempty"`
	// Failed maps rows whose write failed to the error message.
	Failed map[int]string `json:"failed,omitempty"`
	// InSync counts compared rows with no applicable change.
	InSync int `json:"in_sync"`
}

func (e *Engine) lock(collection string) func() {
	e.mu.Lock()
	l, ok := e.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		e.locks[collection] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Reconcile copies every differing field from req.Source into req.Target and
// stamps synced_at, updated_at and sync_source on each written row. Fields
// present only in the target are never removed. Conflicting rows are written
// source-wins unless req.SkipConflicts is set. Write failures are reported
// per row in the Result.
func (e *Engine) Reconcile(ctx context.Context, req Request) (*Result, error) {
	unlock := e.lock(req.Collection)
	defer unlock()

	log := zap.L().With(
		zap.String("collection", req.Collection),
		zap.String("source", req.Source),
		zap.String("target", req.Target),
		zap.Bool("dry_run", req.DryRun),
	)

	snap, err := e.load(ctx, req)
	if err != nil {
		return nil, err
	}
	cs := diff(snap, req.Rows)

	res := &Result{
		Collection: req.Collection,
		Source:     req.Source,
		Target:     req.Target,
		DryRun:     req.DryRun,
		Changes:    cs,
		Conflicts:  rowsOf(cs.Conflicts()),
	}
	res.InSync = countInSync(snap, req.Rows, cs)
	for _, row := range res.Conflicts {
		log.Warn("reconcile: conflict",
			zap.String("kind", string(model.ErrConflict)),
			zap.Int("row", row),
		)
	}

	if req.DryRun {
		log.Info("reconcile: dry run", zap.Int("changes", len(cs)), zap.Int("conflicts", len(res.Conflicts)))
		return res, nil
	}

	tgt, err := e.target(req.Target)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: target")
	}

	byRow := cs.ByRow()
	stamp := e.now().UTC().Format(time.RFC3339)
	for _, row := range rowsOf(cs) {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "reconcile: interrupted")
		}

		fields := make(map[string]string)
		conflict := false
		for _, c := range byRow[row] {
			if !c.Applicable() {
				continue
			}
			fields[c.Field] = c.SourceValue
			conflict = conflict || c.Conflict
		}
		if len(fields) == 0 {
			continue
		}
		if conflict && req.SkipConflicts {
			res.Skipped = append(res.Skipped, row)
			continue
		}
		fields[model.FieldSyncedAt] = stamp
		fields[model.FieldUpdatedAt] = stamp
		fields[model.FieldSyncSource] = req.Source

		if _, err := tgt.UpsertFields(ctx, req.Collection, row, fields, true); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[int]string)
			}
			res.Failed[row] = string(model.ErrStoreWrite) + ": " + err.Error()
			log.Error("reconcile: write failed", zap.Int("row", row), zap.Error(err))
			continue
		}
		res.Applied = append(res.Applied, row)
	}

	log.Info("reconcile: applied",
		zap.Int("changes", len(cs)),
		zap.Int("rows_applied", len(res.Applied)),
		zap.Int("rows_skipped", len(res.Skipped)),
		zap.Int("rows_failed", len(res.Failed)),
	)
	return res, nil
}

// countInSync counts compared rows that have no applicable change.
func countInSync(snap *snapshot, only []int, cs model.ChangeSet) int {
	pending := make(map[int]bool)
	for _, c := range cs {
		if c.Applicable() {
			pending[c.RowNumber] = true
		}
	}
	rows := make(map[int]bool)
	if len(only) > 0 {
		for _, r := range only {
			_, s := snap.source[r]
			_, t := snap.target[r]
			if s || t {
				rows[r] = true
			}
		}
	} else {
		for r := range snap.source {
			rows[r] = true
		}
		for r := range snap.target {
			rows[r] = true
		}
	}
	n := 0
	for r := range rows {
		if !pending[r] {
			n++
		}
	}
	return n
}
