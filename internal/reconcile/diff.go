// Package reconcile compares a collection across the sheet and document
// stores and copies diverging fields from one to the other.
package reconcile

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
)

// Request selects what to compare and how to apply it.
type Request struct {
	Collection string `json:"collection" validate:"required"`
	// Source and Target name stores: "sheet" or "docs".
	Source string `json:"source" validate:"required,oneof=sheet docs"`
	Target string `json:"target" validate:"required,oneof=sheet docs,nefield=Source"`
	// Rows limits the run to these row numbers. Empty means every row.
	Rows []int `json:"rows,omitempty" validate:"omitempty,dive,min=2"`
	// DryRun computes the change set without writing.
	DryRun bool `json:"dry_run"`
	// SkipConflicts leaves rows changed on both sides untouched.
	SkipConflicts bool `json:"skip_conflicts"`
	// OwnedOnly restricts the comparison to fields owned by the source.
	OwnedOnly bool `json:"owned_only"`
}

type snapshot struct {
	coll   *registry.Collection
	source map[int]model.Record
	target map[int]model.Record
	fields []string
}

// Diff reports every field-level divergence from req.Source to req.Target.
func (e *Engine) Diff(ctx context.Context, req Request) (model.ChangeSet, error) {
	snap, err := e.load(ctx, req)
	if err != nil {
		return nil, err
	}
	return diff(snap, req.Rows), nil
}

// load reads both stores concurrently.
func (e *Engine) load(ctx context.Context, req Request) (*snapshot, error) {
	if err := validate.Struct(req); err != nil {
		return nil, eris.Wrap(ErrInvalidRequest, err.Error())
	}
	coll, err := e.registry.Collection(req.Collection)
	if err != nil {
		return nil, eris.Wrap(ErrInvalidRequest, err.Error())
	}
	src, err := e.stores.Get(req.Source)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: source")
	}
	tgt, err := e.stores.Get(req.Target)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: target")
	}

	snap := &snapshot{coll: coll, fields: compareFields(coll, req)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := src.ListAll(gctx, coll.Name)
		snap.source = recs
		return eris.Wrapf(err, "reconcile: read %s", req.Source)
	})
	g.Go(func() error {
		recs, err := tgt.ListAll(gctx, coll.Name)
		snap.target = recs
		return eris.Wrapf(err, "reconcile: read %s", req.Target)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// compareFields returns the registry fields taking part in the diff.
func compareFields(coll *registry.Collection, req Request) []string {
	var out []string
	for _, name := range coll.FieldNames() {
		if model.MetaFields[name] || name == model.FieldRowNumber {
			continue
		}
		if req.OwnedOnly && coll.OwnerOf(name) != req.Source {
			continue
		}
		out = append(out, name)
	}
	return out
}

func diff(snap *snapshot, only []int) model.ChangeSet {
	rows := make(map[int]bool)
	for row := range snap.source {
		rows[row] = true
	}
	for row := range snap.target {
		rows[row] = true
	}
	if len(only) > 0 {
		keep := make(map[int]bool, len(only))
		for _, r := range only {
			keep[r] = rows[r]
		}
		rows = keep
	}

	var cs model.ChangeSet
	for row, present := range rows {
		if !present {
			continue
		}
		s, inSource := snap.source[row]
		t, inTarget := snap.target[row]
		cs = append(cs, diffRow(row, s, inSource, t, inTarget, snap.fields)...)
	}
	cs.Sort()
	return cs
}

func diffRow(row int, s model.Record, inSource bool, t model.Record, inTarget bool, fields []string) model.ChangeSet {
	var (
		out      model.ChangeSet
		conflict = inSource && inTarget && changedOnBothSides(&s, &t)
	)
	for _, f := range fields {
		sv := value(&s, inSource, f)
		tv := value(&t, inTarget, f)
		if sv == tv {
			continue
		}
		c := model.Change{RowNumber: row, Field: f, SourceValue: sv, TargetValue: tv}
		switch {
		case sv == "":
			c.Kind = model.ChangeTargetOnly
		case !inTarget:
			c.Kind = model.ChangeCreate
		default:
			c.Kind = model.ChangeUpdate
			c.Conflict = conflict
		}
		out = append(out, c)
	}
	return out
}

// value returns the canonical form of a field: trimmed, "" when absent.
func value(r *model.Record, present bool, field string) string {
	if !present {
		return ""
	}
	return strings.TrimSpace(r.Get(field))
}

// changedOnBothSides reports whether both records were updated after the
// target's last sync. A target that was never synced cannot conflict.
func changedOnBothSides(source, target *model.Record) bool {
	synced, ok := parseTime(target.Get(model.FieldSyncedAt))
	if !ok {
		return false
	}
	su, sok := parseTime(source.Get(model.FieldUpdatedAt))
	tu, tok := parseTime(target.Get(model.FieldUpdatedAt))
	return sok && tok && su.After(synced) && tu.After(synced)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// rowsOf returns the sorted distinct rows of a change set.
func rowsOf(cs model.ChangeSet) []int {
	rows := cs.Rows()
	slices.Sort(rows)
	return rows
}

// target returns the adapter writes go to.
func (e *Engine) target(name string) (recordstore.Adapter, error) {
	a, err := e.stores.Get(name)
	if err != nil {
		return nil, err
	}
	return recordstore.Retry(a, e.writeRetry), nil
}
