package model

import (
	"cmp"
	"slices"
)

// ChangeKind describes how a detected divergence would be resolved.
type ChangeKind string

const (
	// ChangeCreate is a field of a record missing entirely from the target.
	ChangeCreate ChangeKind = "create"
	// ChangeUpdate is a field whose source value differs from the target.
	ChangeUpdate ChangeKind = "update"
	// ChangeTargetOnly is a value present only in the target. Reported, never applied.
	ChangeTargetOnly ChangeKind = "target_only"
)

// Change is one field-level divergence between two stores.
type Change struct {
	RowNumber   int        `json:"row_number"`
	Field       string     `json:"field"`
	SourceValue string     `json:"source_value"`
	TargetValue string     `json:"target_value"`
	Kind        ChangeKind `json:"kind"`
	Conflict    bool       `json:"conflict,omitempty"`
}

// Applicable reports whether applying the change writes to the target.
func (c Change) Applicable() bool {
	return c.Kind == ChangeCreate || c.Kind == ChangeUpdate
}

// ChangeSet is an ordered sequence of changes, sorted by row then field.
type ChangeSet []Change

// Sort orders the set by row number, then field name.
func (cs ChangeSet) Sort() {
	slices.SortFunc(cs, func(a, b Change) int {
		if c := cmp.Compare(a.RowNumber, b.RowNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.Field, b.Field)
	})
}

// Rows returns the distinct row numbers in order of appearance.
func (cs ChangeSet) Rows() []int {
	var rows []int
	seen := make(map[int]bool)
	for _, c := range cs {
		if !seen[c.RowNumber] {
			seen[c.RowNumber] = true
			rows = append(rows, c.RowNumber)
		}
	}
	return rows
}

// ByRow groups changes per row number.
func (cs ChangeSet) ByRow() map[int][]Change {
	out := make(map[int][]Change)
	for _, c := range cs {
		out[c.RowNumber] = append(out[c.RowNumber], c)
	}
	return out
}

// Conflicts returns the changes flagged as conflicting.
func (cs ChangeSet) Conflicts() ChangeSet {
	var out ChangeSet
	for _, c := range cs {
		if c.Conflict {
			out = append(out, c)
		}
	}
	return out
}
