package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusQueued, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestCanAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StagePending, StageExtracting, true},
		{StageExtracting, StageGenerating, true},
		{StageGenerating, StageCleaning, true},
		{StageCleaning, StageReady, true},
		{StagePending, StageGenerating, false},
		{StageCleaning, StageExtracting, false},
		{StageExtracting, StageFailed, true},
		{StagePending, StageFailed, true},
		{StageReady, StageFailed, false},
		{StageFailed, StageExtracting, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanAdvance(tt.from, tt.to))
		})
	}
}

func TestRecordRefID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "row:12", RecordRef{RowNumber: 12, SourceURL: "https://x"}.ID())
	assert.Equal(t, "url:https://x", RecordRef{SourceURL: "https://x"}.ID())
}

func TestJobClone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := Job{
		ID:      "j1",
		Records: []RecordRef{{RowNumber: 1}},
		RecordStates: []JobRecordState{
			{RecordID: "row:1", GeneratedContent: map[string]string{"body_html": "<p>x</p>"}},
		},
		StartedAt: &now,
	}

	c := j.Clone()
	c.Records[0].RowNumber = 2
	c.RecordStates[0].GeneratedContent["body_html"] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, 1, j.Records[0].RowNumber)
	assert.Equal(t, "<p>x</p>", j.RecordStates[0].GeneratedContent["body_html"])
	assert.Equal(t, now, *j.StartedAt)
	assert.Equal(t, []string{"row:1"}, j.RecordIDs())
}

func TestJobRecordState_AddError(t *testing.T) {
	t.Parallel()

	s := NewJobRecordState(RecordRef{RowNumber: 4})
	assert.Equal(t, StagePending, s.Stage)

	s.AddError(ErrGeneration, "timeout")
	s.AddError(ErrStoreWrite, "quota")

	assert.Equal(t, ErrGeneration, s.ErrorKind)
	assert.Equal(t, "timeout; quota", s.ErrorMessage)
}

func TestStageError(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewStageError(ErrExtraction, StageExtracting, base))

	assert.Equal(t, ErrExtraction, KindOf(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "extraction_failure during extracting")
	assert.Equal(t, ErrorKind(""), KindOf(base))
}

func TestChangeSet(t *testing.T) {
	t.Parallel()

	cs := ChangeSet{
		{RowNumber: 5, Field: "style", Kind: ChangeUpdate},
		{RowNumber: 2, Field: "title", Kind: ChangeCreate},
		{RowNumber: 5, Field: "brand", Kind: ChangeTargetOnly, Conflict: true},
	}
	cs.Sort()

	assert.Equal(t, []int{2, 5}, cs.Rows())
	assert.Equal(t, "brand", cs[1].Field)
	assert.Len(t, cs.ByRow()[5], 2)
	assert.Len(t, cs.Conflicts(), 1)
	assert.True(t, cs[0].Applicable())
	assert.False(t, cs[1].Applicable())
}
