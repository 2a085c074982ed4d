package model

import (
	"fmt"
	"maps"
	"time"
)

// JobStatus represents the lifecycle state of an enrichment job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Stage is the per-record pipeline position inside a job.
type Stage string

const (
	StagePending    Stage = "pending"
	StageExtracting Stage = "extracting"
	StageGenerating Stage = "generating"
	StageCleaning   Stage = "cleaning"
	StageReady      Stage = "ready"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the record has finished processing.
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageFailed
}

var stageOrder = map[Stage]int{
	StagePending:    0,
	StageExtracting: 1,
	StageGenerating: 2,
	StageCleaning:   3,
	StageReady:      4,
}

// CanAdvance reports whether from→to is a legal transition. Transitions only
// move forward one stage at a time; failed is reachable from any non-terminal
// stage.
func CanAdvance(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return stageOrder[to] == stageOrder[from]+1
}

// RecordRef identifies one record to enrich. A zero RowNumber means the record
// does not exist yet; the authoritative store assigns its row number.
type RecordRef struct {
	RowNumber int    `json:"row_number,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// ID returns the stable identifier used for the record's state inside a job.
func (r RecordRef) ID() string {
	if r.RowNumber > 0 {
		return fmt.Sprintf("row:%d", r.RowNumber)
	}
	return "url:" + r.SourceURL
}

// Job is a batch enrichment run over an ordered set of records.
type Job struct {
	ID             string           `json:"job_id"`
	Collection     string           `json:"collection"`
	Records        []RecordRef      `json:"records"`
	Status         JobStatus        `json:"status"`
	ProcessedCount int              `json:"processed_count"`
	SuccessCount   int              `json:"success_count"`
	FailureCount   int              `json:"failure_count"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Error          string           `json:"error,omitempty"`
	RecordStates   []JobRecordState `json:"record_states,omitempty"`
}

// RecordIDs returns the ordered record identifiers of the job.
func (j *Job) RecordIDs() []string {
	ids := make([]string, len(j.Records))
	for i, r := range j.Records {
		ids[i] = r.ID()
	}
	return ids
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() Job {
	c := *j
	c.Records = append([]RecordRef(nil), j.Records...)
	c.RecordStates = make([]JobRecordState, len(j.RecordStates))
	for i, s := range j.RecordStates {
		c.RecordStates[i] = s.Clone()
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// JobRecordState is the per-record sub-state of a job. A failed record carries
// ErrorClass, "transient" or "permanent", and the stage it failed in.
type JobRecordState struct {
	RecordID         string            `json:"record_id"`
	RowNumber        int               `json:"row_number,omitempty"`
	SourceURL        string            `json:"source_url,omitempty"`
	Stage            Stage             `json:"stage"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorKind        ErrorKind         `json:"error_kind,omitempty"`
	ErrorClass       string            `json:"error_class,omitempty"`
	FailedStage      Stage             `json:"failed_stage,omitempty"`
	GeneratedContent map[string]string `json:"generated_content,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	DurationMS       int64             `json:"duration_ms,omitempty"`
}

// NewJobRecordState returns the pending state for a record reference.
func NewJobRecordState(ref RecordRef) JobRecordState {
	return JobRecordState{
		RecordID:  ref.ID(),
		RowNumber: ref.RowNumber,
		SourceURL: ref.SourceURL,
		Stage:     StagePending,
	}
}

// AddError appends a stage error message, keeping earlier ones.
func (s *JobRecordState) AddError(kind ErrorKind, msg string) {
	if s.ErrorKind == "" {
		s.ErrorKind = kind
	}
	if s.ErrorMessage == "" {
		s.ErrorMessage = msg
		return
	}
	s.ErrorMessage += "; " + msg
}

// Clone returns a deep copy.
func (s JobRecordState) Clone() JobRecordState {
	s.GeneratedContent = maps.Clone(s.GeneratedContent)
	return s
}
