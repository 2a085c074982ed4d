// Package store persists enrichment jobs and their per-record states so job
// status stays queryable across restarts.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/resilience"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = eris.New("store: job not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Collection string          `json:"collection,omitempty"`
	Status     model.JobStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for jobs.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	// UpdateJob writes status, counters, timestamps and error. Record states
	// are saved separately through SaveRecordState.
	UpdateJob(ctx context.Context, job *model.Job) error
	SaveRecordState(ctx context.Context, jobID string, state model.JobRecordState) error
	// GetJob returns the job with its record states in enqueue order.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// ListJobs returns job summaries, newest first, without record states.
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// EnqueueDLQ inserts a dead letter entry. An entry with the same id has
	// its retry count incremented and its failure details replaced.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	// ListDLQ returns entries ordered by next retry time.
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	// RemoveDLQ deletes an entry. Removing a missing entry is not an error.
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func listLimit(f JobFilter) int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

const defaultDLQLimit = 100

func dlqLimit(f resilience.DLQFilter) int {
	if f.Limit <= 0 {
		return defaultDLQLimit
	}
	return f.Limit
}

// jobDoc serializes a job without its record states.
func jobDoc(job *model.Job) ([]byte, error) {
	c := *job
	c.RecordStates = nil
	data, err := json.Marshal(c)
	return data, eris.Wrap(err, "store: marshal job")
}

func decodeJob(doc []byte) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal job")
	}
	return &j, nil
}

// attachStates orders decoded states by the job's enqueue order. Records
// without a saved state are reported as pending.
func attachStates(job *model.Job, states map[string]model.JobRecordState) {
	job.RecordStates = make([]model.JobRecordState, 0, len(job.Records))
	for _, ref := range job.Records {
		st, ok := states[ref.ID()]
		if !ok {
			st = model.NewJobRecordState(ref)
		}
		job.RecordStates = append(job.RecordStates, st)
	}
}
