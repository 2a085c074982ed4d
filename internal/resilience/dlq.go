package resilience

import (
	"errors"
	"time"

	"github.com/sells-group/catalog-cli/internal/model"
)

// Error classes recorded on failed records and dead letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a record that failed enrichment and can be resubmitted later.
type DLQEntry struct {
	ID           string          `json:"id"`
	Collection   string          `json:"collection"`
	Ref          model.RecordRef `json:"ref"`
	JobID        string          `json:"job_id"`
	Error        string          `json:"error"`
	ErrorKind    model.ErrorKind `json:"error_kind,omitempty"`
	ErrorType    string          `json:"error_type"` // "transient" or "permanent"
	FailedStage  model.Stage     `json:"failed_stage,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	CreatedAt    time.Time       `json:"created_at"`
	LastFailedAt time.Time       `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	Collection string `json:"collection,omitempty"`
	ErrorType  string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	// Due keeps only entries whose next retry time has passed and that
	// still have retries left.
	Due   bool `json:"due,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// DLQKey is the entry id of a record. A record has at most one entry per
// collection; failing again updates it.
func DLQKey(collection string, ref model.RecordRef) string {
	return collection + "/" + ref.ID()
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent". An open
// circuit breaker is transient: the call was never attempted.
func ClassifyError(err error) string {
	if IsTransient(err) || errors.Is(err, ErrCircuitOpen) {
		return ErrorTransient
	}
	return ErrorPermanent
}
