package jobs

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/recordstore"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/internal/resilience"
	"github.com/sells-group/catalog-cli/internal/rules"
	"github.com/sells-group/catalog-cli/internal/store"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = eris.New("jobs: job not found")
	// ErrJobFinished is returned when cancelling a terminal job.
	ErrJobFinished = eris.New("jobs: job already finished")
	// ErrJobsRunning is returned by ReloadRules while any job is active.
	ErrJobsRunning = eris.New("jobs: rules cannot be reloaded while jobs are running")
	// ErrInvalidJob is returned by StartJob for a malformed job.
	ErrInvalidJob = eris.New("jobs: invalid job")
	// ErrClosed is returned by StartJob after Close.
	ErrClosed = eris.New("jobs: orchestrator closed")
	// ErrNoDLQ is returned by the dead letter operations without a job store.
	ErrNoDLQ = eris.New("jobs: dead letter queue needs a persistent job store")
)

const (
	defaultMaxConcurrent = 4
	defaultDLQRetries    = 3
	defaultDLQBackoff    = 5 * time.Minute
	defaultRetention     = time.Hour
	maxRetryRecords      = 1000
	persistTimeout       = 10 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrent bounds the jobs running at once. Default: 4.
	MaxConcurrent int
	// RecordInterval spaces records out across all workers. Ignored when
	// Limiter is set; zero means no spacing.
	RecordInterval time.Duration
	// Limiter is the token bucket shared by every worker writing to the
	// authoritative store.
	Limiter *rate.Limiter
	// Store persists jobs. Optional. Failed records are dead-lettered
	// into it.
	Store store.Store
	// DLQMaxRetries bounds how often a dead-lettered record is resubmitted.
	// Default: 3.
	DLQMaxRetries int
	// DLQBackoff is the delay before a failed record is due for retry.
	// Default: 5m.
	DLQBackoff time.Duration
	// Retention is how long a finished job stays in memory. Later lookups
	// go to Store; without one the job is gone. Default: 1h.
	Retention time.Duration
}

// Orchestrator schedules jobs on background workers. Each job processes its
// records sequentially; jobs of different collections run concurrently, at
// most one per collection.
type Orchestrator struct {
	machine  *Machine
	registry *registry.Registry
	rules    *rules.Cache
	store    store.Store
	limiter  *rate.Limiter
	slots    chan struct{}
	broker   *broker

	dlqRetries int
	dlqBackoff time.Duration
	retention  time.Duration

	mu     sync.Mutex
	jobs   map[string]*jobRun
	locks  map[string]chan struct{}
	active int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

type jobRun struct {
	mu  sync.RWMutex
	job model.Job

	// ctx is cancelled by CancelJob or Close.
	ctx    context.Context
	cancel context.CancelFunc
	// finished is set once the worker has published the terminal event.
	finished bool
}

// NewOrchestrator creates an Orchestrator. Rules are snapshotted from cache
// when each job starts.
func NewOrchestrator(m *Machine, reg *registry.Registry, cache *rules.Cache, opts Options) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
		if opts.RecordInterval > 0 {
			limiter = rate.NewLimiter(rate.Every(opts.RecordInterval), 1)
		}
	}
	if cache == nil {
		cache = rules.NewStaticCache(nil)
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = defaultDLQRetries
	}
	if opts.DLQBackoff <= 0 {
		opts.DLQBackoff = defaultDLQBackoff
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		machine:  m,
		registry: reg,
		rules:    cache,
		store:    opts.Store,
		limiter:  limiter,
		slots:    make(chan struct{}, opts.MaxConcurrent),
		broker:   newBroker(),
		jobs:     make(map[string]*jobRun),
		locks:    make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,

		dlqRetries: opts.DLQMaxRetries,
		dlqBackoff: opts.DLQBackoff,
		retention:  opts.Retention,
	}
}

// StartJob enqueues a job over refs and returns its id. The job runs in the
// background; its state is queryable immediately.
func (o *Orchestrator) StartJob(ctx context.Context, collection string, refs []model.RecordRef) (string, error) {
	if _, err := o.registry.Collection(collection); err != nil {
		return "", eris.Wrap(ErrInvalidJob, err.Error())
	}
	if len(refs) == 0 {
		return "", eris.Wrap(ErrInvalidJob, "no records")
	}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.RowNumber == 0 && ref.SourceURL == "" {
			return "", eris.Wrap(ErrInvalidJob, "record needs a row number or source url")
		}
		if ref.RowNumber != 0 && ref.RowNumber < recordstore.FirstDataRow {
			return "", eris.Wrapf(ErrInvalidJob, "invalid row number %d", ref.RowNumber)
		}
		if seen[ref.ID()] {
			return "", eris.Wrapf(ErrInvalidJob, "duplicate record %s", ref.ID())
		}
		seen[ref.ID()] = true
	}

	job := model.Job{
		ID:         uuid.NewString(),
		Collection: collection,
		Records:    slices.Clone(refs),
		Status:     model.JobStatusQueued,
		CreatedAt:  o.now().UTC(),
	}
	job.RecordStates = make([]model.JobRecordState, len(refs))
	for i, ref := range refs {
		job.RecordStates[i] = model.NewJobRecordState(ref)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	o.pruneLocked()
	if o.store != nil {
		if err := o.store.CreateJob(ctx, &job); err != nil {
			return "", eris.Wrap(err, "jobs: persist job")
		}
	}

	jctx, cancel := context.WithCancel(o.ctx)
	jr := &jobRun{job: job, ctx: jctx, cancel: cancel}
	o.jobs[job.ID] = jr
	o.active++
	o.wg.Add(1)
	go o.work(jr)

	zap.L().Info("jobs: job queued",
		zap.String("job_id", job.ID),
		zap.String("collection", collection),
		zap.Int("records", len(refs)),
	)
	return job.ID, nil
}

// GetJob returns the job with its record states. Jobs not held in memory
// are read from the store.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*model.Job, error) {
	o.mu.Lock()
	jr, ok := o.jobs[id]
	o.mu.Unlock()
	if ok {
		jr.mu.RLock()
		defer jr.mu.RUnlock()
		j := jr.job.Clone()
		return &j, nil
	}
	if o.store == nil {
		return nil, ErrJobNotFound
	}
	j, err := o.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "jobs: get job")
	}
	return j, nil
}

// ListJobs returns job summaries, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	byID := make(map[string]model.Job)
	if o.store != nil {
		stored, err := o.store.ListJobs(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "jobs: list jobs")
		}
		for _, j := range stored {
			byID[j.ID] = j
		}
	}

	o.mu.Lock()
	runs := make([]*jobRun, 0, len(o.jobs))
	for _, jr := range o.jobs {
		runs = append(runs, jr)
	}
	o.mu.Unlock()
	for _, jr := range runs {
		s := jr.summary()
		if filter.Collection != "" && s.Collection != filter.Collection {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			delete(byID, s.ID)
			continue
		}
		byID[s.ID] = s
	}

	out := make([]model.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CancelJob marks a job cancelled. A record already in progress runs to
// completion; no further records are started and finished ones are kept.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	o.mu.Lock()
	jr, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		if o.store != nil {
			if _, err := o.store.GetJob(ctx, id); err == nil {
				return ErrJobFinished
			}
		}
		return ErrJobNotFound
	}

	jr.mu.Lock()
	if jr.job.Status.Terminal() {
		jr.mu.Unlock()
		return ErrJobFinished
	}
	now := o.now().UTC()
	jr.job.Status = model.JobStatusCancelled
	jr.job.CompletedAt = &now
	jr.cancel()
	summary := jr.summaryLocked()
	o.broker.publish(id, Event{Type: EventJob, Job: summary})
	jr.mu.Unlock()

	o.persist("update job", func(ctx context.Context) error {
		return o.store.UpdateJob(ctx, &summary)
	})
	zap.L().Info("jobs: job cancelled", zap.String("job_id", id))
	return nil
}

// Subscribe returns a channel of events for a job and a function that
// releases it. The first event is the job's current state. The channel is
// closed after the job's terminal event.
func (o *Orchestrator) Subscribe(id string) (<-chan Event, func(), error) {
	o.mu.Lock()
	jr, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	jr.mu.RLock()
	defer jr.mu.RUnlock()
	current := Event{Type: EventJob, Job: jr.summaryLocked()}
	if jr.finished {
		ch := make(chan Event, 1)
		ch <- current
		close(ch)
		return ch, func() {}, nil
	}
	ch, unsubscribe := o.broker.subscribe(id)
	ch <- current
	return ch, unsubscribe, nil
}

// ReloadRules refreshes the rule cache. It is refused while any job is
// queued or running so a job never sees rules change underneath it.
func (o *Orchestrator) ReloadRules(ctx context.Context) (*rules.Set, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active > 0 {
		return nil, ErrJobsRunning
	}
	return o.rules.Reload(ctx)
}

// Wait blocks until every started job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops accepting jobs, cancels the ones not yet finished once their
// current record completes, and waits for the workers to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) work(jr *jobRun) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	collection := jr.job.Collection
	log := zap.L().With(zap.String("job_id", jr.job.ID), zap.String("collection", collection))

	release, ok := o.acquire(jr)
	if !ok {
		o.finalize(jr, log)
		return
	}
	defer release()

	engine := rules.NewEngine(o.rules.Snapshot())

	jr.mu.Lock()
	if jr.job.Status == model.JobStatusQueued {
		start := o.now().UTC()
		jr.job.Status = model.JobStatusRunning
		jr.job.StartedAt = &start
	}
	summary := jr.summaryLocked()
	o.broker.publish(jr.job.ID, Event{Type: EventJob, Job: summary})
	jr.mu.Unlock()
	o.persist("update job", func(ctx context.Context) error {
		return o.store.UpdateJob(ctx, &summary)
	})
	log.Info("jobs: job started", zap.Int("records", len(jr.job.Records)))

	// Records run on a context that outlives cancellation so a started
	// record always completes.
	recordCtx := context.WithoutCancel(jr.ctx)
	for i, ref := range jr.job.Records {
		if jr.ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := o.limiter.Wait(jr.ctx); err != nil {
				break
			}
		}
		state := o.machine.Process(recordCtx, collection, ref, engine, func(st model.JobRecordState) {
			o.recordUpdate(jr, i, st)
		})
		o.recordDone(jr, i, state)
	}

	o.finalize(jr, log)
}

// acquire waits for the collection lock and a worker slot.
func (o *Orchestrator) acquire(jr *jobRun) (func(), bool) {
	o.mu.Lock()
	lock, ok := o.locks[jr.job.Collection]
	if !ok {
		lock = make(chan struct{}, 1)
		o.locks[jr.job.Collection] = lock
	}
	o.mu.Unlock()

	select {
	case lock <- struct{}{}:
	case <-jr.ctx.Done():
		return nil, false
	}
	select {
	case o.slots <- struct{}{}:
	case <-jr.ctx.Done():
		<-lock
		return nil, false
	}
	return func() {
		<-o.slots
		<-lock
	}, true
}

func (o *Orchestrator) recordUpdate(jr *jobRun, i int, st model.JobRecordState) {
	jr.mu.Lock()
	jr.job.RecordStates[i] = st
	o.broker.publish(jr.job.ID, Event{Type: EventRecord, Job: jr.summaryLocked(), Record: &st})
	jr.mu.Unlock()

	o.persist("save record state", func(ctx context.Context) error {
		return o.store.SaveRecordState(ctx, jr.job.ID, st)
	})
}

func (o *Orchestrator) recordDone(jr *jobRun, i int, st model.JobRecordState) {
	jr.mu.Lock()
	jr.job.RecordStates[i] = st
	jr.job.ProcessedCount++
	if st.Stage == model.StageReady {
		jr.job.SuccessCount++
	} else {
		jr.job.FailureCount++
		if jr.job.Error == "" {
			jr.job.Error = st.ErrorMessage
		}
	}
	summary := jr.summaryLocked()
	o.broker.publish(jr.job.ID, Event{Type: EventRecord, Job: summary, Record: &st})
	jr.mu.Unlock()

	o.persist("save record state", func(ctx context.Context) error {
		return o.store.SaveRecordState(ctx, summary.ID, st)
	})
	o.persist("update job", func(ctx context.Context) error {
		return o.store.UpdateJob(ctx, &summary)
	})
	o.deadLetter(summary, jr.job.Records[i], st)
}

// deadLetter queues a failed record for retry, or clears the entry of a
// record that has now succeeded.
func (o *Orchestrator) deadLetter(job model.Job, ref model.RecordRef, st model.JobRecordState) {
	id := resilience.DLQKey(job.Collection, ref)
	if st.Stage == model.StageReady {
		o.persist("remove dead letter", func(ctx context.Context) error {
			return o.store.RemoveDLQ(ctx, id)
		})
		return
	}
	now := o.now().UTC()
	entry := resilience.DLQEntry{
		ID:           id,
		Collection:   job.Collection,
		Ref:          ref,
		JobID:        job.ID,
		Error:        st.ErrorMessage,
		ErrorKind:    st.ErrorKind,
		ErrorType:    cmp.Or(st.ErrorClass, resilience.ErrorPermanent),
		FailedStage:  st.FailedStage,
		MaxRetries:   o.dlqRetries,
		NextRetryAt:  now.Add(o.dlqBackoff),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	o.persist("enqueue dead letter", func(ctx context.Context) error {
		return o.store.EnqueueDLQ(ctx, entry)
	})
}

// ListDLQ returns dead-lettered records.
func (o *Orchestrator) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	if o.store == nil {
		return nil, ErrNoDLQ
	}
	entries, err := o.store.ListDLQ(ctx, filter)
	return entries, eris.Wrap(err, "jobs: list dead letters")
}

// RetryDLQ starts a job over the collection's dead-lettered records that are
// due and still have retries left. It returns "" and 0 when none qualify.
// Records that fail again stay in the queue with their retry count raised.
func (o *Orchestrator) RetryDLQ(ctx context.Context, collection, errorType string) (string, int, error) {
	if o.store == nil {
		return "", 0, ErrNoDLQ
	}
	if _, err := o.registry.Collection(collection); err != nil {
		return "", 0, eris.Wrap(ErrInvalidJob, err.Error())
	}
	entries, err := o.store.ListDLQ(ctx, resilience.DLQFilter{
		Collection: collection,
		ErrorType:  errorType,
		Due:        true,
		Limit:      maxRetryRecords,
	})
	if err != nil {
		return "", 0, eris.Wrap(err, "jobs: list dead letters")
	}

	refs := make([]model.RecordRef, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.CanRetry() || seen[e.Ref.ID()] {
			continue
		}
		seen[e.Ref.ID()] = true
		refs = append(refs, e.Ref)
	}
	if len(refs) == 0 {
		return "", 0, nil
	}
	id, err := o.StartJob(ctx, collection, refs)
	if err != nil {
		return "", 0, err
	}
	zap.L().Info("jobs: dead letters resubmitted",
		zap.String("job_id", id),
		zap.String("collection", collection),
		zap.Int("records", len(refs)),
	)
	return id, len(refs), nil
}

// finalize settles the job's terminal status and notifies subscribers.
func (o *Orchestrator) finalize(jr *jobRun, log *zap.Logger) {
	jr.mu.Lock()
	j := &jr.job
	if !j.Status.Terminal() {
		now := o.now().UTC()
		j.CompletedAt = &now
		switch {
		case j.ProcessedCount < len(j.Records):
			j.Status = model.JobStatusCancelled
			if j.Error == "" && o.ctx.Err() != nil {
				j.Error = ErrClosed.Error()
			}
		case j.SuccessCount == 0 && j.FailureCount > 0:
			j.Status = model.JobStatusFailed
		default:
			j.Status = model.JobStatusCompleted
		}
	}
	summary := jr.summaryLocked()
	jr.finished = true
	jr.cancel()
	o.broker.finish(j.ID, Event{Type: EventJob, Job: summary})
	jr.mu.Unlock()

	o.persist("update job", func(ctx context.Context) error {
		return o.store.UpdateJob(ctx, &summary)
	})
	o.mu.Lock()
	o.pruneLocked()
	o.mu.Unlock()
	log.Info("jobs: job finished",
		zap.String("status", string(summary.Status)),
		zap.Int("processed", summary.ProcessedCount),
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
	)
}

// pruneLocked drops finished jobs whose retention has passed. o.mu is held.
func (o *Orchestrator) pruneLocked() {
	cutoff := o.now().Add(-o.retention)
	for id, jr := range o.jobs {
		jr.mu.RLock()
		expired := jr.finished && jr.job.CompletedAt != nil && jr.job.CompletedAt.Before(cutoff)
		jr.mu.RUnlock()
		if expired {
			delete(o.jobs, id)
		}
	}
}

// persist runs a store write when a store is configured. Failures are logged;
// the in-memory job stays authoritative while the process runs.
func (o *Orchestrator) persist(what string, fn func(ctx context.Context) error) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		zap.L().Warn("jobs: failed to persist", zap.String("op", what), zap.Error(err))
	}
}

func (jr *jobRun) summary() model.Job {
	jr.mu.RLock()
	defer jr.mu.RUnlock()
	return jr.summaryLocked()
}

func (jr *jobRun) summaryLocked() model.Job {
	s := jr.job.Clone()
	s.RecordStates = nil
	return s
}
