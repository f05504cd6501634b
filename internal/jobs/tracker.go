package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/coah80/ingest/internal/metrics"
	"github.com/coah80/ingest/internal/records"
)

type State string

const (
	StateStarted    State = "started"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// allowed lists the only legal moves; nothing goes backwards and failed is final.
var allowed = map[State][]State{
	StateStarted:    {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed},
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrJobExists  = errors.New("job id already in use")
	ErrJobUnknown = errors.New("job not found")
)

// Job is a snapshot of a tracked job. Errors are kept on the record, never here.
type Job struct {
	ID            string    `json:"jobId"`
	RecordID      string    `json:"recordId"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

type Transcriber interface {
	Transcribe(ctx context.Context, recordID, audioURL string) (string, error)
}

// RecordUpdater is the record store write surface the tracker and stall detector use.
type RecordUpdater interface {
	UpdateStatus(ctx context.Context, id string, status records.Status, text, errMsg *string) error
	FailIfProcessing(ctx context.Context, id, msg string) (bool, error)
}

type Alerter interface {
	TranscriptionFailed(jobID, recordID string, err error)
}

type TrackerOptions struct {
	Transcriber   Transcriber
	Records       RecordUpdater
	Alerter       Alerter
	MaxConcurrent int64
	// Retention is how long a terminal job stays visible before eviction.
	Retention time.Duration
	Logger    hclog.Logger
}

// Tracker is the process-local registry of transcription jobs.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	tr        Transcriber
	rec       RecordUpdater
	alert     Alerter
	sem       *semaphore.Weighted
	retention time.Duration
	log       hclog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Transcriber == nil || opts.Records == nil {
		return nil, fmt.Errorf("job tracker needs a transcriber and a record store")
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tracker{
		jobs:      make(map[string]*Job),
		tr:        opts.Transcriber,
		rec:       opts.Records,
		alert:     opts.Alerter,
		sem:       semaphore.NewWeighted(limit),
		retention: opts.Retention,
		log:       logger,
		now:       time.Now,
	}, nil
}

// Start registers jobID in state started and launches the transcription task. It
// returns once the task goroutine is running; the task itself continues detached.
func (t *Tracker) Start(jobID, recordID, audioURL string) (Job, error) {
	if jobID == "" || recordID == "" || audioURL == "" {
		return Job{}, fmt.Errorf("job id, record id and audio URL are required")
	}

	now := t.now()
	t.mu.Lock()
	if _, ok := t.jobs[jobID]; ok {
		t.mu.Unlock()
		return Job{}, ErrJobExists
	}
	job := &Job{ID: jobID, RecordID: recordID, State: StateStarted, StartedAt: now, LastUpdatedAt: now}
	t.jobs[jobID] = job
	snapshot := *job
	t.mu.Unlock()

	metrics.TrackedJobs.Inc()
	t.log.Info("transcription job started", "job_id", jobID, "record_id", recordID)

	running := make(chan struct{})
	t.wg.Add(1)
	go t.run(jobID, recordID, audioURL, running)
	<-running

	return snapshot, nil
}

func (t *Tracker) run(jobID, recordID, audioURL string, running chan<- struct{}) {
	defer t.wg.Done()
	close(running)

	ctx := context.Background()
	// Waiting for a slot keeps the job in started.
	if err := t.sem.Acquire(ctx, 1); err != nil {
		t.move(jobID, StateProcessing)
		t.rec.UpdateStatus(ctx, recordID, records.StatusProcessing, nil, nil)
		t.fail(ctx, jobID, recordID, err)
		return
	}

	var (
		text string
		err  error
	)
	func() {
		defer t.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("transcription panicked: %v", r)
			}
		}()

		t.move(jobID, StateProcessing)
		if uerr := t.rec.UpdateStatus(ctx, recordID, records.StatusProcessing, nil, nil); uerr != nil {
			err = fmt.Errorf("mark record processing: %w", uerr)
			return
		}
		text, err = t.tr.Transcribe(ctx, recordID, audioURL)
	}()

	if err != nil {
		t.fail(ctx, jobID, recordID, err)
		return
	}

	empty := ""
	if uerr := t.rec.UpdateStatus(ctx, recordID, records.StatusCompleted, &text, &empty); uerr != nil {
		t.fail(ctx, jobID, recordID, fmt.Errorf("store transcript: %w", uerr))
		return
	}
	t.move(jobID, StateCompleted)
	metrics.TranscriptionJobs.WithLabelValues(string(StateCompleted)).Inc()
	t.log.Info("transcription completed", "job_id", jobID, "record_id", recordID, "chars", len(text))
	t.scheduleEviction(jobID)
}

func (t *Tracker) fail(ctx context.Context, jobID, recordID string, cause error) {
	if !t.move(jobID, StateFailed) {
		// Already completed by the stall detector; the placeholder stands.
		t.log.Warn("transcription failed after stall resolution", "job_id", jobID, "record_id", recordID, "error", cause)
		return
	}
	applied, uerr := t.rec.FailIfProcessing(ctx, recordID, cause.Error())
	switch {
	case uerr != nil:
		t.log.Error("failed to record transcription error", "job_id", jobID, "record_id", recordID, "error", uerr)
	case !applied:
		t.log.Warn("record no longer processing, error not stored", "job_id", jobID, "record_id", recordID)
	}
	metrics.TranscriptionJobs.WithLabelValues(string(StateFailed)).Inc()
	t.log.Error("transcription failed", "job_id", jobID, "record_id", recordID, "error", cause)
	if t.alert != nil {
		t.alert.TranscriptionFailed(jobID, recordID, cause)
	}
	t.scheduleEviction(jobID)
}

// move applies a legal transition. Illegal ones are logged and ignored, which is what
// happens when the stall detector already completed the job.
func (t *Tracker) move(jobID string, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	if !canMove(job.State, to) {
		t.log.Debug("ignoring job transition", "job_id", jobID, "from", job.State, "to", to)
		return false
	}
	job.State = to
	job.LastUpdatedAt = t.now()
	return true
}

// scheduleEviction removes jobID after the retention window, unless the id has been
// reused by a newer job in the meantime.
func (t *Tracker) scheduleEviction(jobID string) {
	t.mu.RLock()
	target := t.jobs[jobID]
	t.mu.RUnlock()
	if target == nil {
		return
	}
	time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		current, ok := t.jobs[jobID]
		ok = ok && current == target
		if ok {
			delete(t.jobs, jobID)
		}
		t.mu.Unlock()
		if ok {
			metrics.TrackedJobs.Dec()
			t.log.Debug("job evicted", "job_id", jobID)
		}
	})
}

// ResolveRecord force-completes any in-flight job for recordID. The stall detector
// calls it after resolving the record itself.
func (t *Tracker) ResolveRecord(recordID string) int {
	var ids []string
	t.mu.RLock()
	for id, job := range t.jobs {
		if job.RecordID == recordID && !job.State.Terminal() {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if t.move(id, StateCompleted) {
			n++
			t.scheduleEviction(id)
		}
	}
	return n
}

func (t *Tracker) Get(jobID string) (Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return Job{}, ErrJobUnknown
	}
	return *job, nil
}

// Counts returns the number of tracked jobs per state.
func (t *Tracker) Counts() map[State]int {
	counts := map[State]int{}
	t.mu.RLock()
	for _, job := range t.jobs {
		counts[job.State]++
	}
	t.mu.RUnlock()
	return counts
}

// Wait blocks until every launched task has finished or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
