package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TIANLI0/DepthKit/model"
)

// JobState tracks a slicing job through its pipeline stages.
type JobState int

const (
	StateIdle JobState = iota
	StateExtracting
	StatePartitioning
	StateCompositing
	StateComplete
	StateFailed
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateExtracting:
		return "Extracting"
	case StatePartitioning:
		return "Partitioning"
	case StateCompositing:
		return "Compositing"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// MarshalJSON serializes JobState as a lowercase string.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StateIdle:
		str = "idle"
	case StateExtracting:
		str = "extracting"
	case StatePartitioning:
		str = "partitioning"
	case StateCompositing:
		str = "compositing"
	case StateComplete:
		str = "complete"
	case StateFailed:
		str = "failed"
	case StateCancelled:
		str = "cancelled"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// ProgressEvent is one progress update surfaced to subscribers. Ordinal is
// set only for per-layer compositing updates.
type ProgressEvent struct {
	State   JobState `json:"state"`
	Percent float64  `json:"percent"`
	Message string   `json:"message"`
	Ordinal int      `json:"ordinal,omitempty"`
}

// Job is one slicing run. Layer artifacts are held in memory for download
// until the job is removed; they are exclusive to this job and never shared.
type Job struct {
	ID        string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       JobState
	percent     float64
	message     string
	errMsg      string
	layers      []*Layer
	result      *model.SliceResult
	completedAt time.Time
	subs        map[chan ProgressEvent]struct{}
}

// Context is cancelled when the job is cancelled or removed.
func (j *Job) Context() context.Context { return j.ctx }

// Snapshot returns the job's current state, percent and message.
func (j *Job) Snapshot() ProgressEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ProgressEvent{State: j.state, Percent: j.percent, Message: j.message}
}

// Result returns the completed result and layer artifacts, or nil until the
// job reaches Complete.
func (j *Job) Result() (*model.SliceResult, []*Layer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.layers
}

// Err returns the failure message for a Failed job.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// Subscribe registers a progress listener. The returned cancel func must be
// called when the listener is done. Slow listeners miss events rather than
// blocking the pipeline.
func (j *Job) Subscribe() (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	j.mu.Lock()
	j.subs[ch] = struct{}{}
	cur := ProgressEvent{State: j.state, Percent: j.percent, Message: j.message}
	j.mu.Unlock()

	// Seed the subscriber with the current state so late joiners see
	// something immediately.
	ch <- cur

	return ch, func() {
		j.mu.Lock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
		j.mu.Unlock()
	}
}

func (j *Job) update(ev ProgressEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = ev.State
	j.percent = ev.Percent
	j.message = ev.Message
	// Fan out under the lock so an unsubscribe cannot close a channel
	// mid-send. Sends are non-blocking, so holding the mutex is cheap.
	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *Job) complete(result *model.SliceResult, layers []*Layer) {
	j.mu.Lock()
	j.result = result
	j.layers = layers
	j.completedAt = time.Now()
	j.mu.Unlock()
	j.update(ProgressEvent{State: StateComplete, Percent: 100, Message: "complete"})
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	j.errMsg = err.Error()
	// No partial-success contract: drop anything produced so far.
	j.layers = nil
	j.result = nil
	j.completedAt = time.Now()
	j.mu.Unlock()
	j.update(ProgressEvent{State: StateFailed, Percent: 0, Message: err.Error()})
}

// JobRegistry tracks jobs by ID. Settled jobs and their layer buffers are
// kept for retention so clients can fetch artifacts, then evicted by the
// sweeper.
type JobRegistry struct {
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewJobRegistry creates a registry. retention bounds how long a settled
// job's buffers stay available; zero or negative keeps them until removed
// explicitly.
func NewJobRegistry(retention time.Duration) *JobRegistry {
	return &JobRegistry{
		retention: retention,
		jobs:      make(map[string]*Job),
	}
}

// Create registers a new idle job.
func (r *JobRegistry) Create() *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		subs:      make(map[chan ProgressEvent]struct{}),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job
}

func (r *JobRegistry) Get(id string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// Remove cancels the job and discards its buffers.
func (r *JobRegistry) Remove(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	job.cancel()
	job.mu.Lock()
	if !job.state.Terminal() {
		job.state = StateCancelled
		job.message = "cancelled"
	}
	job.layers = nil
	job.result = nil
	job.mu.Unlock()
	job.update(job.Snapshot())
	return true
}

// Expire removes jobs that settled longer than the retention ago, releasing
// their layer buffers. Returns how many were evicted.
func (r *JobRegistry) Expire(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}

	var expired []*Job
	r.mu.Lock()
	for id, job := range r.jobs {
		job.mu.Lock()
		stale := job.state.Terminal() && !job.completedAt.IsZero() &&
			now.Sub(job.completedAt) >= r.retention
		job.mu.Unlock()
		if stale {
			delete(r.jobs, id)
			expired = append(expired, job)
		}
	}
	r.mu.Unlock()

	for _, job := range expired {
		job.cancel()
		job.mu.Lock()
		job.layers = nil
		job.result = nil
		job.mu.Unlock()
	}
	return len(expired)
}

// RunSweeper expires settled jobs on the given interval until ctx is
// cancelled. Intended to run on its own goroutine.
func (r *JobRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Expire(now)
		}
	}
}
