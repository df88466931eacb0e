package service

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/TIANLI0/DepthKit/model"
)

func TestJobStateString(t *testing.T) {
	tests := []struct {
		state    JobState
		expected string
	}{
		{StateIdle, "Idle"},
		{StateExtracting, "Extracting"},
		{StatePartitioning, "Partitioning"},
		{StateCompositing, "Compositing"},
		{StateComplete, "Complete"},
		{StateFailed, "Failed"},
		{StateCancelled, "Cancelled"},
		{JobState(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("JobState(%d).String() = %q; want %q", tt.state, got, tt.expected)
		}
	}
}

func TestJobStateMarshalJSON(t *testing.T) {
	tests := []struct {
		state    JobState
		expected string
	}{
		{StateIdle, `"idle"`},
		{StateExtracting, `"extracting"`},
		{StatePartitioning, `"partitioning"`},
		{StateCompositing, `"compositing"`},
		{StateComplete, `"complete"`},
		{StateFailed, `"failed"`},
		{StateCancelled, `"cancelled"`},
		{JobState(99), `"unknown"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		if err != nil {
			t.Errorf("JobState(%d).MarshalJSON() error = %v", tt.state, err)
			continue
		}
		if string(data) != tt.expected {
			t.Errorf("JobState(%d).MarshalJSON() = %s; want %s", tt.state, data, tt.expected)
		}
	}
}

func TestJobStateTerminal(t *testing.T) {
	terminal := []JobState{StateComplete, StateFailed, StateCancelled}
	active := []JobState{StateIdle, StateExtracting, StatePartitioning, StateCompositing}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false; want true", s)
		}
	}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true; want false", s)
		}
	}
}

func TestJobRegistryLifecycle(t *testing.T) {
	r := NewJobRegistry(time.Hour)

	job := r.Create()
	if job.ID == "" {
		t.Fatal("Create returned a job with no ID")
	}
	if got := r.Get(job.ID); got != job {
		t.Fatal("Get did not return the created job")
	}
	if got := r.Get("nope"); got != nil {
		t.Fatal("Get returned a job for an unknown ID")
	}

	if !r.Remove(job.ID) {
		t.Fatal("Remove returned false for an existing job")
	}
	if r.Get(job.ID) != nil {
		t.Fatal("job still present after Remove")
	}
	if r.Remove(job.ID) {
		t.Fatal("Remove returned true for an already removed job")
	}
}

func TestJobRemoveCancelsContext(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()

	r.Remove(job.ID)

	select {
	case <-job.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled after Remove")
	}
	if job.Context().Err() == nil {
		t.Fatal("job context has no error after Remove")
	}
}

func TestJobSubscribeSeesProgress(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	// Seeded with the current (idle) state.
	first := <-events
	if first.State != StateIdle {
		t.Fatalf("seed event state = %s; want Idle", first.State)
	}

	job.update(ProgressEvent{State: StateExtracting, Percent: 0, Message: "extracting depth field"})
	ev := <-events
	if ev.State != StateExtracting {
		t.Fatalf("event state = %s; want Extracting", ev.State)
	}

	snap := job.Snapshot()
	if snap.State != StateExtracting || snap.Message != "extracting depth field" {
		t.Errorf("Snapshot = %+v; want extracting state", snap)
	}
}

func TestJobCompleteExposesResult(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()

	want := &model.SliceResult{MD5: "abc", LayerCount: 2}
	job.complete(want, []*Layer{{}, {}})

	result, layers := job.Result()
	if result != want {
		t.Fatal("Result did not return the completed result")
	}
	if len(layers) != 2 {
		t.Fatalf("got %d layers; want 2", len(layers))
	}
	if snap := job.Snapshot(); snap.State != StateComplete || snap.Percent != 100 {
		t.Errorf("Snapshot after complete = %+v", snap)
	}
}

func TestJobRegistryExpiresSettledJobs(t *testing.T) {
	r := NewJobRegistry(time.Hour)

	done := r.Create()
	done.complete(&model.SliceResult{MD5: "abc"}, []*Layer{{}})
	failed := r.Create()
	failed.fail(errors.New("boom"))
	running := r.Create()
	running.update(ProgressEvent{State: StateCompositing, Percent: 50})

	if n := r.Expire(time.Now()); n != 0 {
		t.Fatalf("Expire before retention evicted %d jobs; want 0", n)
	}

	if n := r.Expire(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Fatalf("Expire after retention evicted %d jobs; want 2", n)
	}
	if r.Get(done.ID) != nil {
		t.Error("completed job still present after expiry")
	}
	if r.Get(failed.ID) != nil {
		t.Error("failed job still present after expiry")
	}
	if result, layers := done.Result(); result != nil || layers != nil {
		t.Error("expired job retained its buffers")
	}
	select {
	case <-done.Context().Done():
	default:
		t.Error("expired job context not cancelled")
	}

	if r.Get(running.ID) == nil {
		t.Error("running job evicted by expiry")
	}
}

func TestJobRegistryZeroRetentionNeverExpires(t *testing.T) {
	r := NewJobRegistry(0)

	job := r.Create()
	job.complete(&model.SliceResult{}, nil)

	if n := r.Expire(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Fatalf("Expire with zero retention evicted %d jobs; want 0", n)
	}
	if r.Get(job.ID) == nil {
		t.Error("job evicted despite disabled retention")
	}
}

func TestJobFailDiscardsPartialResults(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()

	job.fail(errors.New("boom"))

	result, layers := job.Result()
	if result != nil || layers != nil {
		t.Error("failed job retained partial results")
	}
	if job.Err() != "boom" {
		t.Errorf("Err() = %q; want %q", job.Err(), "boom")
	}
	if snap := job.Snapshot(); snap.State != StateFailed {
		t.Errorf("state after fail = %s; want Failed", snap.State)
	}
}
