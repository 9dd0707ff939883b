package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/dgallion1/splore/internal/extraction"
	"github.com/dgallion1/splore/internal/upload"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(ttl time.Duration) (*JobStore, *stepClock) {
	clock := &stepClock{t: time.Unix(1700000000, 0)}
	s := NewJobStore(ttl)
	s.now = clock.now
	return s, clock
}

func TestStatusOf(t *testing.T) {
	cases := map[extraction.State]JobStatus{
		extraction.StateCreated:     StatusQueued,
		extraction.StateUploading:   StatusUploading,
		extraction.StateIndexing:    StatusIndexing,
		extraction.StateStartingJob: StatusStarting,
		extraction.StateProcessing:  StatusProcessing,
		extraction.StateCompleted:   StatusCompleted,
		extraction.StateFailed:      StatusFailed,
	}
	for in, want := range cases {
		if got := StatusOf(in); got != want {
			t.Errorf("StatusOf(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestJob_StateTransitions(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	job := s.New("invoice.pdf")
	if job.ID == "" || job.Status != StatusQueued {
		t.Fatalf("unexpected new job %+v", job.Snapshot())
	}

	steps := []extraction.Transition{
		{From: extraction.StateCreated, To: extraction.StateUploading},
		{From: extraction.StateUploading, To: extraction.StateIndexing, Job: extraction.Job{FileID: "f1"}},
		{From: extraction.StateIndexing, To: extraction.StateStartingJob, Job: extraction.Job{FileID: "f1"}},
		{From: extraction.StateStartingJob, To: extraction.StateProcessing, Job: extraction.Job{FileID: "f1", ExtractionID: "e1", Version: 1}},
		{From: extraction.StateProcessing, To: extraction.StateCompleted, Job: extraction.Job{FileID: "f1", ExtractionID: "e1", Version: 1}},
	}
	for _, tr := range steps {
		before := job.Snapshot().UpdatedAt
		job.Observe(tr)
		snap := job.Snapshot()
		if snap.Status != StatusOf(tr.To) {
			t.Errorf("expected status %q, got %q", StatusOf(tr.To), snap.Status)
		}
		if !snap.UpdatedAt.After(before) {
			t.Errorf("expected UpdatedAt to advance on %s", tr.To)
		}
	}
	snap := job.Snapshot()
	if snap.FileID != "f1" || snap.ExtractionID != "e1" || snap.Version != 1 {
		t.Errorf("job ids not tracked: %+v", snap)
	}
}

func TestJob_FailureRecordsError(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	job := s.New("a.pdf")
	job.Observe(extraction.Transition{From: extraction.StateIndexing, To: extraction.StateFailed, Err: errors.New("job failed")})
	job.AddError("second")

	snap := job.Snapshot()
	if snap.Status != StatusFailed {
		t.Errorf("expected failed, got %s", snap.Status)
	}
	if len(snap.Errors) != 2 || snap.Errors[0] != "job failed" {
		t.Errorf("unexpected errors %v", snap.Errors)
	}
}

func TestJob_SnapshotIsCopy(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	job := s.New("a.pdf")
	job.AddError("one")
	snap := job.Snapshot()
	snap.Errors[0] = "changed"
	if job.Snapshot().Errors[0] != "one" {
		t.Error("snapshot must not alias job state")
	}
	if (&Job{now: time.Now}).Snapshot().Errors == nil {
		t.Error("errors should serialize as an empty list")
	}
}

func TestJob_Progress(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	job := s.New("a.pdf")
	job.SetProgress(upload.Progress{Sent: 5, Total: 10, Percent: 50})
	if p := job.Snapshot().Progress; p.Sent != 5 || p.Percent != 50 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestJobStore_CleanupKeepsInFlight(t *testing.T) {
	s, clock := newTestStore(time.Minute)
	done := s.New("done.pdf")
	done.SetStatus(StatusCompleted)
	busy := s.New("busy.pdf")
	busy.SetStatus(StatusProcessing)

	if n := s.Cleanup(); n != 0 {
		t.Errorf("nothing should expire yet, removed %d", n)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	if n := s.Cleanup(); n != 1 {
		t.Errorf("expected one eviction, got %d", n)
	}
	if s.Get(done.ID) != nil {
		t.Error("finished job should be evicted")
	}
	if s.Get(busy.ID) == nil {
		t.Error("in-flight job must be kept")
	}
}

func TestJobStore_ListOrdered(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	a := s.New("a")
	b := s.New("b")
	list := s.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("unexpected order %+v", list)
	}
}
