package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgallion1/splore/internal/extraction"
	"github.com/dgallion1/splore/internal/upload"
)

// JobStatus represents the state of one batch extraction.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusUploading  JobStatus = "uploading"
	StatusIndexing   JobStatus = "indexing"
	StatusStarting   JobStatus = "starting"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

var stateStatus = map[extraction.State]JobStatus{
	extraction.StateCreated:     StatusQueued,
	extraction.StateUploading:   StatusUploading,
	extraction.StateIndexing:    StatusIndexing,
	extraction.StateStartingJob: StatusStarting,
	extraction.StateProcessing:  StatusProcessing,
	extraction.StateCompleted:   StatusCompleted,
	extraction.StateFailed:      StatusFailed,
}

// StatusOf maps an orchestrator state onto a job status.
func StatusOf(s extraction.State) JobStatus {
	if st, ok := stateStatus[s]; ok {
		return st
	}
	return StatusQueued
}

func (s JobStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job tracks a single file through the batch.
type Job struct {
	mu sync.Mutex
	// now is the store's clock.
	now func() time.Time

	ID     string
	Source string

	Status       JobStatus
	FileID       string
	ExtractionID string
	Version      int
	Progress     upload.Progress

	CreatedAt time.Time
	UpdatedAt time.Time

	errors []string
	result *extraction.Result
}

func newJob(source string, now func() time.Time) *Job {
	t := now()
	return &Job{
		now:       now,
		ID:        uuid.NewString(),
		Source:    source,
		Status:    StatusQueued,
		CreatedAt: t,
		UpdatedAt: t,
	}
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.UpdatedAt = j.now()
}

// Observe records an orchestrator transition.
func (j *Job) Observe(tr extraction.Transition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusOf(tr.To)
	if tr.Job.FileID != "" {
		j.FileID = tr.Job.FileID
	}
	if tr.Job.ExtractionID != "" {
		j.ExtractionID = tr.Job.ExtractionID
		j.Version = tr.Job.Version
	}
	if tr.Err != nil {
		j.errors = append(j.errors, tr.Err.Error())
	}
	j.UpdatedAt = j.now()
}

func (j *Job) SetProgress(p upload.Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress = p
	j.UpdatedAt = j.now()
}

// AddError records an error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
	j.UpdatedAt = j.now()
}

func (j *Job) setResult(res *extraction.Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = res
	j.Version = res.Version
	j.UpdatedAt = j.now()
}

func (j *Job) Result() *extraction.Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID           string          `json:"job_id"`
	Source       string          `json:"source"`
	Status       JobStatus       `json:"status"`
	FileID       string          `json:"file_id,omitempty"`
	ExtractionID string          `json:"extraction_id,omitempty"`
	Version      int             `json:"version,omitempty"`
	Progress     upload.Progress `json:"progress"`
	Errors       []string        `json:"errors"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := append([]string{}, j.errors...)
	return JobSnapshot{
		ID:           j.ID,
		Source:       j.Source,
		Status:       j.Status,
		FileID:       j.FileID,
		ExtractionID: j.ExtractionID,
		Version:      j.Version,
		Progress:     j.Progress,
		Errors:       errs,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

// New creates and registers a queued job.
func (s *JobStore) New(source string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := newJob(source, s.now)
	s.jobs[job.ID] = job
	return job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// List returns snapshots of every job, oldest first.
func (s *JobStore) List() []JobSnapshot {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Cleanup removes finished jobs not touched within the TTL. Jobs still in
// flight are kept regardless of age.
func (s *JobStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, job := range s.jobs {
		job.mu.Lock()
		expired := job.Status.Terminal() && now.Sub(job.UpdatedAt) > s.ttl
		job.mu.Unlock()
		if expired {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}
