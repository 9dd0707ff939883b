package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/poll"
	"github.com/dgallion1/splore/internal/upload"
)

// State is a step of one extraction run.
type State string

const (
	StateCreated     State = "CREATED"
	StateUploading   State = "UPLOADING"
	StateIndexing    State = "INDEXING"
	StateStartingJob State = "STARTING_JOB"
	StateProcessing  State = "PROCESSING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var transitions = map[State][]State{
	StateCreated:     {StateUploading, StateStartingJob},
	StateUploading:   {StateIndexing},
	StateIndexing:    {StateStartingJob},
	StateStartingJob: {StateProcessing},
	StateProcessing:  {StateCompleted},
}

func allowed(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is reported to Request.OnTransition.
type Transition struct {
	From, To State
	Job      Job
	Err      error
}

// API is the subset of Service the orchestrator drives.
type API interface {
	Start(ctx context.Context, fileID string) (Job, error)
	Retry(ctx context.Context, extractionID string) (int, error)
	IndexingStatus(ctx context.Context, fileID string) (IndexingStatus, error)
	ProcessingStatus(ctx context.Context, fileID, extractionID string, version int) (ProcessingStatus, error)
	ExtractedResponse(ctx context.Context, fileID string) (*Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, src upload.Source, meta map[string]any, progress upload.ProgressFunc) (string, error)
}

// Request is one end-to-end extraction.
type Request struct {
	Source   upload.Source
	Metadata map[string]any
	Progress upload.ProgressFunc
	// MaxPollTimeout overrides the budget of each polling phase.
	MaxPollTimeout time.Duration
	OnTransition   func(Transition)
}

// Orchestrator runs extractions. Phases of one run are strictly sequential;
// separate runs share nothing but the API client and the poller config.
type Orchestrator struct {
	api      API
	uploader Uploader
	poller   *poll.Poller
	policy   poll.Policy
	log      *slog.Logger
}

func NewOrchestrator(api API, uploader Uploader, poller *poll.Poller, policy poll.Policy, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logging.Discard()
	}
	if poller == nil {
		poller = &poll.Poller{Log: log}
	}
	return &Orchestrator{api: api, uploader: uploader, poller: poller, policy: policy, log: log}
}

type run struct {
	state  State
	job    Job
	notify func(Transition)
	log    *slog.Logger
}

func (r *run) to(next State) {
	if !allowed(r.state, next) {
		panic(fmt.Sprintf("extraction: illegal transition %s -> %s", r.state, next))
	}
	r.log.Debug("extraction state", "from", r.state, "to", next)
	prev := r.state
	r.state = next
	if r.notify != nil {
		r.notify(Transition{From: prev, To: next, Job: r.job})
	}
}

func (r *run) fail(err error) error {
	r.log.Error("extraction failed", "state", r.state, "error", err)
	prev := r.state
	r.state = StateFailed
	if r.notify != nil {
		r.notify(Transition{From: prev, To: StateFailed, Job: r.job, Err: err})
	}
	return err
}

func (o *Orchestrator) phasePolicy(override time.Duration) poll.Policy {
	p := o.policy
	if override > 0 {
		p.MaxTimeout = override
	}
	return p
}

// Extract uploads the source, waits for indexing, starts the job and waits
// for it to complete, then returns the extracted payload. Each polling phase
// gets its own budget. A timeout or failure is returned to the caller; the
// job is never restarted automatically.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (*Result, error) {
	r := &run{state: StateCreated, notify: req.OnTransition, log: logging.FromContext(ctx, o.log)}
	if err := req.Source.Validate(); err != nil {
		return nil, r.fail(err)
	}
	pol := o.phasePolicy(req.MaxPollTimeout)
	if err := pol.Validate(); err != nil {
		return nil, r.fail(err)
	}

	r.to(StateUploading)
	fileID, err := o.uploader.Upload(ctx, req.Source, req.Metadata, req.Progress)
	if err != nil {
		return nil, r.fail(err)
	}
	r.job.FileID = fileID
	r.log = r.log.With("file_id", fileID)
	r.log.Info("file uploaded")

	r.to(StateIndexing)
	if err := o.awaitIndexed(ctx, r, pol); err != nil {
		return nil, r.fail(err)
	}

	r.to(StateStartingJob)
	job, err := o.api.Start(ctx, fileID)
	if err != nil {
		return nil, r.fail(err)
	}
	r.job = job
	r.log = r.log.With("extraction_id", job.ExtractionID)

	return o.finish(ctx, r, pol)
}

// RetryExtraction re-runs a known job and waits for the new version to
// complete.
func (o *Orchestrator) RetryExtraction(ctx context.Context, fileID, extractionID string, maxPollTimeout time.Duration, onTransition func(Transition)) (*Result, error) {
	r := &run{
		state:  StateCreated,
		job:    Job{FileID: fileID, ExtractionID: extractionID},
		notify: onTransition,
		log:    logging.FromContext(ctx, o.log).With("file_id", fileID, "extraction_id", extractionID),
	}
	if fileID == "" || extractionID == "" {
		return nil, r.fail(apierr.Invalid("retry", "file id and extraction id are required"))
	}
	pol := o.phasePolicy(maxPollTimeout)
	if err := pol.Validate(); err != nil {
		return nil, r.fail(err)
	}

	r.to(StateStartingJob)
	version, err := o.api.Retry(ctx, extractionID)
	if err != nil {
		return nil, r.fail(err)
	}
	r.job.Version = version
	r.log.Info("extraction retried", "version", version)

	return o.finish(ctx, r, pol)
}

func (o *Orchestrator) finish(ctx context.Context, r *run, pol poll.Policy) (*Result, error) {
	r.to(StateProcessing)
	if err := o.awaitCompleted(ctx, r, pol); err != nil {
		return nil, r.fail(err)
	}

	res, err := o.api.ExtractedResponse(ctx, r.job.FileID)
	if err != nil {
		return nil, r.fail(err)
	}
	res.Job = r.job
	r.to(StateCompleted)
	r.log.Info("extraction completed", "version", r.job.Version)
	return res, nil
}

func (o *Orchestrator) awaitIndexed(ctx context.Context, r *run, pol poll.Policy) error {
	_, err := poll.Poll(ctx, o.poller, "indexing_status", apierr.PhaseIndexing, pol,
		func(ctx context.Context) (IndexingStatus, error) {
			st, err := o.api.IndexingStatus(ctx, r.job.FileID)
			if err != nil {
				return st, err
			}
			if st.Status == StatusFailed {
				return st, &apierr.UnrecoverableJobError{FileID: r.job.FileID, Status: st.Status, Reason: st.Reason}
			}
			return st, nil
		},
		func(st IndexingStatus) bool { return st.Status == StatusIndexed })
	return err
}

func (o *Orchestrator) awaitCompleted(ctx context.Context, r *run, pol poll.Policy) error {
	_, err := poll.Poll(ctx, o.poller, "processing_status", apierr.PhaseProcessing, pol,
		func(ctx context.Context) (ProcessingStatus, error) {
			st, err := o.api.ProcessingStatus(ctx, r.job.FileID, r.job.ExtractionID, r.job.Version)
			if err != nil {
				return st, err
			}
			if st.Status == StatusFailed {
				return st, &apierr.UnrecoverableJobError{
					FileID:       r.job.FileID,
					ExtractionID: r.job.ExtractionID,
					Status:       st.Status,
					Reason:       st.Reason,
				}
			}
			return st, nil
		},
		func(st ProcessingStatus) bool { return st.Status == StatusCompleted })
	return err
}
