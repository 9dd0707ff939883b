package splore

import (
	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/extraction"
	"github.com/dgallion1/splore/internal/pipeline"
	"github.com/dgallion1/splore/internal/transport"
	"github.com/dgallion1/splore/internal/upload"
)

// Error classes. Match them with errors.As, or match the class with
// errors.Is against the sentinels below.
type (
	ValidationError       = apierr.ValidationError
	TransportError        = apierr.TransportError
	TimeoutError          = apierr.TimeoutError
	UnrecoverableJobError = apierr.UnrecoverableJobError
	Phase                 = apierr.Phase
)

var (
	ErrValidation = apierr.ErrValidation
	ErrTransport  = apierr.ErrTransport
	ErrTimeout    = apierr.ErrTimeout
	ErrJobFailed  = apierr.ErrJobFailed
)

const (
	PhaseRetry      = apierr.PhaseRetry
	PhaseIndexing   = apierr.PhaseIndexing
	PhaseProcessing = apierr.PhaseProcessing
)

type (
	Result           = extraction.Result
	Job              = extraction.Job
	State            = extraction.State
	Transition       = extraction.Transition
	IndexingStatus   = extraction.IndexingStatus
	ProcessingStatus = extraction.ProcessingStatus
	Progress         = upload.Progress
	StatsSnapshot    = transport.StatsSnapshot
	Outcome          = pipeline.Outcome
	JobSnapshot      = pipeline.JobSnapshot
)
