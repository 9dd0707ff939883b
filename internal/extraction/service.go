// Package extraction wraps the extraction endpoints and drives a file
// through upload, indexing, job start and processing to its result.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/transport"
	"github.com/dgallion1/splore/internal/validate"
)

// Server-reported statuses.
const (
	StatusPending    = "PENDING"
	StatusIndexed    = "INDEXED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

type StartInput struct {
	AgentID string `json:"agentId" validate:"required"`
	FileID  string `json:"fileId" validate:"required"`
}

// Job identifies one extraction run. Version increases on every retry.
type Job struct {
	FileID       string `json:"fileId,omitempty"`
	ExtractionID string `json:"extractionId"`
	Version      int    `json:"version"`
}

type IndexingStatus struct {
	FileID string `json:"fileId"`
	Status string `json:"indexingStatus"`
	Reason string `json:"reason,omitempty"`
}

type ProcessingStatus struct {
	FileID       string `json:"fileId,omitempty"`
	ExtractionID string `json:"extractionId,omitempty"`
	Version      int    `json:"version,omitempty"`
	Status       string `json:"fileProcessingStatus"`
	Reason       string `json:"reason,omitempty"`
}

// Result is the extracted payload for a file. Data is the decoded JSON
// document, or the raw text when the server returned something else.
type Result struct {
	Job
	Data any             `json:"data"`
	Raw  json.RawMessage `json:"-"`
}

// Service calls the extraction endpoints for one agent. It is safe for
// concurrent use when its transport client is.
type Service struct {
	client  *transport.Client
	agentID string
	// retryStart allows retries of the non-idempotent start and retry calls.
	retryStart bool
	log        *slog.Logger
}

func NewService(client *transport.Client, agentID string, retryNonIdempotent bool, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{client: client, agentID: agentID, retryStart: retryNonIdempotent, log: log}
}

func (s *Service) AgentID() string { return s.agentID }

func (s *Service) requireAgent() error {
	if s.agentID == "" {
		return apierr.Invalid("agent_id", "agent id is required for extraction")
	}
	return nil
}

// Start asks the server to extract fileID. A missing version in the reply
// means 1.
func (s *Service) Start(ctx context.Context, fileID string) (Job, error) {
	in := StartInput{AgentID: s.agentID, FileID: fileID}
	if err := validate.Struct(ctx, &in); err != nil {
		return Job{}, err
	}
	job, err := transport.Into[Job](ctx, s.client, http.MethodPost, "extractions/start", transport.Call{
		Body: in,
		Once: !s.retryStart,
	})
	if err != nil {
		return Job{}, fmt.Errorf("start extraction: %w", err)
	}
	if job.ExtractionID == "" {
		return Job{}, fmt.Errorf("start extraction: response carries no extractionId")
	}
	if job.Version <= 0 {
		job.Version = 1
	}
	job.FileID = fileID
	logging.FromContext(ctx, s.log).Info("extraction started", "file_id", fileID, "extraction_id", job.ExtractionID, "version", job.Version)
	return job, nil
}

// Retry re-runs an existing extraction and returns its new version.
func (s *Service) Retry(ctx context.Context, extractionID string) (int, error) {
	if extractionID == "" {
		return 0, apierr.Invalid("extraction_id", "is required")
	}
	if err := s.requireAgent(); err != nil {
		return 0, err
	}
	out, err := transport.Into[struct {
		Version int `json:"version"`
	}](ctx, s.client, http.MethodPost, "extractions/"+url.PathEscape(extractionID)+"/retry", transport.Call{
		Body: map[string]string{"agentId": s.agentID},
		Once: !s.retryStart,
	})
	if err != nil {
		return 0, fmt.Errorf("retry extraction %s: %w", extractionID, err)
	}
	if out.Version <= 0 {
		return 0, fmt.Errorf("retry extraction %s: response carries no version", extractionID)
	}
	return out.Version, nil
}

func (s *Service) IndexingStatus(ctx context.Context, fileID string) (IndexingStatus, error) {
	if fileID == "" {
		return IndexingStatus{}, apierr.Invalid("file_id", "is required")
	}
	st, err := transport.Into[IndexingStatus](ctx, s.client, http.MethodGet, "extractions/files/status", transport.Call{
		Query: url.Values{"fileId": {fileID}},
	})
	if err != nil {
		return IndexingStatus{}, fmt.Errorf("indexing status: %w", err)
	}
	if st.FileID == "" {
		st.FileID = fileID
	}
	return st, nil
}

// ProcessingStatus reports the job's status. extractionID and version may be
// empty and zero to ask about the file's latest run.
func (s *Service) ProcessingStatus(ctx context.Context, fileID, extractionID string, version int) (ProcessingStatus, error) {
	if err := s.requireAgent(); err != nil {
		return ProcessingStatus{}, err
	}
	q := url.Values{"agentId": {s.agentID}, "fileId": {fileID}}
	if extractionID != "" {
		q.Set("extractionId", extractionID)
	}
	if version > 0 {
		q.Set("version", strconv.Itoa(version))
	}
	st, err := transport.Into[ProcessingStatus](ctx, s.client, http.MethodGet, "extractions/status", transport.Call{Query: q})
	if err != nil {
		return ProcessingStatus{}, fmt.Errorf("processing status: %w", err)
	}
	return st, nil
}

// ExtractedResponse fetches the extraction output for fileID.
func (s *Service) ExtractedResponse(ctx context.Context, fileID string) (*Result, error) {
	if err := s.requireAgent(); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, "extractions", url.Values{"agentId": {s.agentID}, "fileId": {fileID}})
	if err != nil {
		return nil, fmt.Errorf("extracted response: %w", err)
	}
	return &Result{Job: Job{FileID: fileID}, Data: resp.Value, Raw: resp.Raw}, nil
}

// AllExtractedResponses lists every extraction visible to the API key.
func (s *Service) AllExtractedResponses(ctx context.Context) (any, error) {
	resp, err := s.client.Get(ctx, "extractions", nil)
	if err != nil {
		return nil, fmt.Errorf("all extracted responses: %w", err)
	}
	return resp.Value, nil
}
