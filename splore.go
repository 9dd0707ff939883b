// Package splore is a client for the Splore document extraction and search
// service.
//
// An SDK holds the credentials and the shared transport. Agents scope the
// extraction and search capabilities:
//
//	sdk, err := splore.New(ctx, apiKey, baseID)
//	agent, err := sdk.InitAgent(agentID)
//	res, err := agent.Extract(ctx, splore.Source{Path: "invoice.pdf"})
//
// Extraction uploads the file over tus, waits for indexing, starts the job
// and waits for it to complete. Each polling phase has its own time budget.
// A timed-out job is never restarted automatically; call RetryExtraction
// with the job's ids instead.
package splore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dgallion1/splore/internal/agents"
	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/config"
	"github.com/dgallion1/splore/internal/docinfo"
	"github.com/dgallion1/splore/internal/extraction"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/pipeline"
	"github.com/dgallion1/splore/internal/poll"
	"github.com/dgallion1/splore/internal/remote"
	"github.com/dgallion1/splore/internal/retry"
	"github.com/dgallion1/splore/internal/search"
	"github.com/dgallion1/splore/internal/transport"
	"github.com/dgallion1/splore/internal/upload"
)

// SDK is the entry point. It is safe for concurrent use; batch extraction
// gives every worker a session of its own.
type SDK struct {
	cfg         config.Config
	log         *slog.Logger
	httpClient  *http.Client
	retryPolicy retry.Policy
	pollPolicy  poll.Policy
	pollRand    func() float64
	stats       *transport.Stats
	remote      *remote.Opener

	main   *session
	agents *agents.Service
	batch  *pipeline.Pipeline
}

// session is the per-worker state: a transport client and an uploader with
// its own temp file registry.
type session struct {
	client   *transport.Client
	uploader *upload.Uploader
}

func (s *session) close() {
	s.uploader.Cleanup()
	s.client.Close()
}

// New builds an SDK and validates apiKey against the service.
func New(ctx context.Context, apiKey, baseID string, opts ...Option) (*SDK, error) {
	set := settings{cfg: config.Defaults()}
	for _, o := range opts {
		o(&set)
	}
	cfg := set.cfg
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if baseID != "" {
		cfg.BaseID = baseID
	}
	if cfg.APIKey == "" {
		return nil, apierr.Invalid("api_key", "is required")
	}
	cfg.ApplyDefaults()

	log := set.log
	if log == nil {
		log = logging.New("splore", cfg.LogLevel, cfg.LogFormat)
	}
	hc := set.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	s := &SDK{
		cfg:         cfg,
		log:         log,
		httpClient:  hc,
		retryPolicy: retryPolicy(cfg),
		pollPolicy:  pollPolicy(cfg),
		pollRand:    set.pollRand,
		stats:       transport.NewStats(0),
		remote:      &remote.Opener{HTTPClient: hc, Objects: set.objects, Log: log},
	}
	if set.retryPolicy != nil {
		s.retryPolicy = *set.retryPolicy
	}
	if set.pollPolicy != nil {
		s.pollPolicy = *set.pollPolicy
	}
	if err := s.pollPolicy.Validate(); err != nil {
		return nil, err
	}

	main, err := s.newSession()
	if err != nil {
		return nil, err
	}
	s.main = main
	s.agents = agents.NewService(main.client, log)

	if !set.skipAuth {
		if err := main.client.ValidateAPIKey(ctx); err != nil {
			main.close()
			return nil, err
		}
	}
	s.batch = pipeline.New(cfg, log)
	s.batch.Start(context.WithoutCancel(ctx), pipeline.JanitorInterval(cfg.JobTTL))
	log.Debug("sdk ready", "base_url", cfg.BaseURL, "base_id", cfg.BaseID)
	return s, nil
}

// NewFromEnv builds an SDK from SPLORE_* environment variables.
func NewFromEnv(ctx context.Context, opts ...Option) (*SDK, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, apierr.Invalid("config", "%v", err)
	}
	return New(ctx, cfg.APIKey, cfg.BaseID, append([]Option{WithConfig(cfg)}, opts...)...)
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
		MaxTimeout:    cfg.RetryTimeout,
		MaxBackoff:    retry.DefaultMaxBackoff,
	}
}

func pollPolicy(cfg config.Config) poll.Policy {
	return poll.Policy{
		MaxTimeout:     cfg.MaxPollTimeout,
		MinInterval:    cfg.MinPollInterval,
		MaxInterval:    cfg.MaxPollInterval,
		GrowthRate:     cfg.PollGrowthRate,
		JitterFraction: cfg.PollJitter,
	}
}

func (s *SDK) newSession() (*session, error) {
	retrier := &retry.Retrier{Log: s.log}
	if s.cfg.RetryTransientOnly {
		retrier.ShouldRetry = retry.TransientOnly
	}
	client := transport.New(s.cfg.BaseURL, s.cfg.APIKey, transport.Options{
		HTTPClient: s.httpClient,
		Retrier:    retrier,
		Policy:     s.retryPolicy,
		Stats:      s.stats,
		Log:        s.log,
	})
	opener, err := upload.NewTusOpener(s.cfg.UploadURL, s.cfg.APIKey, s.httpClient, s.cfg.ChunkTimeout)
	if err != nil {
		return nil, err
	}
	var inspect upload.Inspector
	if s.cfg.InspectUploads {
		inspect = docinfo.UploadMetadata
	}
	up := upload.New(opener, upload.Options{
		ChunkSize: s.cfg.ChunkSize,
		BaseID:    s.cfg.BaseID,
		UserID:    s.cfg.UserID,
		TempDir:   s.cfg.TempDir,
		Inspect:   inspect,
		Log:       s.log,
	})
	return &session{client: client, uploader: up}, nil
}

func (s *SDK) orchestrator(sess *session, agentID string) (*extraction.Service, *extraction.Orchestrator) {
	svc := extraction.NewService(sess.client, agentID, s.cfg.RetryNonIdempotent, s.log)
	poller := &poll.Poller{Log: s.log, Rand: s.pollRand}
	return svc, extraction.NewOrchestrator(svc, sess.uploader, poller, s.pollPolicy, s.log)
}

// Config returns the effective configuration.
func (s *SDK) Config() config.Config { return s.cfg }

func (s *SDK) Agents() *agents.Service { return s.agents }

// GetAgents lists agents, optionally filtered by id or name.
func (s *SDK) GetAgents(ctx context.Context, agentID, agentName string) (any, error) {
	return s.agents.List(ctx, agentID, agentName)
}

// Uploader exposes the SDK's own uploader, for example to create temp
// destinations for downloads.
func (s *SDK) Uploader() *upload.Uploader { return s.main.uploader }

// Stats reports request latencies across every session of the SDK.
func (s *SDK) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Jobs lists the batch jobs still tracked, oldest first. Finished jobs are
// dropped once their JobTTL has passed.
func (s *SDK) Jobs() []JobSnapshot { return s.batch.Jobs().List() }

// Job returns one batch job by id.
func (s *SDK) Job(id string) (JobSnapshot, bool) {
	j := s.batch.Jobs().Get(id)
	if j == nil {
		return JobSnapshot{}, false
	}
	return j.Snapshot(), true
}

// Close stops job eviction, removes temp files and releases connections.
func (s *SDK) Close() error {
	s.batch.Stop()
	s.main.close()
	return s.remote.Close()
}

// InitAgent scopes the extraction and search capabilities to agentID.
func (s *SDK) InitAgent(agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, apierr.Invalid("agent_id", "is required")
	}
	svc, orch := s.orchestrator(s.main, agentID)
	return &Agent{
		id:  agentID,
		sdk: s,
		extraction: &Extraction{
			sdk:     s,
			agentID: agentID,
			svc:     svc,
			orch:    orch,
		},
		search: search.NewService(s.main.client, agentID, s.log),
	}, nil
}

// Agent returns the agent configured with WithAgentID or SPLORE_AGENT_ID.
func (s *SDK) Agent() (*Agent, error) {
	return s.InitAgent(s.cfg.AgentID)
}

// Agent groups the capabilities of one agent.
type Agent struct {
	id         string
	sdk        *SDK
	extraction *Extraction
	search     *search.Service
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Extraction() *Extraction { return a.extraction }

func (a *Agent) Search() *search.Service { return a.search }

// Extract is shorthand for a.Extraction().Extract.
func (a *Agent) Extract(ctx context.Context, src Source, opts ...ExtractOption) (*Result, error) {
	return a.extraction.Extract(ctx, src, opts...)
}

// SearchQuery is shorthand for a.Search().Search.
func (a *Agent) SearchQuery(ctx context.Context, query string, count int, engine string) (any, error) {
	return a.search.Search(ctx, query, count, engine)
}

// SearchHistory is shorthand for a.Search().History.
func (a *Agent) SearchHistory(ctx context.Context, page, size int) (any, error) {
	return a.search.History(ctx, page, size)
}

// Source names the document to extract: a local Path, a Reader, or a URI
// (http, https or gs). Exactly one must be set. Name overrides the file
// name of a Reader or URI.
type Source struct {
	Path   string
	Reader io.Reader
	URI    string
	Name   string
}

func (s *SDK) uploadSource(ctx context.Context, src Source) (upload.Source, error) {
	if src.URI == "" {
		return upload.Source{Path: src.Path, Reader: src.Reader, Name: src.Name}, nil
	}
	if src.Path != "" || src.Reader != nil {
		return upload.Source{}, apierr.Invalid("source", "only one of file path, stream or uri may be provided")
	}
	if !remote.IsRemote(src.URI) {
		return upload.Source{}, apierr.Invalid("uri", "unsupported uri %q", src.URI)
	}
	return upload.Source{Reader: s.remote.Lazy(ctx, src.URI), Name: src.Name}, nil
}

// closeSource closes a reader the SDK opened on the caller's behalf.
func closeSource(src upload.Source) {
	if r, ok := src.Reader.(*remote.Reader); ok {
		r.Close()
	}
}

// Extraction runs extractions for one agent.
type Extraction struct {
	sdk     *SDK
	agentID string
	svc     *extraction.Service
	orch    *extraction.Orchestrator
}

// Extract uploads src and returns the extracted payload once the job has
// completed.
func (e *Extraction) Extract(ctx context.Context, src Source, opts ...ExtractOption) (*Result, error) {
	req, err := e.request(ctx, src, applyExtract(opts))
	if err != nil {
		return nil, err
	}
	defer closeSource(req.Source)
	return e.orch.Extract(ctx, req)
}

func (e *Extraction) request(ctx context.Context, src Source, set extractSettings) (extraction.Request, error) {
	us, err := e.sdk.uploadSource(ctx, src)
	if err != nil {
		return extraction.Request{}, err
	}
	return extraction.Request{
		Source:         us,
		Metadata:       set.metadata,
		Progress:       set.progress,
		MaxPollTimeout: set.maxPollTimeout,
		OnTransition:   set.onTransition,
	}, nil
}

// ExtractAll extracts many sources concurrently. Each worker uses its own
// transport session and temp file registry. Outcomes are returned in the
// order of srcs; a failed extraction does not stop the others. The jobs stay
// visible through SDK.Jobs until they expire.
func (e *Extraction) ExtractAll(ctx context.Context, srcs []Source, opts ...ExtractOption) ([]Outcome, error) {
	set := applyExtract(opts)
	reqs := make([]extraction.Request, 0, len(srcs))
	for _, src := range srcs {
		req, err := e.request(ctx, src, set)
		if err != nil {
			for _, r := range reqs {
				closeSource(r.Source)
			}
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return e.sdk.batch.ExtractAll(ctx, e.workerFactory(), reqs)
}

type worker struct {
	sess *session
	orch *extraction.Orchestrator
}

func (w *worker) Extract(ctx context.Context, req extraction.Request) (*extraction.Result, error) {
	defer closeSource(req.Source)
	return w.orch.Extract(ctx, req)
}

func (w *worker) Close() { w.sess.close() }

func (e *Extraction) workerFactory() pipeline.Factory {
	return func(ctx context.Context, n int) (pipeline.Worker, error) {
		sess, err := e.sdk.newSession()
		if err != nil {
			return nil, fmt.Errorf("worker %d session: %w", n, err)
		}
		_, orch := e.sdk.orchestrator(sess, e.agentID)
		return &worker{sess: sess, orch: orch}, nil
	}
}

// RetryExtraction re-runs a job that failed or timed out and waits for the
// new version to complete.
func (e *Extraction) RetryExtraction(ctx context.Context, fileID, extractionID string, opts ...ExtractOption) (*Result, error) {
	set := applyExtract(opts)
	return e.orch.RetryExtraction(ctx, fileID, extractionID, set.maxPollTimeout, set.onTransition)
}

// Start starts a job for an already uploaded file without waiting.
func (e *Extraction) Start(ctx context.Context, fileID string) (Job, error) {
	return e.svc.Start(ctx, fileID)
}

func (e *Extraction) IndexingStatus(ctx context.Context, fileID string) (IndexingStatus, error) {
	return e.svc.IndexingStatus(ctx, fileID)
}

func (e *Extraction) ProcessingStatus(ctx context.Context, fileID, extractionID string, version int) (ProcessingStatus, error) {
	return e.svc.ProcessingStatus(ctx, fileID, extractionID, version)
}

func (e *Extraction) ExtractedResponse(ctx context.Context, fileID string) (*Result, error) {
	return e.svc.ExtractedResponse(ctx, fileID)
}

func (e *Extraction) AllExtractedResponses(ctx context.Context) (any, error) {
	return e.svc.AllExtractedResponses(ctx)
}
