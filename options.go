package splore

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dgallion1/splore/internal/config"
	"github.com/dgallion1/splore/internal/poll"
	"github.com/dgallion1/splore/internal/remote"
	"github.com/dgallion1/splore/internal/retry"
)

type settings struct {
	cfg         config.Config
	log         *slog.Logger
	httpClient  *http.Client
	retryPolicy *retry.Policy
	pollPolicy  *poll.Policy
	pollRand    func() float64
	objects     remote.ObjectReader
	skipAuth    bool
}

// Option configures an SDK at construction.
type Option func(*settings)

// WithConfig replaces the whole configuration, for example with one from
// config.Load. Credentials passed to New still win.
func WithConfig(cfg config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

func WithBaseURL(u string) Option {
	return func(s *settings) { s.cfg.BaseURL = u }
}

func WithUploadURL(u string) Option {
	return func(s *settings) { s.cfg.UploadURL = u }
}

func WithUserID(id string) Option {
	return func(s *settings) { s.cfg.UserID = id }
}

// WithAgentID sets the agent used by SDK.Agent.
func WithAgentID(id string) Option {
	return func(s *settings) { s.cfg.AgentID = id }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *settings) { s.log = log }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *settings) { s.retryPolicy = &p }
}

func WithPollPolicy(p poll.Policy) Option {
	return func(s *settings) { s.pollPolicy = &p }
}

// WithPollJitterSource makes polling jitter deterministic.
func WithPollJitterSource(rnd func() float64) Option {
	return func(s *settings) { s.pollRand = rnd }
}

func WithChunkSize(n int64) Option {
	return func(s *settings) { s.cfg.ChunkSize = n }
}

// WithChunkTimeout bounds each upload chunk. The HTTP client's own Timeout
// applies to API calls only.
func WithChunkTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.ChunkTimeout = d }
}

func WithTempDir(dir string) Option {
	return func(s *settings) { s.cfg.TempDir = dir }
}

// WithUploadInspection checks local files before upload and adds their
// page count to the upload metadata.
func WithUploadInspection(on bool) Option {
	return func(s *settings) { s.cfg.InspectUploads = on }
}

// WithRetryNonIdempotent controls whether job start and job retry calls
// are retried on failure. Retrying them may create duplicate jobs.
func WithRetryNonIdempotent(on bool) Option {
	return func(s *settings) { s.cfg.RetryNonIdempotent = on }
}

// WithTransientRetriesOnly stops retrying client errors such as 400, 401
// and 404. Network failures, 408, 429 and 5xx are still retried.
func WithTransientRetriesOnly(on bool) Option {
	return func(s *settings) { s.cfg.RetryTransientOnly = on }
}

func WithWorkers(n int) Option {
	return func(s *settings) { s.cfg.Workers = n }
}

// WithObjectReader serves gs:// sources from r instead of Cloud Storage.
func WithObjectReader(r remote.ObjectReader) Option {
	return func(s *settings) { s.objects = r }
}

// WithoutKeyCheck skips the API key validation request in New.
func WithoutKeyCheck() Option {
	return func(s *settings) { s.skipAuth = true }
}

// ExtractOption tunes one extraction call.
type ExtractOption func(*extractSettings)

type extractSettings struct {
	maxPollTimeout time.Duration
	metadata       map[string]any
	progress       func(Progress)
	onTransition   func(Transition)
}

// WithMaxPollTimeout overrides the budget of each polling phase.
func WithMaxPollTimeout(d time.Duration) ExtractOption {
	return func(s *extractSettings) { s.maxPollTimeout = d }
}

// WithMetadata adds upload metadata. Values win over the defaults.
func WithMetadata(m map[string]any) ExtractOption {
	return func(s *extractSettings) { s.metadata = m }
}

func WithProgress(fn func(Progress)) ExtractOption {
	return func(s *extractSettings) { s.progress = fn }
}

// WithTransitions observes every state change of the extraction.
func WithTransitions(fn func(Transition)) ExtractOption {
	return func(s *extractSettings) { s.onTransition = fn }
}

func applyExtract(opts []ExtractOption) extractSettings {
	var s extractSettings
	for _, o := range opts {
		o(&s)
	}
	return s
}
