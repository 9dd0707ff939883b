// Package fakeserver is an in-memory stand-in for the remote extraction
// service. It serves the REST endpoints the SDK calls plus a minimal tus
// 1.0.0 upload endpoint, with scripted job statuses so clients can be
// exercised end to end without the real service.
package fakeserver

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/splore/internal/logging"
)

// Options configures a Server. Zero values get working defaults.
type Options struct {
	APIKey string
	// IndexingScript is replayed per file by the indexing status endpoint;
	// the last entry repeats.
	IndexingScript []string
	// ProcessingScript is replayed per extraction version.
	ProcessingScript []string
	// Result builds the extraction payload for a file.
	Result func(fileID string, meta map[string]string) any
	Log    *slog.Logger
}

// Server is the fake service. It is safe for concurrent use.
type Server struct {
	router chi.Router
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	calls       map[string]int
	failures    map[string][]int
	agents      map[string]map[string]any
	agentOrder  []string
	history     map[string][]map[string]any
	uploads     map[string]*upload
	extractions map[string]*extractionRun
	byFile      map[string]string
}

func New(opts Options) *Server {
	if len(opts.IndexingScript) == 0 {
		opts.IndexingScript = []string{"PENDING", "INDEXED"}
	}
	if len(opts.ProcessingScript) == 0 {
		opts.ProcessingScript = []string{"PROCESSING", "COMPLETED"}
	}
	if opts.Result == nil {
		opts.Result = defaultResult
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	s := &Server{
		opts:        opts,
		log:         opts.Log,
		calls:       make(map[string]int),
		failures:    make(map[string][]int),
		agents:      make(map[string]map[string]any),
		history:     make(map[string][]map[string]any),
		uploads:     make(map[string]*upload),
		extractions: make(map[string]*extractionRun),
		byFile:      make(map[string]string),
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.countCalls)
		r.Use(s.injectFailures)
		if s.opts.APIKey != "" {
			r.Use(AuthMiddleware(s.opts.APIKey, s.log))
		}

		r.Get("/api/rest/v2/authenticate", s.handleAuthenticate)

		r.Post("/api/rest/v2/agents", s.handleCreateAgent)
		r.Put("/api/rest/v2/agents", s.handleUpdateAgent)
		r.Get("/api/rest/v2/agents", s.handleListAgents)
		r.Delete("/api/rest/v2/agents/{agentID}", s.handleDeleteAgent)

		r.Post("/api/rest/v2/search", s.handleSearch)
		r.Get("/api/rest/v2/search/history", s.handleSearchHistory)

		r.Post("/extractions/start", s.handleStartExtraction)
		r.Post("/extractions/{extractionID}/retry", s.handleRetryExtraction)
		r.Get("/extractions/files/status", s.handleIndexingStatus)
		r.Get("/extractions/status", s.handleProcessingStatus)
		r.Get("/extractions", s.handleExtractions)

		r.Options("/files/", s.handleTusOptions)
		r.Post("/files/", s.handleTusCreate)
		r.Head("/files/{uploadID}", s.handleTusHead)
		r.Patch("/files/{uploadID}", s.handleTusPatch)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Calls returns how often a route was hit, keyed by "METHOD /pattern", for
// example "POST /extractions/start".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next len(statuses) requests to route answer with the
// given statuses before normal handling resumes.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

func routeKey(r *http.Request) string {
	pattern := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		pattern = rc.RoutePattern()
	}
	return r.Method + " " + pattern
}

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[routeKey(r)]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := s.takeFailure(r)
		if status != 0 {
			jsonError(w, "injected failure", status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeFailure(r *http.Request) int {
	key := routeKey(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.failures[key]
	if len(queue) == 0 {
		return 0
	}
	s.failures[key] = queue[1:]
	return queue[0]
}

// AuthMiddleware checks the X-API-KEY header.
func AuthMiddleware(apiKey string, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-KEY")
			if key == "" {
				jsonError(w, "missing api key", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				log.Warn("rejected api key", "path", r.URL.Path)
				jsonError(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs incoming requests.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, out any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out)
}
