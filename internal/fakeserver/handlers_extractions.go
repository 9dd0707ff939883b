package fakeserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type extractionRun struct {
	id      string
	fileID  string
	agentID string
	version int
	// polls counts processing status checks of the current version.
	polls int
}

func script(steps []string, n int) string {
	return steps[min(n, len(steps)-1)]
}

func (s *Server) handleStartExtraction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
		FileID  string `json:"fileId"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.FileID == "" {
		jsonError(w, "agentId and fileId are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[body.FileID]; !ok {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	run := &extractionRun{id: uuid.NewString(), fileID: body.FileID, agentID: body.AgentID, version: 1}
	s.extractions[run.id] = run
	s.byFile[body.FileID] = run.id
	writeJSON(w, http.StatusOK, map[string]any{"extractionId": run.id, "version": run.version})
}

func (s *Server) handleRetryExtraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "extractionID")

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.extractions[id]
	if !ok {
		jsonError(w, "extraction not found", http.StatusNotFound)
		return
	}
	run.version++
	run.polls = 0
	writeJSON(w, http.StatusOK, map[string]any{"extractionId": run.id, "version": run.version})
}

func (s *Server) handleIndexingStatus(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileId")

	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[fileID]
	if !ok {
		jsonError(w, "file not found", http.StatusNotFound)
		return
	}
	status := "PENDING"
	if up.complete() {
		status = script(s.opts.IndexingScript, up.indexPolls)
		up.indexPolls++
	}
	writeJSON(w, http.StatusOK, map[string]any{"fileId": fileID, "indexingStatus": status})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileID := q.Get("fileId")

	s.mu.Lock()
	defer s.mu.Unlock()
	id := q.Get("extractionId")
	if id == "" {
		id = s.byFile[fileID]
	}
	run, ok := s.extractions[id]
	if !ok || run.fileID != fileID {
		jsonError(w, "extraction not found", http.StatusNotFound)
		return
	}
	if v := q.Get("version"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n != run.version {
			jsonError(w, "unknown version "+v, http.StatusConflict)
			return
		}
	}
	status := script(s.opts.ProcessingScript, run.polls)
	run.polls++
	writeJSON(w, http.StatusOK, map[string]any{
		"fileId":               fileID,
		"extractionId":         run.id,
		"version":              run.version,
		"fileProcessingStatus": status,
	})
}

func (s *Server) handleExtractions(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileId")

	s.mu.Lock()
	defer s.mu.Unlock()
	if fileID == "" {
		out := []map[string]any{}
		for _, run := range s.extractions {
			out = append(out, s.payload(run))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	run, ok := s.extractions[s.byFile[fileID]]
	if !ok {
		jsonError(w, "extraction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.payload(run))
}

func (s *Server) payload(run *extractionRun) map[string]any {
	var meta map[string]string
	if up, ok := s.uploads[run.fileID]; ok {
		meta = up.meta
	}
	return map[string]any{
		"fileId":       run.fileID,
		"extractionId": run.id,
		"version":      run.version,
		"data":         s.opts.Result(run.fileID, meta),
	}
}

func defaultResult(fileID string, meta map[string]string) any {
	return map[string]any{
		"filename": meta["filename"],
		"filetype": meta["filetype"],
		"fields":   map[string]any{"documentId": fileID},
	}
}
