package fakeserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	name, _ := body["agentName"].(string)
	if name == "" {
		jsonError(w, "agentName is required", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	body["id"] = id

	s.mu.Lock()
	s.agents[id] = body
	s.agentOrder = append(s.agentOrder, id)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	id, _ := body["id"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	for k, v := range body {
		agent[k] = v
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("agentId")
	name := r.URL.Query().Get("agentName")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]any{}
	for _, aid := range s.agentOrder {
		agent, ok := s.agents[aid]
		if !ok {
			continue
		}
		if id != "" && aid != id {
			continue
		}
		if name != "" && agent["agentName"] != name {
			continue
		}
		out = append(out, agent)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	delete(s.agents, id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type searchRequest struct {
	Query   string `json:"query"`
	AgentID string `json:"agent_id"`
	Count   int    `json:"count"`
	Engine  string `json:"engine"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" || req.AgentID == "" {
		jsonError(w, "query and agent_id are required", http.StatusBadRequest)
		return
	}
	results := make([]map[string]any, 0, req.Count)
	for i := range req.Count {
		results = append(results, map[string]any{
			"title": fmt.Sprintf("%s result %d", req.Query, i+1),
			"url":   fmt.Sprintf("https://%s.example/%d", req.Engine, i+1),
		})
	}
	entry := map[string]any{
		"query":     req.Query,
		"engine":    req.Engine,
		"count":     req.Count,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	s.history[req.AgentID] = append(s.history[req.AgentID], entry)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "engine": req.Engine, "results": results})
}

func (s *Server) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agentId")
	if agentID == "" {
		jsonError(w, "agentId is required", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil || size <= 0 {
		size = 10
	}

	s.mu.Lock()
	all := s.history[agentID]
	s.mu.Unlock()

	items := []map[string]any{}
	if from := page * size; from >= 0 && from < len(all) {
		items = all[from:min(from+size, len(all))]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":  page,
		"size":  size,
		"total": len(all),
		"items": items,
	})
}
