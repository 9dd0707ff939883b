// Package search runs agent-scoped web and document searches.
package search

import (
	"context"
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

const endpoint = "api/rest/v2/search"

type QueryInput struct {
	Query   string `json:"query" validate:"required"`
	AgentID string `json:"agent_id" validate:"required"`
	Count   int    `json:"count" default:"10" validate:"min=1"`
	Engine  string `json:"engine" default:"google"`
}

type HistoryInput struct {
	AgentID string `json:"agentId" validate:"required"`
	Page    int    `json:"page" validate:"min=0"`
	Size    int    `json:"size" default:"10" validate:"min=1"`
}

type Service struct {
	client  *transport.Client
	agentID string
	log     *slog.Logger
}

func NewService(client *transport.Client, agentID string, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{client: client, agentID: agentID, log: log}
}

func (s *Service) SetAgent(agentID string) { s.agentID = agentID }

func (s *Service) requireAgent(op string) error {
	if s.agentID == "" {
		return apierr.Invalid("agent_id", "an agent id is required for %s", op)
	}
	return nil
}

// Search runs query through engine. Zero count and empty engine take the
// defaults of 10 and "google".
func (s *Service) Search(ctx context.Context, query string, count int, engine string) (any, error) {
	if err := s.requireAgent("search"); err != nil {
		return nil, err
	}
	in := QueryInput{Query: query, AgentID: s.agentID, Count: count, Engine: engine}
	if err := validate.Struct(ctx, &in); err != nil {
		return nil, err
	}
	resp, err := s.client.Request(ctx, http.MethodPost, endpoint, transport.Call{Body: in})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	logging.FromContext(ctx, s.log).Debug("search done", "agent_id", s.agentID, "engine", in.Engine, "count", in.Count)
	return resp.Value, nil
}

// History pages through past searches of the agent. A zero size means 10.
func (s *Service) History(ctx context.Context, page, size int) (any, error) {
	if err := s.requireAgent("search history"); err != nil {
		return nil, err
	}
	in := HistoryInput{AgentID: s.agentID, Page: page, Size: size}
	if err := validate.Struct(ctx, &in); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, endpoint+"/history", url.Values{
		"agentId": {in.AgentID},
		"page":    {strconv.Itoa(in.Page)},
		"size":    {strconv.Itoa(in.Size)},
	})
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	return resp.Value, nil
}
