// Package agents manages the agents that own extractions and searches.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dgallion1/splore/internal/apierr"
	"github.com/dgallion1/splore/internal/logging"
	"github.com/dgallion1/splore/internal/transport"
	"github.com/dgallion1/splore/internal/validate"
)

const endpoint = "api/rest/v2/agents"

type CreateAgentInput struct {
	AgentName       string `json:"agentName" validate:"required"`
	Description     string `json:"description,omitempty"`
	EnableWebSearch *bool  `json:"enableWebSearch,omitempty"`
}

type RetrievalWeights struct {
	DocType    map[string]float64 `json:"docType,omitempty"`
	RecencyDay *float64           `json:"recencyDay,omitempty"`
}

type RankProfileConfig struct {
	Ratio       *float64           `json:"ratio,omitempty"`
	MatchFactor map[string]float64 `json:"matchFactor,omitempty"`
}

// UpdateAgentInput changes an existing agent. Nil fields are left as they
// are on the server.
type UpdateAgentInput struct {
	ID              string `json:"id" validate:"required"`
	AgentName       string `json:"agentName,omitempty"`
	Description     string `json:"description,omitempty"`
	EnableWebSearch *bool  `json:"enableWebSearch,omitempty"`
	TopK            *int   `json:"topk,omitempty" validate:"omitempty,min=1,max=10"`
	UseInternalData *bool  `json:"useInternalData,omitempty"`
	Model           string `json:"model,omitempty"`
	// The server spells this field "temprature".
	Temperature              *float64           `json:"temprature,omitempty" validate:"omitempty,min=0,max=1"`
	ResponseGeneration       *bool              `json:"responseGeneration,omitempty"`
	InlineCitation           *bool              `json:"inlineCitation,omitempty"`
	RetrievalWeights         *RetrievalWeights  `json:"retrievalWeights,omitempty"`
	ReturnRelatedQuestions   *bool              `json:"returnRelatedQuestions,omitempty"`
	DefaultRelatedQuestions  []string           `json:"defaultRelatedQuestions,omitempty"`
	NumberOfRelatedQuestions *int               `json:"numberOfRelatedQuestions,omitempty" validate:"omitempty,min=0"`
	RankProfiles             *RankProfileConfig `json:"rankProfiles,omitempty"`
}

// Service wraps the agent endpoints. Replies are returned as decoded JSON
// since their shape varies between server releases.
type Service struct {
	client *transport.Client
	log    *slog.Logger
}

func NewService(client *transport.Client, log *slog.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{client: client, log: log}
}

func (s *Service) Create(ctx context.Context, in CreateAgentInput) (any, error) {
	if err := validate.Struct(ctx, &in); err != nil {
		return nil, err
	}
	resp, err := s.client.Request(ctx, http.MethodPost, endpoint, transport.Call{Body: in})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	logging.FromContext(ctx, s.log).Info("agent created", "agent_name", in.AgentName)
	return resp.Value, nil
}

func (s *Service) Update(ctx context.Context, in UpdateAgentInput) (any, error) {
	if err := validate.Struct(ctx, &in); err != nil {
		return nil, err
	}
	resp, err := s.client.Request(ctx, http.MethodPut, endpoint, transport.Call{Body: in})
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", in.ID, err)
	}
	return resp.Value, nil
}

// List returns agents, optionally filtered by id or name.
func (s *Service) List(ctx context.Context, agentID, agentName string) (any, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agentId", agentID)
	}
	if agentName != "" {
		q.Set("agentName", agentName)
	}
	resp, err := s.client.Get(ctx, endpoint, q)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return resp.Value, nil
}

func (s *Service) Delete(ctx context.Context, agentID string) (any, error) {
	if agentID == "" {
		return nil, apierr.Invalid("agentId", "is required")
	}
	resp, err := s.client.Request(ctx, http.MethodDelete, endpoint+"/"+url.PathEscape(agentID), transport.Call{})
	if err != nil {
		return nil, fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	logging.FromContext(ctx, s.log).Info("agent deleted", "agent_id", agentID)
	return resp.Value, nil
}
