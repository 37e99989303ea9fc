package domain

import (
	"context"
	"time"
)

// AgentState is the health of a registered agent.
type AgentState string

const (
	AgentOnline  AgentState = "online"
	AgentOffline AgentState = "offline"
	AgentError   AgentState = "error"
	AgentUnknown AgentState = "unknown"
)

// AgentRequest is the standard request envelope exchanged between agents.
type AgentRequest struct {
	FilePath       string         `json:"file_path"`
	RequestText    string         `json:"request_text"`
	ResponseFormat string         `json:"response_format,omitempty"` // default "markdown"
	Agent          string         `json:"agent,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AgentResponse is the standard response envelope returned by a handler.
type AgentResponse struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AgentHandler processes a request on behalf of a registered agent.
type AgentHandler interface {
	Handle(ctx context.Context, req AgentRequest) (AgentResponse, error)
}

// HandlerFunc adapts an ordinary function to AgentHandler.
type HandlerFunc func(ctx context.Context, req AgentRequest) (AgentResponse, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req AgentRequest) (AgentResponse, error) {
	return f(ctx, req)
}

// AgentInfo is a read-only snapshot of a registered agent.
type AgentInfo struct {
	Name          string         `json:"name"`
	Capabilities  map[string]any `json:"capabilities"`
	Version       string         `json:"version,omitempty"`
	Status        AgentState     `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	HasHandler    bool           `json:"has_handler"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Documentation string         `json:"documentation,omitempty"`
}
