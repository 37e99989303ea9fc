package gateway

import (
	"net/http"
	"time"

	"archive-agent/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service  ServiceStatus     `json:"service"`
	Agents   AgentsStatus      `json:"agents"`
	Router   domain.Metrics    `json:"router"`
	Gateway  GatewayStatus     `json:"gateway"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Storage       string `json:"storage"`
	Sandboxed     bool   `json:"sandboxed"`
}

// AgentsStatus holds registry counts.
type AgentsStatus struct {
	Registered int                       `json:"registered"`
	ByStatus   map[domain.AgentState]int `json:"by_status"`
}

// GatewayStatus holds gateway counters.
type GatewayStatus struct {
	HTTPRequests  int64 `json:"http_requests"`
	HTTPErrors    int64 `json:"http_errors"`
	Extractions   int64 `json:"extractions"`
	EventClients  int   `json:"event_clients"`
	EventsDropped int64 `json:"events_dropped"`
}

func (s *Server) status() StatusResponse {
	router := s.deps.Broker.Router()
	states := router.Registry().ReportStatus()
	byStatus := make(map[domain.AgentState]int)
	for _, st := range states {
		byStatus[st]++
	}

	storage := s.deps.Storage
	if storage == "" {
		storage = "none"
	}
	return StatusResponse{
		Service: ServiceStatus{
			Name:          "archive-agent",
			Version:       s.deps.Version,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
			Storage:       storage,
			Sandboxed:     s.deps.Sandbox != nil,
		},
		Agents: AgentsStatus{
			Registered: len(states),
			ByStatus:   byStatus,
		},
		Router: router.Metrics(),
		Gateway: GatewayStatus{
			HTTPRequests:  s.metrics.HTTPRequests.Load(),
			HTTPErrors:    s.metrics.HTTPErrors.Load(),
			Extractions:   s.metrics.Extractions.Load(),
			EventClients:  s.eventClients(),
			EventsDropped: s.metrics.EventsDropped.Load(),
		},
		Breakers: router.BreakerStates(),
	}
}

func (s *Server) eventClients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}
