package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"archive-agent/internal/domain"
	"archive-agent/internal/usecase/archive"
)

type pathRequest struct {
	Path     string `json:"path"`
	Password string `json:"password,omitempty"`
}

type extractRequest struct {
	Path        string `json:"path"`
	Destination string `json:"destination,omitempty"`
	MaxMembers  int    `json:"max_members,omitempty"`
	Password    string `json:"password,omitempty"`
}

type dispatchRequest struct {
	domain.AgentRequest
	Retries *int `json:"retries,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[pathRequest](w, r)
	if !ok {
		return
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	kind, err := s.deps.Extractor.Detector().Detect(path)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      path,
		"kind":      kind,
		"supported": kind.Supported(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[pathRequest](w, r)
	if !ok {
		return
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	names, err := s.deps.Extractor.List(r.Context(), path, req.Password)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"files": names,
		"count": len(names),
	})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[extractRequest](w, r)
	if !ok {
		return
	}
	// Remote callers may lower the member limit but never raise it.
	if limit := s.deps.Extractor.MaxMembers(); req.MaxMembers < 0 || req.MaxMembers > limit {
		writeDomainError(w, s.logger, domain.NewDomainError("gateway", domain.ErrInvalidInput,
			fmt.Sprintf("max_members must be between 0 and %d", limit)))
		return
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	dest := ""
	if req.Destination != "" {
		if dest, err = s.resolve(req.Destination); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
	}

	files, err := s.deps.Extractor.Extract(r.Context(), path, archive.ExtractOptions{
		Destination: dest,
		MaxMembers:  req.MaxMembers,
		Password:    req.Password,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	s.metrics.Extractions.Add(1)
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  path,
		"files": files,
		"count": len(files),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.deps.Broker.Router().Registry().List()
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Broker.Router().Registry().Get(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	registry := s.deps.Broker.Router().Registry()
	if _, err := registry.Get(name); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	threshold := s.deps.HealthThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeDomainError(w, s.logger, domain.NewDomainError("gateway", domain.ErrInvalidInput, "threshold must be a positive duration"))
			return
		}
		threshold = d
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"status": registry.CheckHealth(name, threshold),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	registry := s.deps.Broker.Router().Registry()
	if err := registry.Heartbeat(name); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	last, _ := registry.LastHeartbeat(name)
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "last_heartbeat": last})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[dispatchRequest](w, r)
	if !ok {
		return
	}
	if req.FilePath != "" {
		path, err := s.resolve(req.FilePath)
		if err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		req.FilePath = path
	}
	retries := s.deps.Retries
	if req.Retries != nil {
		retries = *req.Retries
	}

	resp, err := s.deps.Broker.Dispatch(r.Context(), req.AgentRequest, retries)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	entries := s.deps.Broker.Router().AuditLog(limit)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	traces := s.deps.Broker.Router().Traces(limit)
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces, "count": len(traces)})
}
