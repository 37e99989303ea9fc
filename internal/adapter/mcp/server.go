// Package mcp serves the archive tools over the Model Context Protocol.
package mcp

import (
	"log/slog"
	"path/filepath"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
	"archive-agent/internal/security"
	"archive-agent/internal/usecase/archive"
	"archive-agent/internal/usecase/multiagent"
)

// Deps are the collaborators the tools call into.
type Deps struct {
	Extractor *archive.Extractor
	Broker    *multiagent.Broker
	Sandbox   *security.Sandbox // nil leaves paths unrestricted
	Retries   int
}

// Server exposes extract_archive, list_archive and send_agent_request.
type Server struct {
	deps      Deps
	mcpServer *mcpserver.MCPServer
	logger    *slog.Logger
}

// NewServer creates the MCP server and registers its tools.
func NewServer(cfg config.MCPConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// ServeStdio serves requests on stdin/stdout until EOF or a termination
// signal.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) resolve(path string) (string, error) {
	if path == "" {
		return "", domain.NewDomainError("mcp", domain.ErrInvalidInput, "file_path is required")
	}
	if s.deps.Sandbox == nil {
		return filepath.Abs(path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.deps.Sandbox.Root(), path)
	}
	return s.deps.Sandbox.ValidatePath(path)
}
