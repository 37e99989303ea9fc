package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"archive-agent/internal/domain"
	"archive-agent/internal/usecase/archive"
)

const (
	modeBasic    = "basic"
	modeDetailed = "detailed"

	defaultMaxFiles = 1000
)

func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.extractArchiveTool(),
		s.listArchiveTool(),
		s.sendAgentRequestTool(),
	)
}

func (s *Server) extractArchiveTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("extract_archive",
		mcplib.WithDescription("Extract a zip, tar or 7z archive into a fresh directory and report its files"),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path of the archive to extract"),
		),
		mcplib.WithString("extraction_mode",
			mcplib.Enum(modeBasic, modeDetailed),
			mcplib.DefaultString(modeBasic),
			mcplib.Description("basic lists paths; detailed adds size, type and modification time"),
		),
		mcplib.WithBoolean("include_metadata",
			mcplib.DefaultBool(true),
			mcplib.Description("Include timing and warnings in the result"),
		),
		mcplib.WithNumber("max_files",
			mcplib.DefaultNumber(defaultMaxFiles),
			mcplib.Min(1),
			mcplib.Description("Maximum number of files to report"),
		),
		mcplib.WithString("password",
			mcplib.Description("Password for encrypted 7z archives"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleExtractArchive}
}

func (s *Server) listArchiveTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_archive",
		mcplib.WithDescription("List the members of an archive without extracting it"),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path of the archive to list"),
		),
		mcplib.WithString("password",
			mcplib.Description("Password for encrypted 7z archives"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListArchive}
}

func (s *Server) sendAgentRequestTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("send_agent_request",
		mcplib.WithDescription("Send a request to a registered agent; without an agent name the request is routed round-robin"),
		mcplib.WithString("request_text",
			mcplib.Required(),
			mcplib.Description("What to ask; a leading @name addresses a specific agent"),
		),
		mcplib.WithString("file_path",
			mcplib.Description("File the request is about"),
		),
		mcplib.WithString("agent",
			mcplib.Description("Agent to address directly"),
		),
		mcplib.WithString("response_format",
			mcplib.DefaultString("markdown"),
			mcplib.Description("Preferred response format"),
		),
		mcplib.WithNumber("retries",
			mcplib.Min(0),
			mcplib.Description("Additional agents to try when one fails"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSendAgentRequest}
}

// fileDetail is the detailed-mode description of an extracted file.
type fileDetail struct {
	Path     string `json:"path"`
	Member   string `json:"member"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Modified string `json:"modified,omitempty"`
}

type extractResult struct {
	Status      string         `json:"status"`
	Message     string         `json:"message"`
	ArchiveInfo archiveInfo    `json:"archive_info"`
	Files       any            `json:"files"`
	Metadata    map[string]any `json:"metadata"`
}

type archiveInfo struct {
	Type      domain.ArchiveKind `json:"type"`
	Size      int64              `json:"size"`
	FileCount int                `json:"file_count"`
}

func (s *Server) handleExtractArchive(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // mcp-go handler signature
	mode := req.GetString("extraction_mode", modeBasic)
	if mode != modeBasic && mode != modeDetailed {
		return mcplib.NewToolResultErrorf("invalid extraction mode %q", mode), nil
	}
	maxFiles := req.GetInt("max_files", defaultMaxFiles)
	if maxFiles <= 0 {
		return mcplib.NewToolResultError("max_files must be positive"), nil
	}

	path, err := s.resolve(req.GetString("file_path", ""))
	if err != nil {
		return toolError(err), nil
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return mcplib.NewToolResultError("file not found"), nil
	}
	kind, err := s.deps.Extractor.Detector().Detect(path)
	if err != nil {
		return toolError(err), nil
	}

	start := time.Now()
	files, err := s.deps.Extractor.Extract(ctx, path, archive.ExtractOptions{
		Password: req.GetString("password", ""),
	})
	if err != nil {
		return toolError(err), nil
	}

	var warnings []string
	shown := files
	if len(shown) > maxFiles {
		shown = shown[:maxFiles]
		warnings = append(warnings, fmt.Sprintf("showing %d of %d files", maxFiles, len(files)))
	}

	res := extractResult{
		Status:      "success",
		Message:     "Archive extracted",
		ArchiveInfo: archiveInfo{Type: kind, Size: info.Size(), FileCount: len(files)},
		Metadata:    map[string]any{},
	}
	if mode == modeBasic {
		res.Files = domain.Paths(shown)
	} else {
		res.Files = details(shown)
	}
	if req.GetBool("include_metadata", true) {
		res.Metadata = map[string]any{
			"extraction_time":     start.UTC().Format(time.RFC3339),
			"processing_duration": time.Since(start).Seconds(),
			"warnings":            append([]string{}, warnings...),
		}
	}
	s.logger.Info("mcp extract", "path", path, "files", len(files), "mode", mode)
	return mcplib.NewToolResultJSON(res)
}

func (s *Server) handleListArchive(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // mcp-go handler signature
	path, err := s.resolve(req.GetString("file_path", ""))
	if err != nil {
		return toolError(err), nil
	}
	names, err := s.deps.Extractor.List(ctx, path, req.GetString("password", ""))
	if err != nil {
		return toolError(err), nil
	}
	return mcplib.NewToolResultJSON(map[string]any{
		"status": "success",
		"files":  names,
		"count":  len(names),
	})
}

func (s *Server) handleSendAgentRequest(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // mcp-go handler signature
	text, err := req.RequireString("request_text")
	if err != nil {
		return mcplib.NewToolResultError("request_text is required"), nil
	}
	areq := domain.AgentRequest{
		RequestText:    text,
		ResponseFormat: req.GetString("response_format", "markdown"),
		Agent:          req.GetString("agent", ""),
	}
	if fp := req.GetString("file_path", ""); fp != "" {
		if areq.FilePath, err = s.resolve(fp); err != nil {
			return toolError(err), nil
		}
	}

	resp, err := s.deps.Broker.Dispatch(ctx, areq, req.GetInt("retries", s.deps.Retries))
	if err != nil {
		return toolError(err), nil
	}
	return mcplib.NewToolResultJSON(resp)
}

func details(files []domain.ExtractedFile) []fileDetail {
	out := make([]fileDetail, 0, len(files))
	for _, f := range files {
		d := fileDetail{
			Path:   f.Path,
			Member: f.Member,
			Size:   f.Size,
			Type:   strings.TrimPrefix(filepath.Ext(f.Path), "."),
		}
		if st, err := os.Stat(f.Path); err == nil {
			d.Modified = st.ModTime().UTC().Format(time.RFC3339)
		}
		out = append(out, d)
	}
	return out
}

// toolError reports err inside the result, prefixed with its error code.
func toolError(err error) *mcplib.CallToolResult {
	return mcplib.NewToolResultErrorf("%s: %v", domain.ErrorCodeOf(err), err)
}
