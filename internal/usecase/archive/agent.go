package archive

import (
	"context"
	"fmt"
	"os"
	"strings"

	"archive-agent/internal/domain"
)

// AgentName is the registry name of the built-in archive agent.
const AgentName = "archive"

// AgentVersion is the version the built-in agent registers with.
const AgentVersion = "1.0.0"

// AgentCapabilities describes what the built-in agent handles.
func AgentCapabilities() map[string]any {
	return map[string]any{
		"formats":    []string{"zip", "tar", "tar.gz", "tgz", "7z"},
		"operations": []string{"list", "extract"},
	}
}

// AgentHandler answers routed requests by inspecting the requested archive.
// It lists members by default; metadata "extract": true performs a scoped
// extraction and reports member sizes.
type AgentHandler struct {
	extractor *Extractor
}

var _ domain.AgentHandler = (*AgentHandler)(nil)

// NewAgentHandler creates the built-in archive agent.
func NewAgentHandler(extractor *Extractor) *AgentHandler {
	return &AgentHandler{extractor: extractor}
}

// Handle implements domain.AgentHandler.
func (h *AgentHandler) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	if req.FilePath == "" {
		return domain.AgentResponse{}, domain.NewDomainError("ArchiveAgent.Handle", domain.ErrInvalidInput, "file_path is required")
	}
	if _, err := os.Stat(req.FilePath); err != nil {
		return domain.AgentResponse{}, domain.NewDomainError("ArchiveAgent.Handle", domain.ErrNotFound, req.FilePath)
	}

	format := req.ResponseFormat
	if format == "" {
		format = "markdown"
	}
	meta := map[string]any{"agent": AgentName, "response_format": format}

	kind, err := h.extractor.Detector().Detect(req.FilePath)
	if err != nil {
		return domain.AgentResponse{}, err
	}
	if !kind.Supported() {
		return domain.AgentResponse{
			Status:   "unsupported",
			Message:  fmt.Sprintf("%s is not a supported archive", req.FilePath),
			Data:     map[string]any{"unsupported": req.FilePath},
			Metadata: meta,
		}, nil
	}

	if extract, _ := req.Metadata["extract"].(bool); extract {
		return h.extract(ctx, req.FilePath, kind, format, meta)
	}

	names, err := h.extractor.List(ctx, req.FilePath, passwordOf(req))
	if err != nil {
		return domain.AgentResponse{}, err
	}
	return domain.AgentResponse{
		Status:   "success",
		Message:  summarize(kind, names, format),
		Data:     map[string]any{"kind": kind, "files": names, "count": len(names)},
		Metadata: meta,
	}, nil
}

func (h *AgentHandler) extract(ctx context.Context, path string, kind domain.ArchiveKind, format string, meta map[string]any) (domain.AgentResponse, error) {
	type member struct {
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		Offloaded bool   `json:"offloaded,omitempty"`
	}
	var members []member
	err := h.extractor.ScopedExtract(ctx, path, 0, func(files []domain.ExtractedFile) error {
		for _, f := range files {
			members = append(members, member{Name: f.Member, Size: f.Size, Offloaded: f.Offloaded})
		}
		return nil
	})
	if err != nil {
		return domain.AgentResponse{}, err
	}

	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return domain.AgentResponse{
		Status:   "success",
		Message:  summarize(kind, names, format),
		Data:     map[string]any{"kind": kind, "files": members, "count": len(members)},
		Metadata: meta,
	}, nil
}

func passwordOf(req domain.AgentRequest) string {
	p, _ := req.Metadata["password"].(string)
	return p
}

func summarize(kind domain.ArchiveKind, names []string, format string) string {
	if format != "markdown" {
		return fmt.Sprintf("%d files in %s archive", len(names), kind)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%d files** in %s archive", len(names), kind)
	for _, n := range names {
		fmt.Fprintf(&b, "\n- `%s`", n)
	}
	return b.String()
}
