package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/config"
	"archive-agent/internal/infra/logger"
	"archive-agent/internal/security"
	"archive-agent/internal/usecase/archive"
	"archive-agent/internal/usecase/multiagent"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()

	detector, err := archive.NewDetector(true, 16)
	require.NoError(t, err)
	extractor := archive.NewExtractor(detector, archive.Config{MaxMembers: 100, TempDir: t.TempDir()}, logger.Discard())

	router := multiagent.NewRouter(multiagent.NewRegistry(logger.Discard()), logger.Discard())
	require.NoError(t, router.RegisterAgent(multiagent.AgentSpec{
		Name:         archive.AgentName,
		Version:      archive.AgentVersion,
		Capabilities: archive.AgentCapabilities(),
		Handler:      archive.NewAgentHandler(extractor),
	}))

	sandbox, err := security.NewSandbox(root)
	require.NoError(t, err)

	s := NewServer(config.MCPConfig{Name: "archive-agent", Version: "test"}, Deps{
		Extractor: extractor,
		Broker:    multiagent.NewBroker(router, nil, logger.Discard()),
		Sandbox:   sandbox,
		Retries:   1,
	}, logger.Discard())
	return s, sandbox.Root()
}

func writeZip(t *testing.T, path string, names ...string) string {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + n))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func call(t *testing.T, s *Server, tool string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	st := s.MCPServer().GetTool(tool)
	require.NotNil(t, st, tool)
	req := mcplib.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := st.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcplib.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestToolRegistration(t *testing.T) {
	s, _ := newTestServer(t)
	tools := s.MCPServer().ListTools()
	assert.Len(t, tools, 3)
	for _, name := range []string{"extract_archive", "list_archive", "send_agent_request"} {
		assert.Contains(t, tools, name)
	}
}

func TestExtractArchiveBasic(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "file.txt", "docs/readme.md")

	res := call(t, s, "extract_archive", map[string]any{"file_path": "a.zip"})
	require.False(t, res.IsError, text(t, res))

	var out struct {
		Status      string         `json:"status"`
		ArchiveInfo archiveInfo    `json:"archive_info"`
		Files       []string       `json:"files"`
		Metadata    map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, domain.ArchiveZip, out.ArchiveInfo.Type)
	assert.Equal(t, 2, out.ArchiveInfo.FileCount)
	require.Len(t, out.Files, 2)
	assert.Equal(t, "file.txt", filepath.Base(out.Files[0]))
	assert.FileExists(t, out.Files[0])
	assert.Contains(t, out.Metadata, "extraction_time")
}

func TestExtractArchiveDetailed(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "one.txt", "two.csv", "three.md")

	res := call(t, s, "extract_archive", map[string]any{
		"file_path":        "a.zip",
		"extraction_mode":  "detailed",
		"max_files":        float64(2),
		"include_metadata": false,
	})
	require.False(t, res.IsError, text(t, res))

	var out struct {
		ArchiveInfo archiveInfo    `json:"archive_info"`
		Files       []fileDetail   `json:"files"`
		Metadata    map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, 3, out.ArchiveInfo.FileCount)
	require.Len(t, out.Files, 2)
	assert.Equal(t, "one.txt", out.Files[0].Member)
	assert.Equal(t, "txt", out.Files[0].Type)
	assert.EqualValues(t, len("content of one.txt"), out.Files[0].Size)
	assert.NotEmpty(t, out.Files[0].Modified)
	assert.Empty(t, out.Metadata)
}

func TestExtractArchiveTruncationWarning(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "a", "b", "c")

	res := call(t, s, "extract_archive", map[string]any{"file_path": "a.zip", "max_files": 1})
	require.False(t, res.IsError)

	var out struct {
		Metadata struct {
			Warnings []string `json:"warnings"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, []string{"showing 1 of 3 files"}, out.Metadata.Warnings)
}

func TestExtractArchiveErrors(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "x")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("plain text\n"), 0o644))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing file", map[string]any{"file_path": "nope.zip"}, "file not found"},
		{"invalid mode", map[string]any{"file_path": "a.zip", "extraction_mode": "smart"}, "invalid extraction mode"},
		{"non-positive max", map[string]any{"file_path": "a.zip", "max_files": 0}, "max_files must be positive"},
		{"unsupported", map[string]any{"file_path": "notes.txt"}, string(domain.CodeUnsupportedArchive)},
		{"outside sandbox", map[string]any{"file_path": "../a.zip"}, string(domain.CodePathOutsideSandbox)},
		{"no path", map[string]any{}, string(domain.CodeInvalidInput)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, s, "extract_archive", tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, text(t, res), tt.want)
		})
	}
}

func TestListArchive(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "b.txt", "a.txt")

	res := call(t, s, "list_archive", map[string]any{"file_path": filepath.Join(root, "a.zip")})
	require.False(t, res.IsError, text(t, res))

	var out struct {
		Files []string `json:"files"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, []string{"b.txt", "a.txt"}, out.Files)
	assert.Equal(t, 2, out.Count)
}

func TestSendAgentRequest(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "x.txt")

	res := call(t, s, "send_agent_request", map[string]any{
		"request_text": "what is in this archive?",
		"file_path":    "a.zip",
	})
	require.False(t, res.IsError, text(t, res))

	var resp domain.AgentResponse
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, archive.AgentName, resp.Metadata["agent"])

	res = call(t, s, "send_agent_request", map[string]any{"file_path": "a.zip"})
	assert.True(t, res.IsError)

	res = call(t, s, "send_agent_request", map[string]any{"request_text": "hi", "agent": "ghost"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), string(domain.CodeNoHandler))
}

func TestInProcessClient(t *testing.T) {
	s, root := newTestServer(t)
	writeZip(t, filepath.Join(root, "a.zip"), "x.txt")

	ctx := context.Background()
	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "test-client", Version: "1.0.0"}
	ir, err := c.Initialize(ctx, initReq)
	require.NoError(t, err)
	assert.Equal(t, "archive-agent", ir.ServerInfo.Name)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 3)

	req := mcplib.CallToolRequest{}
	req.Params.Name = "list_archive"
	req.Params.Arguments = map[string]any{"file_path": "a.zip"}
	res, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, text(t, res), "x.txt")
}
