package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFunc(t *testing.T) {
	var got AgentRequest
	h := HandlerFunc(func(_ context.Context, req AgentRequest) (AgentResponse, error) {
		got = req
		return AgentResponse{Status: "success", Message: req.RequestText}, nil
	})

	resp, err := h.Handle(context.Background(), AgentRequest{RequestText: "ping", FilePath: "/tmp/a.zip"})
	require.NoError(t, err)
	assert.Equal(t, "ping", resp.Message)
	assert.Equal(t, "/tmp/a.zip", got.FilePath)
}

func TestAgentRequestJSON(t *testing.T) {
	data, err := json.Marshal(AgentRequest{FilePath: "a.zip", RequestText: "list"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_path":"a.zip","request_text":"list"}`, string(data))

	var req AgentRequest
	require.NoError(t, json.Unmarshal([]byte(`{"request_text":"hi","agent":"archive","metadata":{"extract":true}}`), &req))
	assert.Equal(t, "archive", req.Agent)
	assert.Equal(t, true, req.Metadata["extract"])
}
