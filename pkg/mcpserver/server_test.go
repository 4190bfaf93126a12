package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gm-agent-org/kode/pkg/tool"
	"github.com/gm-agent-org/kode/pkg/types"
)

// extractText extracts text from CallToolResult.Content[0]
func extractText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if textContent, ok := result.Content[0].(mcp.TextContent); ok {
		return textContent.Text
	}
	return ""
}

type echoArgs struct {
	Text string `json:"text" validate:"required"`
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	reg := tool.NewRegistry(nil, nil)
	require.NoError(t, reg.Register(types.Tool{
		Name:        "echo",
		Description: "Echo text",
		Parameters: types.JSONSchema{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
	}, func(_ context.Context, args string) (string, error) {
		a, err := tool.DecodeArgs[echoArgs](args)
		if err != nil {
			return "", err
		}
		return a.Text, nil
	}))
	srv, err := New("kode-test", "0.0.0", reg, nil)
	require.NoError(t, err)
	return srv
}

func TestToolsAreExposed(t *testing.T) {
	srv := setupTestServer(t)
	assert.Equal(t, []string{"echo"}, srv.Tools())
	assert.NotNil(t, srv.MCPServer())
}

func TestHandlerSuccess(t *testing.T) {
	srv := setupTestServer(t)
	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "echo",
			Arguments: map[string]any{"text": "hello"},
		},
	}
	result, err := srv.handler("echo")(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", extractText(result))
}

func TestHandlerToolError(t *testing.T) {
	srv := setupTestServer(t)
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: "echo"}}
	result, err := srv.handler("echo")(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(result), string(types.KindInvalidArguments))
}

func TestToolsListOverProtocol(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	init := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	require.NotNil(t, srv.MCPServer().HandleMessage(ctx, json.RawMessage(init)))

	resp := srv.MCPServer().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		Result struct {
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Result.Tools, 1)
	assert.Equal(t, "echo", decoded.Result.Tools[0].Name)
	assert.Equal(t, "object", decoded.Result.Tools[0].InputSchema["type"])
}
