// Package mcpserver exposes a tool registry over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gm-agent-org/kode/pkg/types"
)

// Dispatcher is the registry contract the server relies on.
type Dispatcher interface {
	Dispatch(ctx context.Context, call types.ToolCall) *types.ToolResult
	List() []types.Tool
}

// Server maps every registered tool to an MCP tool of the same name and
// schema. Tool errors are returned as MCP error results, never as protocol
// errors.
type Server struct {
	mcpServer *server.MCPServer
	tools     Dispatcher
	names     []string
	log       *slog.Logger
}

// New creates the MCP server and registers the tools.
func New(name, version string, tools Dispatcher, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(true)),
		tools:     tools,
		log:       log,
	}

	for _, t := range tools.List() {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema of %s: %w", t.Name, err)
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), s.handler(t.Name))
		s.names = append(s.names, t.Name)
	}
	return s, nil
}

// Tools returns the names of the exposed tools.
func (s *Server) Tools() []string {
	return append([]string(nil), s.names...)
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp server listening on stdio", "tools", len(s.names))
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := "{}"
		if raw := request.GetArguments(); raw != nil {
			data, err := json.Marshal(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("encode arguments: %v", err)), nil
			}
			args = string(data)
		}

		res := s.tools.Dispatch(ctx, types.ToolCall{
			ID:        types.GenerateCallID(),
			Name:      name,
			Arguments: args,
		})
		if res.IsError {
			return mcp.NewToolResultError(res.ModelText()), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}
