// Package mcp exposes registry tools to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/pkg/schema"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Dispatcher runs one tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, input any) (any, error)
}

// Catalog lists the tools to expose.
type Catalog interface {
	List() []registry.ToolInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Name         string
	Version      string
	Instructions string
	Dispatcher   Dispatcher
	Catalog      Catalog
	Logger       *slog.Logger
}

// Server wraps an MCP server whose tools forward to a Dispatcher.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with one MCP tool per catalog entry.
func NewServer(deps ServerDeps) *Server {
	name, version := deps.Name, deps.Version
	if name == "" {
		name = "toolforge"
	}
	if version == "" {
		version = "0.0.0"
	}

	s := &Server{
		dispatcher: deps.Dispatcher,
		logger:     logging.OrDefault(deps.Logger),
	}

	opts := []server.ServerOption{
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	}
	if deps.Instructions != "" {
		opts = append(opts, server.WithInstructions(deps.Instructions))
	}
	mcpSrv := server.NewMCPServer(name, version, opts...)

	if deps.Catalog != nil {
		mcpSrv.AddTools(s.tools(deps.Catalog.List())...)
	}
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools(infos []registry.ToolInfo) []server.ServerTool {
	out := make([]server.ServerTool, 0, len(infos))
	for _, info := range infos {
		inputSchema := info.InputSchema
		if len(inputSchema) == 0 {
			inputSchema = emptyObjectSchema
		}
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(info.Name, info.Description, inputSchema),
			Handler: s.handler(info.Name),
		})
	}
	return out
}

// handler forwards a call to the dispatcher. Tool failures are reported
// inside the result so the client sees the error code.
func (s *Server) handler(tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		out, err := s.dispatcher.Dispatch(ctx, tool, args)
		if err != nil {
			return errorResult(err), nil
		}
		return marshalResult(out)
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to marshal result: %v", err), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func errorResult(err error) *mcp.CallToolResult {
	var fe *schema.ForgeError
	if !errors.As(err, &fe) {
		fe = schema.NewInternalError(err.Error())
	}
	data, mErr := json.Marshal(fe)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}
