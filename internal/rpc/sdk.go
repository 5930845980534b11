package rpc

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/zboralski/r2-headless-mcp/internal/server"
)

// NewMCPServer builds an SDK server over the same catalog as the HTTP
// handler. Arguments are passed through raw; the dispatcher validates them.
func NewMCPServer(tools *server.Server, version string, logger *zap.Logger) *mcp.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)
	for _, t := range tools.Tools() {
		name := t.Name
		srv.AddTool(t, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			logger.Debug("sdk tool call", zap.String("tool", name))
			return tools.CallTool(ctx, name, req.Params.Arguments), nil
		})
	}
	for _, p := range prompts {
		srv.AddPrompt(p.mcpPrompt(), func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return p.render(req.Params.Arguments)
		})
	}
	return srv
}

// ServeStdio runs srv on stdin/stdout until ctx is done or the peer hangs up.
func ServeStdio(ctx context.Context, srv *mcp.Server) error {
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// StreamableHandler serves srv over the SDK's streamable HTTP transport.
func StreamableHandler(srv *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}
