// Package mcp exposes the cortexd trigger handlers as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// ServerName and ServerVersion identify cortexd to MCP clients.
const (
	ServerName    = "cortexd"
	ServerVersion = "1.0.0"
)

// Server is the MCP tool server.
type Server struct {
	mcp    *server.MCPServer
	logger *slog.Logger
}

// NewServer creates a Server whose tools call svc.
func NewServer(svc Triggers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("cortexd keeps semantic indexes of registered directories up to date. "+
			"Register a directory with create_library, index it with start_indexing, "+
			"follow progress with task_status and query it with search."),
	)
	AddTools(mcpServer, svc)

	return &Server{mcp: mcpServer, logger: logger}
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve reads JSON-RPC messages from in and writes responses to out until ctx
// is cancelled or in is closed. stdout must not be used for anything else
// while serving.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("serving MCP on stdio")
	err := stdio.Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("MCP server error: %w", err)
}
