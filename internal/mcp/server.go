// Package mcp exposes the timebeat console over the Model Context Protocol so
// tool-using clients can run the same commands an SSH operator can.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ternarybob/timebeat-ssh/internal/console"
	"github.com/ternarybob/timebeat-ssh/internal/timebeat"
)

// Server wraps the command table to provide MCP tool access.
type Server struct {
	table  *console.Table
	store  *timebeat.Store
	server *server.MCPServer
}

// NewServer creates a new MCP server over table and store.
func NewServer(table *console.Table, store *timebeat.Store, version string) *Server {
	s := &Server{
		table: table,
		store: store,
	}

	mcpServer := server.NewMCPServer(
		"timebeat-ssh",
		version,
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.server = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	// command - run one console command line
	mcpServer.AddTool(
		mcp.NewTool("command",
			mcp.WithDescription("Run a timebeat console command (status, logs 100, enable ptp, disable ntp secondary, clock, config, reload, help)."),
			mcp.WithString("line",
				mcp.Required(),
				mcp.Description("Command line exactly as typed at the timebeat> prompt"),
			),
		),
		s.handleCommand,
	)

	// protocols - structured clock list
	mcpServer.AddTool(
		mcp.NewTool("protocols",
			mcp.WithDescription("List the configured primary and secondary clocks as JSON."),
		),
		s.handleProtocols,
	)
}

func (s *Server) handleCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	line := strings.TrimSpace(request.GetString("line", ""))
	if line == "" {
		return mcp.NewToolResultError("line parameter is required"), nil
	}

	resp := s.table.Dispatch(console.WithUser(ctx, "mcp"), line)
	switch resp.Status {
	case console.StatusUnknown, console.StatusFault:
		return mcp.NewToolResultError(resp.Text), nil
	}
	return mcp.NewToolResultText(resp.Text), nil
}

func (s *Server) handleProtocols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	primary, secondary, err := s.store.Snapshot()
	if err != nil {
		return mcp.NewToolResultError(timebeat.NotLoadedMessage), nil
	}

	data, err := json.MarshalIndent(map[string][]timebeat.ClockEntry{
		"primary":   primary,
		"secondary": secondary,
	}, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode clocks: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the MCP server on stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.server)
}
