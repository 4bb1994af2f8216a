// Package mcp implements the Model Context Protocol server for Kizuna.
//
// The MCP server exposes the federation engine through MCP resources, tools
// and prompts, so MCP-compatible operator assistants can inspect federation
// health and costs and act on severed relationships. Read tools need the
// reader role; tools that change state need operator or above.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kizuna/internal/ctxutil"
	"github.com/ashita-ai/kizuna/internal/federation"
	"github.com/ashita-ai/kizuna/internal/model"
)

// inspectWindow is how long a status or health read counts as recent for
// the inspect-before-act nudge.
const inspectWindow = 30 * time.Minute

// Server wraps the MCP server with Kizuna's federation engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *federation.Engine
	logger    *slog.Logger
	inspected *inspectTracker
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(engine *federation.Engine, logger *slog.Logger, version string) *Server {
	s := &Server{
		engine:    engine,
		logger:    logger,
		inspected: newInspectTracker(inspectWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kizuna",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kizuna manages this instance's federation with remote instances.

Before pausing or blocking a domain, read its status with kizuna_status or
kizuna_health. Blocking records a severed relationship; a block for a policy
violation can never be reconnected. Budget and cost figures are USD for the
current billing month.`

// requireWriter returns an error result unless the caller holds the
// operator role or above.
func requireWriter(ctx context.Context) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required")
	}
	if !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return errorResult("this tool requires the operator role")
	}
	return nil
}

func callerID(ctx context.Context) string {
	if c := ctxutil.ClaimsFromContext(ctx); c != nil {
		return c.OperatorID
	}
	return ""
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
