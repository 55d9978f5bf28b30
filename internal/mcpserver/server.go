package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the auditor tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("approval-auditor", version)
	h := NewHandlers(NewAuditorClient(cfg))

	s.AddTool(ToolAuditApprovals, h.HandleAuditApprovals)
	s.AddTool(ToolListChains, h.HandleListChains)
	s.AddTool(ToolAuditHistory, h.HandleAuditHistory)

	return s
}
