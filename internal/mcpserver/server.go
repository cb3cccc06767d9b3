// Package mcpserver exposes an agent's vault operations as MCP tools.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("dimm", Version)
	h := NewHandlers(NewClient(cfg), cfg.AgentAddress)

	s.AddTool(ToolExecuteTransaction, h.HandleExecuteTransaction)
	s.AddTool(ToolRecordActivity, h.HandleRecordActivity)
	s.AddTool(ToolGetAgent, h.HandleGetAgent)
	s.AddTool(ToolGetStats, h.HandleGetStats)
	s.AddTool(ToolListActivity, h.HandleListActivity)
	s.AddTool(ToolQuoteFee, h.HandleQuoteFee)

	return s
}
