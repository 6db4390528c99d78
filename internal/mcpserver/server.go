package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with every admin tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("mediation-admin", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListOpenDisputes, h.HandleListOpenDisputes)
	s.AddTool(ToolGetPresence, h.HandleGetPresence)
	s.AddTool(ToolStartMediation, h.HandleStartMediation)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolReopenDispute, h.HandleReopenDispute)
	s.AddTool(ToolListRefunds, h.HandleListRefunds)
	s.AddTool(ToolDecideRefund, h.HandleDecideRefund)

	return s
}
