package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all ledger tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("recurring", "1.0.0")
	client := NewLedgerClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetAgreement, h.HandleGetAgreement)
	s.AddTool(ToolListDueRenewals, h.HandleListDueRenewals)
	s.AddTool(ToolQuoteSplit, h.HandleQuoteSplit)
	s.AddTool(ToolExecuteRenewal, h.HandleExecuteRenewal)
	s.AddTool(ToolAuthorizationStatus, h.HandleAuthorizationStatus)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
