// Recurring MCP Server - exposes renewal and authorization tools to LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/recurring/internal/mcpserver"
	"github.com/mbd888/recurring/internal/validation"
)

type env struct {
	APIURL          string `envconfig:"API_URL" default:"http://localhost:8080"`
	Signer          string `envconfig:"SIGNER" required:"true"`
	ExecutorAccount string `envconfig:"EXECUTOR_ACCOUNT"`
}

func main() {
	_ = godotenv.Load()

	var e env
	if err := envconfig.Process("recurring", &e); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if !validation.IsValidAddress(e.Signer) {
		fmt.Fprintln(os.Stderr, "RECURRING_SIGNER must be a 0x-prefixed address")
		os.Exit(1)
	}
	if e.ExecutorAccount != "" && !validation.IsValidAddress(e.ExecutorAccount) {
		fmt.Fprintln(os.Stderr, "RECURRING_EXECUTOR_ACCOUNT must be a 0x-prefixed address")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL:          e.APIURL,
		Signer:          e.Signer,
		ExecutorAccount: e.ExecutorAccount,
	})
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
