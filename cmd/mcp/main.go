// Approval auditor MCP server: exposes the audit API as MCP tools over stdio.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/approval-auditor/internal/mcpserver"
)

var version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("AUDITOR_API_URL", "http://localhost:8080"),
		Timeout: 90 * time.Second,
	}
	if v := os.Getenv("AUDITOR_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid AUDITOR_TIMEOUT: %v\n", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
