// dimm MCP server - exposes one agent's vault operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/dimm/internal/mcpserver"
)

func main() {
	agentAddr := os.Getenv("DIMM_AGENT_ADDRESS")
	if !common.IsHexAddress(agentAddr) {
		fmt.Fprintln(os.Stderr, "DIMM_AGENT_ADDRESS must be set to the agent's address")
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL:       envOrDefault("DIMM_API_URL", "http://localhost:8080"),
		AgentAddress: common.HexToAddress(agentAddr),
	}

	s := mcpserver.NewMCPServer(cfg)
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
