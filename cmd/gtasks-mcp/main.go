// gtasks-mcp is a credential-bridging MCP gateway for Google Tasks. The
// serve command runs the HTTP gateway; the proxy command runs the local
// stdio forwarder that MCP clients spawn.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gtasks-mcp",
	Short: "Credential-bridging MCP gateway for Google Tasks",
	Long: `gtasks-mcp bridges MCP clients to the Google Tasks API. The gateway
(serve) issues its own authorization grants and bridge tokens, keeps the
Google credentials server-side, and exposes the task tools over streaming
and plain HTTP. The proxy command is the stdio-side client that forwards
tool calls to a running gateway.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "gtasks-mcp version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
