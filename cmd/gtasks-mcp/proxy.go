package main

import (
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/4xguy/gtasks-mcp/proxy"
)

var (
	proxyEndpoint    string
	proxyConfigPath  string
	proxyAuthTimeout time.Duration
	proxyDebug       bool
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the local stdio forwarder",
	Long: `Runs the stdio-side MCP server that clients such as editors spawn.
Tool calls are forwarded to the remote gateway authenticated by the session
id in the local config file. When the gateway rejects the session, the proxy
opens the authorization page in a browser, reads the new session id from the
terminal, persists it, and retries the call once.

Logs and prompts go to stderr; stdout carries only MCP messages.`,
	Args: cobra.NoArgs,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxyEndpoint, "endpoint", "", "gateway base URL (defaults to the one in the config file)")
	proxyCmd.Flags().StringVar(&proxyConfigPath, "config", "", "config file path (defaults to the per-user location)")
	proxyCmd.Flags().DurationVar(&proxyAuthTimeout, "auth-timeout", 5*time.Minute, "how long to wait for the pasted session id")
	proxyCmd.Flags().BoolVar(&proxyDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	log := newLogger(proxyDebug)
	slog.SetDefault(log)

	opts := []proxy.Option{
		proxy.WithLogger(log),
		proxy.WithReauthTimeout(proxyAuthTimeout),
	}
	if proxyConfigPath != "" {
		opts = append(opts, proxy.WithConfigPath(proxyConfigPath))
	}
	fwd, err := proxy.New(proxyEndpoint, opts...)
	if err != nil {
		return err
	}

	// Pick up sessions authorized out of band while the proxy runs.
	go func() {
		if err := fwd.WatchConfig(ctx); err != nil && ctx.Err() == nil {
			log.Warn("proxy.config.watch.stop", slog.String("err", err.Error()))
		}
	}()

	srv, err := proxy.NewServer(fwd,
		proxy.WithServerLogger(log),
		proxy.WithServerInfo("gtasks-mcp-proxy", version),
	)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
