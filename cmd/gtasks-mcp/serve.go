package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/4xguy/gtasks-mcp/gateway"
	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/internal/config"
	"github.com/4xguy/gtasks-mcp/internal/logctx"
	"github.com/4xguy/gtasks-mcp/mcpserver"
	"github.com/4xguy/gtasks-mcp/store"
	"github.com/4xguy/gtasks-mcp/store/memory"
	redisstore "github.com/4xguy/gtasks-mcp/store/redis"
	"github.com/4xguy/gtasks-mcp/streaminghttp"
)

var serveDebug bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	Long: `Runs the gateway: OAuth authorization and token endpoints, discovery
documents, the streaming (SSE) MCP channel, and the plain request/response
MCP channel. Configuration comes from the environment; see internal/config.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(serveDebug)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := gtasks.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.PublicEndpoint+"/oauth2callback")
	if err != nil {
		return fmt.Errorf("failed to build Google provider: %w", err)
	}

	gw, err := gateway.New(cfg.PublicEndpoint, st, provider,
		gateway.WithLogger(log),
		gateway.WithStateSigningKey([]byte(cfg.StateSigningKey)),
		gateway.WithServerName(cfg.ServerName),
		gateway.WithTrustedProxyIdentity(cfg.TrustProxyIdentity),
	)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	srv, err := mcpserver.New(gtasks.NewClientFactory(), gw,
		mcpserver.WithLogger(log),
		mcpserver.WithServerInfo(cfg.ServerName, version),
	)
	if err != nil {
		return fmt.Errorf("failed to build MCP server: %w", err)
	}

	transport, err := streaminghttp.New(gw, srv, streaminghttp.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}

	mux := http.NewServeMux()
	gw.Register(mux)
	mux.Handle("/mcp", transport)
	mux.Handle("/mcp/message", transport)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start",
			slog.String("addr", cfg.ListenAddr),
			slog.String("public_endpoint", cfg.PublicEndpoint))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// newStore selects the backend: Redis when an address is configured,
// otherwise the in-process memory store.
func newStore(cfg *config.Config) (store.Store, error) {
	if cfg.RedisAddr == "" {
		return memory.New(), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	st, err := redisstore.New(redisstore.Config{Client: client})
	if err != nil {
		return nil, fmt.Errorf("failed to build redis store: %w", err)
	}
	return st, nil
}
