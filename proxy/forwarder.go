// Package proxy implements the stdio-side forwarding client: a local MCP
// server whose tool calls are relayed to a remote gateway over HTTP,
// authenticated by a session id kept in a small per-user config file. When
// the gateway reports the session is missing or no longer valid, the proxy
// drives one interactive re-authorization round and retries the call once.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
)

// ErrNotAuthenticated reports that the gateway refused the configured
// session, or that no session is configured at all.
var ErrNotAuthenticated = errors.New("not authenticated with the gateway")

const defaultReauthTimeout = 5 * time.Minute

// Forwarder relays JSON-RPC requests to a remote gateway's plain HTTP
// channel with the configured session attached.
type Forwarder struct {
	endpoint   string
	client     *http.Client
	configPath string
	log        *slog.Logger

	promptIn      io.Reader
	promptOut     io.Writer
	openBrowser   func(url string) error
	reauthTimeout time.Duration

	lineOnce sync.Once
	lines    chan promptLine

	mu  sync.Mutex
	cfg *LocalClientConfig
}

type promptLine struct {
	text string
	err  error
}

// Option configures the Forwarder.
type Option func(*Forwarder)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// WithHTTPClient overrides the HTTP client used for gateway calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithConfigPath overrides the LocalClientConfig location.
func WithConfigPath(path string) Option {
	return func(f *Forwarder) { f.configPath = path }
}

// WithPrompt sets the interactive channel used during re-authorization:
// instructions are written to out and the session id is read from in.
// Defaults to stderr/stdin so stdout stays clean for the MCP stream.
func WithPrompt(in io.Reader, out io.Writer) Option {
	return func(f *Forwarder) {
		f.promptIn = in
		f.promptOut = out
	}
}

// WithBrowserOpener overrides how the authorization page is opened.
func WithBrowserOpener(open func(url string) error) Option {
	return func(f *Forwarder) { f.openBrowser = open }
}

// WithReauthTimeout bounds how long a re-authorization round may wait for
// the operator to paste a session id. Defaults to five minutes.
func WithReauthTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.reauthTimeout = d }
}

// New builds a Forwarder for the given gateway endpoint. An empty endpoint
// falls back to the one persisted in the config file.
func New(endpoint string, opts ...Option) (*Forwarder, error) {
	f := &Forwarder{
		endpoint:      strings.TrimRight(endpoint, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		log:           slog.Default(),
		promptIn:      os.Stdin,
		promptOut:     os.Stderr,
		openBrowser:   openBrowser,
		reauthTimeout: defaultReauthTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.configPath == "" {
		path, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		f.configPath = path
	}

	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	f.cfg = cfg
	if f.endpoint == "" {
		f.endpoint = strings.TrimRight(cfg.RemoteEndpoint, "/")
	}
	if f.endpoint == "" {
		return nil, fmt.Errorf("no gateway endpoint configured")
	}
	return f, nil
}

// SessionID returns the currently configured session id, if any.
func (f *Forwarder) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.SessionID
}

func (f *Forwarder) setSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.SessionID = id
	f.cfg.RemoteEndpoint = f.endpoint
}

// WatchConfig follows the config file for external updates until ctx is
// done, so a session obtained in another process takes effect here.
func (f *Forwarder) WatchConfig(ctx context.Context) error {
	return watchConfig(ctx, f.log, f.configPath, func(cfg *LocalClientConfig) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cfg = cfg
	})
}

// Call forwards one request with a bounded recovery policy: a missing
// session triggers re-authorization before the first attempt, an
// unauthenticated result triggers re-authorization and exactly one retry,
// and at most one re-authorization round runs per call. A failure after
// that surfaces to the caller.
func (f *Forwarder) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reauthed := false
	if f.SessionID() == "" {
		if err := f.Reauthorize(ctx); err != nil {
			return nil, err
		}
		reauthed = true
	}

	res, err := f.Forward(ctx, req)
	if !reauthed && (errors.Is(err, ErrNotAuthenticated) || isUnauthorizedResponse(res)) {
		if rerr := f.Reauthorize(ctx); rerr != nil {
			return nil, rerr
		}
		return f.Forward(ctx, req)
	}
	return res, err
}

// Forward issues a single HTTP round-trip with the configured session.
// It never re-authorizes; Call owns that policy. A nil response with a nil
// error means the gateway acknowledged a notification.
func (f *Forwarder) Forward(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	sessionID := f.SessionID()
	if sessionID == "" {
		return nil, ErrNotAuthenticated
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-Id", sessionID)

	httpRes, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway call failed: %w", err)
	}
	defer httpRes.Body.Close()

	switch {
	case httpRes.StatusCode == http.StatusUnauthorized:
		return nil, ErrNotAuthenticated
	case httpRes.StatusCode == http.StatusAccepted:
		return nil, nil
	case httpRes.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway returned status %d", httpRes.StatusCode)
	}

	var res jsonrpc.Response
	if err := json.NewDecoder(httpRes.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return &res, nil
}

// isUnauthorizedResponse recognizes the gateway's in-band re-auth signal.
func isUnauthorizedResponse(res *jsonrpc.Response) bool {
	return res != nil && res.Error != nil && res.Error.Code == jsonrpc.ErrorCodeUnauthorized
}

// Reauthorize runs one interactive round: open the gateway's session
// authorization page, wait for the operator to paste the session id shown
// there, persist it. The wait is bounded by the configured timeout and by
// ctx; cancellation aborts the round.
func (f *Forwarder) Reauthorize(ctx context.Context) error {
	authURL := f.endpoint + "/session/authorize"

	if err := f.openBrowser(authURL); err != nil {
		f.log.Warn("proxy.reauth.browser.fail", slog.String("err", err.Error()))
	}
	fmt.Fprintf(f.promptOut, "Authorize this client in your browser:\n\n  %s\n\nThen paste the session id shown on the final page.\nSession id: ", authURL)

	ctx, cancel := context.WithTimeout(ctx, f.reauthTimeout)
	defer cancel()

	line, err := f.readLine(ctx)
	if err != nil {
		return fmt.Errorf("re-authorization aborted: %w", err)
	}
	sessionID := strings.TrimSpace(line)
	if sessionID == "" {
		return fmt.Errorf("re-authorization aborted: empty session id")
	}

	f.setSession(sessionID)
	f.mu.Lock()
	cfg := *f.cfg
	f.mu.Unlock()
	if err := SaveConfig(f.configPath, &cfg); err != nil {
		// The in-memory session still works for this process.
		f.log.Warn("proxy.config.save.fail", slog.String("err", err.Error()))
	}
	f.log.Info("proxy.reauth.ok")
	return nil
}

// readLine reads one line from the prompt without blocking past ctx. The
// reader goroutine is started once and feeds a channel; a line arriving
// after a timed-out round is consumed by the next one.
func (f *Forwarder) readLine(ctx context.Context) (string, error) {
	f.lineOnce.Do(func() {
		f.lines = make(chan promptLine)
		go func() {
			r := bufio.NewReader(f.promptIn)
			for {
				text, err := r.ReadString('\n')
				f.lines <- promptLine{text: text, err: err}
				if err != nil {
					return
				}
			}
		}()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-f.lines:
		if line.err != nil && line.text == "" {
			return "", line.err
		}
		return line.text, nil
	}
}

// openBrowser opens the URL with the platform's default handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
