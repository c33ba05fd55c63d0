package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
)

// fakeGateway is a scriptable /mcp endpoint. validSession selects which
// X-Session-Id values are accepted; everything else gets the in-band
// unauthorized error the proxy is expected to react to.
type fakeGateway struct {
	validSession string
	attempts     atomic.Int64
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.attempts.Add(1)

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var res *jsonrpc.Response
	if g.validSession != "" && r.Header.Get("X-Session-Id") == g.validSession {
		res, _ = jsonrpc.NewResultResponse(req.ID, map[string]string{"status": "ok"})
	} else {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnauthorized, "authentication required", nil)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func newTestForwarder(t *testing.T, endpoint, seedSession, promptInput string) (*Forwarder, *atomic.Int64, string) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if seedSession != "" {
		if err := SaveConfig(cfgPath, &LocalClientConfig{RemoteEndpoint: endpoint, SessionID: seedSession}); err != nil {
			t.Fatalf("SaveConfig() failed: %v", err)
		}
	}

	var browserOpens atomic.Int64
	f, err := New(endpoint,
		WithConfigPath(cfgPath),
		WithPrompt(strings.NewReader(promptInput), io.Discard),
		WithBrowserOpener(func(url string) error {
			browserOpens.Add(1)
			return nil
		}),
		WithReauthTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return f, &browserOpens, cfgPath
}

func callListRequest(t *testing.T) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(int64(1)), "tools/call", map[string]any{
		"name":      "list",
		"arguments": map[string]any{},
	})
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	return req
}

func TestCallWithValidSessionSkipsReauth(t *testing.T) {
	gw := &fakeGateway{validSession: "sess-ok"}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, browserOpens, _ := newTestForwarder(t, ts.URL, "sess-ok", "")

	res, err := f.Call(context.Background(), callListRequest(t))
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if browserOpens.Load() != 0 {
		t.Fatal("a valid session must not trigger re-authorization")
	}
}

func TestCallNoSessionReauthorizesBeforeFirstAttempt(t *testing.T) {
	gw := &fakeGateway{validSession: "sess-new"}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, browserOpens, cfgPath := newTestForwarder(t, ts.URL, "", "sess-new\n")

	res, err := f.Call(context.Background(), callListRequest(t))
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if browserOpens.Load() != 1 {
		t.Fatalf("browser opens = %d, want 1", browserOpens.Load())
	}
	if gw.attempts.Load() != 1 {
		t.Fatalf("gateway attempts = %d, want 1", gw.attempts.Load())
	}

	// The new session must be persisted for the next process.
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if cfg.SessionID != "sess-new" {
		t.Fatalf("persisted session = %q, want sess-new", cfg.SessionID)
	}
}

func TestCallStaleSessionRetriesExactlyOnce(t *testing.T) {
	gw := &fakeGateway{validSession: "sess-new"}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, browserOpens, _ := newTestForwarder(t, ts.URL, "sess-stale", "sess-new\n")

	res, err := f.Call(context.Background(), callListRequest(t))
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if browserOpens.Load() != 1 {
		t.Fatalf("browser opens = %d, want 1", browserOpens.Load())
	}
	if gw.attempts.Load() != 2 {
		t.Fatalf("gateway attempts = %d, want 2 (original + one retry)", gw.attempts.Load())
	}
}

func TestCallDoesNotLoopWhenRetryFails(t *testing.T) {
	// The gateway accepts nothing: even the freshly pasted session fails.
	gw := &fakeGateway{}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, browserOpens, _ := newTestForwarder(t, ts.URL, "", "sess-doomed\n")

	res, err := f.Call(context.Background(), callListRequest(t))
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeUnauthorized {
		t.Fatalf("error = %+v, want the surfaced unauthorized error", res.Error)
	}
	if browserOpens.Load() != 1 {
		t.Fatalf("browser opens = %d, want exactly 1 (no re-auth loop)", browserOpens.Load())
	}
	if gw.attempts.Load() != 1 {
		t.Fatalf("gateway attempts = %d, want 1", gw.attempts.Load())
	}
}

func TestReauthorizeTimesOutWithoutInput(t *testing.T) {
	gw := &fakeGateway{}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	// A pipe with no writer blocks forever; the bounded read must give up.
	blocked, _ := io.Pipe()
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	f, err := New(ts.URL,
		WithConfigPath(cfgPath),
		WithPrompt(blocked, io.Discard),
		WithBrowserOpener(func(string) error { return nil }),
		WithReauthTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = f.Call(context.Background(), callListRequest(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want deadline exceeded", err)
	}
	if gw.attempts.Load() != 0 {
		t.Fatal("no gateway call must happen before authorization completes")
	}
}

func TestForwardWithoutSessionFailsFast(t *testing.T) {
	gw := &fakeGateway{}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, _, _ := newTestForwarder(t, ts.URL, "", "")

	if _, err := f.Forward(context.Background(), callListRequest(t)); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Forward() error = %v, want ErrNotAuthenticated", err)
	}
	if gw.attempts.Load() != 0 {
		t.Fatal("Forward without a session must not hit the network")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	// Missing file bootstraps an empty config.
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() on missing file failed: %v", err)
	}
	if cfg.SessionID != "" || cfg.RemoteEndpoint != "" {
		t.Fatalf("missing file must load as empty, got %+v", cfg)
	}

	want := &LocalClientConfig{RemoteEndpoint: "https://gw.example", SessionID: "sess-1"}
	if err := SaveConfig(path, want); err != nil {
		t.Fatalf("SaveConfig() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 600", perm)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if *got != *want {
		t.Fatalf("LoadConfig() = %+v, want %+v", got, want)
	}
}

func TestWatchConfigPicksUpExternalSession(t *testing.T) {
	gw := &fakeGateway{}
	ts := httptest.NewServer(gw)
	defer ts.Close()

	f, _, cfgPath := newTestForwarder(t, ts.URL, "sess-old", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.WatchConfig(ctx) }()

	// Give the watcher a moment to attach before mutating the file.
	time.Sleep(50 * time.Millisecond)
	if err := SaveConfig(cfgPath, &LocalClientConfig{RemoteEndpoint: ts.URL, SessionID: "sess-external"}); err != nil {
		t.Fatalf("SaveConfig() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.SessionID() == "sess-external" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session id = %q, want sess-external after config change", f.SessionID())
}
