package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
	"github.com/4xguy/gtasks-mcp/mcp"
)

func newStdioServer(t *testing.T, gw *fakeGateway, seedSession string, input string) (*Server, *bytes.Buffer) {
	t.Helper()

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	f, err := New(ts.URL,
		WithConfigPath(filepath.Join(t.TempDir(), "config.json")),
		WithPrompt(strings.NewReader(""), io.Discard),
		WithBrowserOpener(func(string) error { return nil }),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if seedSession != "" {
		f.setSession(seedSession)
	}

	out := &bytes.Buffer{}
	s, err := NewServer(f,
		WithStreams(strings.NewReader(input), out),
		WithServerInfo("gtasks-mcp-proxy", "test"),
	)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return s, out
}

func decodeResponses(t *testing.T, out *bytes.Buffer) []*jsonrpc.Response {
	t.Helper()
	var responses []*jsonrpc.Response
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var res jsonrpc.Response
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			t.Fatalf("invalid response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, &res)
	}
	return responses
}

func TestStdioInitializeIsLocal(t *testing.T) {
	s, out := newStdioServer(t, &fakeGateway{}, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"client","version":"1"}}}`+"\n")

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}

	responses := decodeResponses(t, out)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Fatalf("protocol version = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "gtasks-mcp-proxy" {
		t.Fatalf("server name = %q", result.ServerInfo.Name)
	}
}

func TestStdioToolsListFallsBackWhenUnauthenticated(t *testing.T) {
	// No session configured: the forwarder fails fast and the static list
	// answers instead.
	s, out := newStdioServer(t, &fakeGateway{}, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`+"\n")

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}

	responses := decodeResponses(t, out)
	if len(responses) != 1 || responses[0].Error != nil {
		t.Fatalf("unexpected responses: %+v", responses)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(result.Tools) != 6 {
		t.Fatalf("got %d tools, want 6", len(result.Tools))
	}
	if result.Tools[0].Name != "list" {
		t.Fatalf("tool[0] = %q, want list", result.Tools[0].Name)
	}
}

func TestStdioToolCallRelaysResult(t *testing.T) {
	gw := &fakeGateway{validSession: "sess-ok"}
	s, out := newStdioServer(t, gw, "sess-ok", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list","arguments":{}}}`+"\n")

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}

	responses := decodeResponses(t, out)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].Error != nil {
		t.Fatalf("unexpected error: %+v", responses[0].Error)
	}
	if !bytes.Contains(responses[0].Result, []byte(`"ok"`)) {
		t.Fatalf("result = %s, want the gateway payload", responses[0].Result)
	}
}

func TestStdioNotificationsAndMalformedLines(t *testing.T) {
	input := "not json at all\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","id":4,"method":"no/such/method"}` + "\n"
	s, out := newStdioServer(t, &fakeGateway{}, "", input)

	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve() failed: %v", err)
	}

	responses := decodeResponses(t, out)
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2 (parse error + method not found)", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("first error = %+v, want parse error", responses[0].Error)
	}
	if responses[1].Error == nil || responses[1].Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("second error = %+v, want method not found", responses[1].Error)
	}
}
