package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tasksapi "google.golang.org/api/tasks/v1"

	"github.com/4xguy/gtasks-mcp/gateway"
	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
	"github.com/4xguy/gtasks-mcp/mcpserver"
	"github.com/4xguy/gtasks-mcp/store"
	"github.com/4xguy/gtasks-mcp/store/memory"
)

type fakeProvider struct{}

func (fakeProvider) AuthCodeURL(state string) string { return "https://consent.example/auth" }

func (fakeProvider) Exchange(ctx context.Context, code string) (*gtasks.Credential, error) {
	return &gtasks.Credential{Identity: "a@example.com", AccessToken: "tok"}, nil
}

func (fakeProvider) Refresh(ctx context.Context, cred *gtasks.Credential) (*gtasks.Credential, error) {
	return cred, nil
}

type scriptedService struct {
	listErr error
	tasks   []*tasksapi.Task
}

func (s *scriptedService) List(ctx context.Context, cursor string) ([]*tasksapi.Task, string, error) {
	return s.tasks, "", s.listErr
}

func (s *scriptedService) Search(ctx context.Context, query string) ([]*tasksapi.Task, error) {
	return s.tasks, s.listErr
}

func (s *scriptedService) Create(ctx context.Context, p gtasks.CreateParams) (*tasksapi.Task, error) {
	return &tasksapi.Task{Id: "new", Title: p.Title}, nil
}

func (s *scriptedService) Update(ctx context.Context, p gtasks.UpdateParams) (*tasksapi.Task, error) {
	return &tasksapi.Task{Id: p.ID}, nil
}

func (s *scriptedService) Delete(ctx context.Context, id, listID string) error { return nil }
func (s *scriptedService) Clear(ctx context.Context, listID string) error      { return nil }

// newTestStack seeds a gateway with one credential and one live bridge token
// ("bt-1") for a@example.com, and returns a running transport on top of it.
func newTestStack(t *testing.T, svc *scriptedService) (*gateway.Server, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	st := memory.New()
	t.Cleanup(func() { st.Close() })

	gw, err := gateway.New("http://gw.test", st, fakeProvider{}, gateway.WithStateSigningKey([]byte("k")))
	if err != nil {
		t.Fatalf("gateway.New() failed: %v", err)
	}

	cred := &gtasks.Credential{Identity: "a@example.com", AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}
	credData, _ := json.Marshal(cred)
	if err := st.Set(ctx, cred.Identity, credData, store.WithNamespace(store.NamespaceCredentials)); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	token := &gateway.BridgeToken{Token: "bt-1", Identity: cred.Identity, IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	tokenData, _ := json.Marshal(token)
	if err := st.Set(ctx, token.Token, tokenData, store.WithNamespace(store.NamespaceTokens), store.WithTTL(time.Hour)); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	srv, err := mcpserver.New(func(ctx context.Context, cred *gtasks.Credential) (gtasks.Service, error) {
		return svc, nil
	}, gw)
	if err != nil {
		t.Fatalf("mcpserver.New() failed: %v", err)
	}

	h, err := New(gw, srv)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return gw, ts
}

func postMCP(t *testing.T, ts *httptest.Server, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST /mcp failed: %v", err)
	}
	return res
}

const listCallBody = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list","arguments":{}}}`

func TestPostRejectsUnauthenticated(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	res := postMCP(t, ts, nil, listCallBody)
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	challenge := res.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, "resource_metadata") || !strings.Contains(challenge, "/.well-known/oauth-protected-resource") {
		t.Fatalf("challenge = %q, want resource_metadata pointer", challenge)
	}
}

func TestPostBearerToolCall(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{tasks: []*tasksapi.Task{{Id: "t1", Title: "buy milk"}}})

	res := postMCP(t, ts, map[string]string{"Authorization": "Bearer bt-1"}, listCallBody)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var rpc jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("unexpected error: %+v", rpc.Error)
	}
	if !bytes.Contains(rpc.Result, []byte("buy milk")) {
		t.Fatalf("result does not carry tasks: %s", rpc.Result)
	}
}

func TestPostSessionHeaderToolCall(t *testing.T) {
	gw, ts := newTestStack(t, &scriptedService{})

	sess, err := gw.CreateSession(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	res := postMCP(t, ts, map[string]string{"X-Session-Id": sess.ID}, listCallBody)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var rpc jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rpc.Error != nil {
		t.Fatalf("unexpected error: %+v", rpc.Error)
	}
}

func TestUpstreamRejectionPurgesSession(t *testing.T) {
	gw, ts := newTestStack(t, &scriptedService{listErr: gtasks.ErrAuthRejected})

	sess, err := gw.CreateSession(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	res := postMCP(t, ts, map[string]string{"X-Session-Id": sess.ID}, listCallBody)
	defer res.Body.Close()
	var rpc jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rpc.Error == nil || rpc.Error.Code != jsonrpc.ErrorCodeUnauthorized {
		t.Fatalf("error = %+v, want unauthorized", rpc.Error)
	}

	// The session must be gone from the registry.
	if _, err := gw.ResolveSession(context.Background(), sess.ID); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Fatalf("ResolveSession() = %v, want ErrUnauthorized", err)
	}
}

func TestPostRejectsBatches(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	res := postMCP(t, ts, map[string]string{"Authorization": "Bearer bt-1"}, "["+listCallBody+"]")
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(listCallBody))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer bt-1")
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", res.StatusCode)
	}
}

// openStream starts an SSE connection and returns its scanner plus the
// back-channel endpoint from the first event.
func openStream(t *testing.T, ts *httptest.Server, target string, header map[string]string) (*bufio.Scanner, string, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		t.Fatalf("NewRequest() failed: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET stream failed: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		t.Fatalf("stream status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		res.Body.Close()
		cancel()
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(res.Body)
	var endpoint string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			endpoint = data
			break
		}
	}
	if endpoint == "" {
		res.Body.Close()
		cancel()
		t.Fatal("no endpoint event received")
	}

	closeFn := func() {
		res.Body.Close()
		cancel()
	}
	return scanner, endpoint, closeFn
}

func TestStreamingRoundTrip(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{tasks: []*tasksapi.Task{{Id: "t1", Title: "water plants"}}})

	scanner, endpoint, closeStream := openStream(t, ts, ts.URL+"/mcp", map[string]string{"Authorization": "Bearer bt-1"})
	defer closeStream()

	if !strings.HasPrefix(endpoint, "/mcp/message?connection_id=") {
		t.Fatalf("endpoint = %q", endpoint)
	}

	res, err := ts.Client().Post(ts.URL+endpoint, "application/json", strings.NewReader(listCallBody))
	if err != nil {
		t.Fatalf("POST message failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d, want 202", res.StatusCode)
	}

	// The response arrives as an SSE event on the stream.
	var payload string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			payload = data
			break
		}
	}
	if !strings.Contains(payload, "water plants") {
		t.Fatalf("stream payload = %q, want task content", payload)
	}
}

func TestStreamQueryTokenFallback(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	_, endpoint, closeStream := openStream(t, ts, ts.URL+"/mcp?token=bt-1", nil)
	defer closeStream()
	if endpoint == "" {
		t.Fatal("expected an endpoint event over the query-token stream")
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	res, err := ts.Client().Get(ts.URL + "/mcp?token=nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	if res.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate challenge")
	}
}

func TestMessageUnknownConnection(t *testing.T) {
	_, ts := newTestStack(t, &scriptedService{})

	res, err := ts.Client().Post(ts.URL+"/mcp/message?connection_id=ghost", "application/json", strings.NewReader(listCallBody))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}
