// Package streaminghttp serves the gateway's two HTTP transports: a plain
// request/response channel (POST /mcp) and a streaming SSE channel
// (GET /mcp plus its POST /mcp/message back channel). Both authenticate
// through the gateway before any MCP message is dispatched; the streaming
// channel binds the resolved credential to the connection for its lifetime.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/4xguy/gtasks-mcp/gateway"
	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
	"github.com/4xguy/gtasks-mcp/internal/logctx"
	"github.com/4xguy/gtasks-mcp/mcpserver"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	sessionIDHeader       = "X-Session-Id"
	forwardedEmailHeader  = "X-Forwarded-Email"
	wwwAuthenticateHeader = "WWW-Authenticate"

	heartbeatInterval = 30 * time.Second
)

// Handler is the MCP transport surface.
type Handler struct {
	mux *http.ServeMux
	gw  *gateway.Server
	srv *mcpserver.Server
	log *slog.Logger

	connsMu sync.RWMutex
	conns   map[string]*streamConn
}

// streamConn is one live SSE connection. Its AuthInfo was resolved at
// upgrade time and stays bound for the connection's lifetime.
type streamConn struct {
	wf   *lockedWriteFlusher
	info *gateway.AuthInfo
	ctx  context.Context
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New builds the transport handler over a gateway and an MCP dispatcher.
func New(gw *gateway.Server, srv *mcpserver.Server, opts ...Option) (*Handler, error) {
	if gw == nil || srv == nil {
		return nil, fmt.Errorf("gateway and mcp server are required")
	}

	h := &Handler{
		gw:    gw,
		srv:   srv,
		log:   slog.Default(),
		conns: make(map[string]*streamConn),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePostMCP)
	mux.HandleFunc("GET /mcp", h.handleGetMCP)
	mux.HandleFunc("POST /mcp/message", h.handlePostMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// writeJSONError emits a transport-level error body. This is not JSON-RPC
// framing; it fires before a message exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": reason},
	})
}

// authenticate resolves the request's credential: bearer token first, then
// the session header, then the trusted proxy identity header. allowQueryToken
// additionally accepts ?token= for SSE clients that cannot set headers; that
// path is lower trust and logged.
func (h *Handler) authenticate(r *http.Request, allowQueryToken bool) (*gateway.AuthInfo, error) {
	ctx := r.Context()

	if raw := r.Header.Get(authorizationHeader); raw != "" {
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok {
			return nil, gateway.ErrUnauthorized
		}
		return h.gw.ResolveBearer(ctx, strings.TrimSpace(token))
	}
	if allowQueryToken {
		if token := r.URL.Query().Get("token"); token != "" {
			h.log.WarnContext(ctx, "auth.query_token", slog.String("path", r.URL.Path))
			return h.gw.ResolveBearer(ctx, token)
		}
	}
	if sessionID := r.Header.Get(sessionIDHeader); sessionID != "" {
		return h.gw.ResolveSession(ctx, sessionID)
	}
	if identity := r.Header.Get(forwardedEmailHeader); identity != "" {
		return h.gw.ResolveTrustedIdentity(ctx, identity)
	}
	return nil, gateway.ErrUnauthorized
}

// checkAuthentication authenticates and writes the 401 challenge on failure.
// Returns nil when the response has been written.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request, allowQueryToken bool) *gateway.AuthInfo {
	info, err := h.authenticate(r, allowQueryToken)
	if err != nil {
		if !errors.Is(err, gateway.ErrUnauthorized) {
			h.log.ErrorContext(r.Context(), "auth.check.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "authentication backend failure")
			return nil
		}
		w.Header().Set(wwwAuthenticateHeader, h.gw.BearerChallenge())
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	return info
}

// requestContext binds auth and request data for downstream logging and
// dispatch.
func requestContext(ctx context.Context, r *http.Request, info *gateway.AuthInfo) context.Context {
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
		Identity:  info.Identity,
		SessionID: info.SessionID,
		Transport: info.Transport,
	})
	return gateway.WithAuthInfo(ctx, info)
}

// handlePostMCP is the plain request/response channel: one JSON-RPC message
// in, one JSON-RPC response out. Batches are not supported.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	info := h.checkAuthentication(w, r, false)
	if info == nil {
		h.log.InfoContext(ctx, "http.post.auth.fail")
		return
	}
	ctx = requestContext(ctx, r, info)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeJSONError(w, http.StatusBadRequest, "expected a JSON-RPC request or notification")
		return
	}

	res := h.srv.Handle(ctx, req)
	if res == nil {
		// Notification: acknowledged, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP upgrades the connection to an SSE stream. The first event
// names the back-channel endpoint clients POST their messages to; responses
// come back as events on this stream.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info := h.checkAuthentication(w, r, true)
	if info == nil {
		h.log.InfoContext(ctx, "sse.auth.fail")
		return
	}
	ctx = requestContext(ctx, r, info)

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	connID := uuid.NewString()
	conn := &streamConn{wf: wf, info: info, ctx: ctx}
	h.connsMu.Lock()
	h.conns[connID] = conn
	h.connsMu.Unlock()
	defer func() {
		// Disconnect drops the registry entry; credential state is never
		// mutated by a disconnect.
		h.connsMu.Lock()
		delete(h.conns, connID)
		h.connsMu.Unlock()
		h.log.InfoContext(ctx, "sse.stream.end")
	}()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("connection_id", connID))

	if err := writeSSEEvent(wf, "endpoint", []byte("/mcp/message?connection_id="+connID)); err != nil {
		h.log.WarnContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wf.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// handlePostMessage is the SSE back channel: the client POSTs a JSON-RPC
// message tagged with its connection id, and the response is delivered as
// an event on that connection's stream.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	connID := r.URL.Query().Get("connection_id")
	h.connsMu.RLock()
	conn := h.conns[connID]
	h.connsMu.RUnlock()
	if conn == nil {
		writeJSONError(w, http.StatusNotFound, "unknown connection")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeJSONError(w, http.StatusBadRequest, "expected a JSON-RPC request or notification")
		return
	}

	// Dispatch under the connection's bound credential, not a re-resolved
	// one: the stream owns the auth for its lifetime.
	dispatchCtx := requestContext(ctx, r, conn.info)
	res := h.srv.Handle(dispatchCtx, req)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.response.marshal.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	if err := writeSSEEvent(conn.wf, "message", payload); err != nil {
		h.log.WarnContext(ctx, "sse.response.write.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusGone, "connection closed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// lockedWriteFlusher serializes concurrent writes/flushes on one response
// and refuses to write after the connection's context is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
