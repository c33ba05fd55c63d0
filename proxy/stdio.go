package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
	"github.com/4xguy/gtasks-mcp/mcp"
	"github.com/4xguy/gtasks-mcp/mcpserver"
)

const maxLineBytes = 4 * 1024 * 1024

// Server is the stdio MCP endpoint backed by a Forwarder. It answers
// initialize and ping locally, serves a static tool list when the gateway
// cannot, and relays tool calls through the forwarder's bounded re-auth
// policy. Messages are newline-delimited JSON-RPC, one per line.
type Server struct {
	fwd  *Forwarder
	in   io.Reader
	out  io.Writer
	log  *slog.Logger
	info mcp.ImplementationInfo

	writeMu sync.Mutex
}

// ServerOption configures the stdio Server.
type ServerOption func(*Server)

// WithServerLogger sets the slog logger. Defaults to slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerInfo sets the implementation info reported on initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// WithStreams overrides stdin/stdout. Tests use in-memory pipes.
func WithStreams(in io.Reader, out io.Writer) ServerOption {
	return func(s *Server) {
		s.in = in
		s.out = out
	}
}

// NewServer builds a stdio Server over a forwarder.
func NewServer(fwd *Forwarder, opts ...ServerOption) (*Server, error) {
	if fwd == nil {
		return nil, fmt.Errorf("forwarder is required")
	}
	s := &Server{
		fwd:  fwd,
		in:   os.Stdin,
		out:  os.Stdout,
		log:  slog.Default(),
		info: mcp.ImplementationInfo{Name: "gtasks-mcp-proxy", Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve reads messages until the input closes or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.writeResponse(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
			continue
		}
		req := msg.AsRequest()
		if req == nil {
			// Responses and other frames from the client are ignored.
			continue
		}

		if res := s.dispatch(ctx, req); res != nil {
			s.writeResponse(ctx, res)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read failed: %w", err)
	}
	return ctx.Err()
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.ID == nil {
		s.log.Debug("proxy.notification", slog.String("method", req.Method))
		return nil
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return s.handleInitialize(req)
	case mcp.PingMethod:
		return mustResult(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		return s.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return s.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed initialize params", nil)
		}
	}
	version := mcp.LatestProtocolVersion
	if params.ProtocolVersion != "" && params.ProtocolVersion < mcp.LatestProtocolVersion {
		version = params.ProtocolVersion
	}
	return mustResult(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: "Tools operate on the authenticated user's Google Tasks via a remote gateway.",
	})
}

// handleToolsList prefers the gateway's list but falls back to the built-in
// descriptors when unauthenticated or unreachable, so clients can discover
// tools before the first authorization.
func (s *Server) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	res, err := s.fwd.Forward(ctx, req)
	if err != nil || res == nil || res.Error != nil {
		if err != nil && !errors.Is(err, ErrNotAuthenticated) {
			s.log.Warn("proxy.tools_list.fallback", slog.String("err", err.Error()))
		}
		return mustResult(req.ID, mcp.ListToolsResult{Tools: mcpserver.ToolDescriptors()})
	}
	return res
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	res, err := s.fwd.Call(ctx, req)
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnauthorized, "not authenticated; authorization is required", nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "authorization timed out or was cancelled", nil)
	case err != nil:
		s.log.Error("proxy.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "gateway call failed", nil)
	case res == nil:
		return nil
	}
	return res
}

func (s *Server) writeResponse(ctx context.Context, res *jsonrpc.Response) {
	payload, err := json.Marshal(res)
	if err != nil {
		s.log.ErrorContext(ctx, "proxy.write.encode.fail", slog.String("err", err.Error()))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		s.log.ErrorContext(ctx, "proxy.write.fail", slog.String("err", err.Error()))
	}
}

func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return res
}
