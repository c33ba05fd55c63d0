// Package mcpserver dispatches MCP requests (initialize, tools/list,
// tools/call) for the six task tools. Transports decode JSON-RPC framing and
// resolve authentication; this package consumes the AuthInfo they bind to
// the request context and translates upstream failures into the error codes
// clients react to.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/4xguy/gtasks-mcp/gateway"
	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/internal/jsonrpc"
	"github.com/4xguy/gtasks-mcp/internal/logctx"
	"github.com/4xguy/gtasks-mcp/mcp"
)

// Invalidator purges cached credential state after the upstream API rejects
// a credential. *gateway.Server implements it.
type Invalidator interface {
	HandleUpstreamRejection(ctx context.Context, info *gateway.AuthInfo)
}

// Server dispatches MCP methods to the task tools.
type Server struct {
	factory     gtasks.Factory
	invalidator Invalidator
	log         *slog.Logger

	tools    []staticTool
	handlers map[string]toolHandler
	info     mcp.ImplementationInfo
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithServerInfo sets the implementation info reported on initialize.
func WithServerInfo(name, version string) Option {
	return func(s *Server) { s.info = mcp.ImplementationInfo{Name: name, Version: version} }
}

// New builds a Server over a task-service factory. The invalidator receives
// upstream credential rejections; pass the gateway server.
func New(factory gtasks.Factory, invalidator Invalidator, opts ...Option) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if invalidator == nil {
		return nil, fmt.Errorf("invalidator is required")
	}

	s := &Server{
		factory:     factory,
		invalidator: invalidator,
		log:         slog.Default(),
		info:        mcp.ImplementationInfo{Name: "gtasks-mcp", Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.tools = taskTools()
	s.handlers = make(map[string]toolHandler, len(s.tools))
	for _, t := range s.tools {
		s.handlers[t.descriptor.Name] = t.handler
	}
	return s, nil
}

// Tools returns the tool descriptors in listing order. The stdio proxy uses
// this to answer tools/list without a network round-trip.
func (s *Server) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.descriptor
	}
	return out
}

// Handle dispatches one JSON-RPC request and returns its response, or nil
// for notifications.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.ID == nil {
		// Notifications carry no response. notifications/initialized is the
		// only one expected; others are ignored the same way.
		s.log.DebugContext(ctx, "mcp.notification", slog.String("method", req.Method))
		return nil
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return s.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return mustResult(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		return mustResult(req.ID, mcp.ListToolsResult{Tools: s.Tools()})
	case mcp.ToolsCallMethod:
		return s.handleToolsCall(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed initialize params", nil)
		}
	}

	// Accept the client's protocol version when we speak it; otherwise offer
	// the latest we support.
	version := mcp.LatestProtocolVersion
	if params.ProtocolVersion != "" && params.ProtocolVersion < mcp.LatestProtocolVersion {
		version = params.ProtocolVersion
	}

	s.log.InfoContext(ctx, "mcp.initialize",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version))

	return mustResult(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: false},
		},
		ServerInfo:   s.info,
		Instructions: "Tools operate on the authenticated user's Google Tasks.",
	})
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "malformed tools/call params", nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})

	handler, ok := s.handlers[call.Name]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name), nil)
	}

	info := gateway.AuthInfoFromContext(ctx)
	if info == nil || info.Credential == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnauthorized, "authentication required", nil)
	}

	svc, err := s.factory(ctx, info.Credential)
	if err != nil {
		s.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to reach upstream task API", nil)
	}

	result, err := handler(ctx, svc, call.Arguments)
	if err != nil {
		return s.toolError(ctx, req.ID, info, err)
	}
	s.log.InfoContext(ctx, "tool.call.ok")
	return mustResult(req.ID, result)
}

// toolError maps upstream failures onto the wire. An auth rejection purges
// the cached credential (and session, if any) before telling the client to
// re-authenticate.
func (s *Server) toolError(ctx context.Context, id *jsonrpc.RequestID, info *gateway.AuthInfo, err error) *jsonrpc.Response {
	switch {
	case errors.Is(err, gtasks.ErrAuthRejected):
		s.log.WarnContext(ctx, "tool.call.auth_rejected", slog.String("err", err.Error()))
		s.invalidator.HandleUpstreamRejection(ctx, info)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUnauthorized, "upstream rejected credential; re-authorization required", nil)
	case errors.Is(err, gtasks.ErrUnavailable):
		s.log.WarnContext(ctx, "tool.call.upstream_unavailable", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUpstreamUnavailable, "upstream task API unavailable", nil)
	default:
		// Tool-level failures (missing task, bad arguments) are reported
		// in-band so the client's model can read them.
		s.log.InfoContext(ctx, "tool.call.error", slog.String("err", err.Error()))
		return mustResult(id, mcp.NewToolError(err.Error()))
	}
}

// mustResult wraps a result value; marshal failures of our own types are
// programming errors surfaced as internal errors.
func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return res
}
