package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/store"
)

// Transport labels for AuthInfo, matching how the request authenticated.
const (
	TransportBearer  = "bearer"
	TransportSession = "session"
	TransportProxy   = "proxy"
)

// AuthInfo is the resolved authentication result bound to a request context
// for its whole lifetime. The credential is a snapshot; the store remains
// the source of truth.
type AuthInfo struct {
	Identity   string
	Transport  string
	SessionID  string // set only for session-authenticated requests
	Credential *gtasks.Credential
}

type authInfoContextKey struct{}

// WithAuthInfo binds resolved authentication to a context.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoContextKey{}, info)
}

// AuthInfoFromContext retrieves the AuthInfo bound by WithAuthInfo, or nil.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoContextKey{}).(*AuthInfo)
	return info
}

// ResolveBearer resolves a bridge token to its upstream credential. An
// expired token behaves identically to an unknown one.
func (s *Server) ResolveBearer(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	item, err := s.store.Get(ctx, token, store.WithNamespace(store.NamespaceTokens))
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if item == nil {
		s.log.InfoContext(ctx, "auth.check.fail", slog.String("transport", TransportBearer), slog.String("reason", "unknown_token"))
		return nil, ErrUnauthorized
	}
	var bt BridgeToken
	if err := json.Unmarshal(item.Data, &bt); err != nil {
		return nil, fmt.Errorf("failed to decode bridge token: %w", err)
	}
	if bt.Expired() {
		s.log.InfoContext(ctx, "auth.check.fail", slog.String("transport", TransportBearer), slog.String("reason", "expired_token"))
		return nil, ErrUnauthorized
	}

	cred, err := s.credential(ctx, bt.Identity)
	if err != nil {
		return nil, err
	}
	return &AuthInfo{Identity: bt.Identity, Transport: TransportBearer, Credential: cred}, nil
}

// ResolveSession resolves a session id to its upstream credential and slides
// the session's expiry window forward.
func (s *Server) ResolveSession(ctx context.Context, sessionID string) (*AuthInfo, error) {
	if sessionID == "" {
		return nil, ErrUnauthorized
	}
	item, err := s.store.Get(ctx, sessionID, store.WithNamespace(store.NamespaceSessions))
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if item == nil {
		s.log.InfoContext(ctx, "auth.check.fail", slog.String("transport", TransportSession), slog.String("reason", "unknown_session"))
		return nil, ErrUnauthorized
	}
	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	cred, err := s.credential(ctx, sess.Identity)
	if err != nil {
		return nil, err
	}

	// Sliding TTL: each successful resolve renews the 30-day window.
	if err := s.store.Set(ctx, sess.ID, item.Data, store.WithNamespace(store.NamespaceSessions), store.WithTTL(sessionTTL)); err != nil {
		s.log.WarnContext(ctx, "session.renew.fail", slog.String("err", err.Error()))
	}

	return &AuthInfo{Identity: sess.Identity, Transport: TransportSession, SessionID: sess.ID, Credential: cred}, nil
}

// ResolveTrustedIdentity resolves an identity asserted by an authenticating
// reverse proxy. Returns ErrUnauthorized when the trusted-proxy transport is
// disabled or no credential exists for the identity.
func (s *Server) ResolveTrustedIdentity(ctx context.Context, identity string) (*AuthInfo, error) {
	if !s.trustProxy || identity == "" {
		return nil, ErrUnauthorized
	}
	cred, err := s.credential(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &AuthInfo{Identity: identity, Transport: TransportProxy, Credential: cred}, nil
}

// HandleUpstreamRejection purges the credential state behind an AuthInfo
// after the upstream API rejected its credential: the credential itself
// always, plus the session when the request was session-authenticated. The
// caller reclassifies the failure as Unauthorized toward the client.
func (s *Server) HandleUpstreamRejection(ctx context.Context, info *AuthInfo) {
	if info == nil {
		return
	}
	if err := s.InvalidateCredential(ctx, info.Identity); err != nil {
		s.log.ErrorContext(ctx, "credential.invalidate.fail", slog.String("err", err.Error()))
	}
	if info.Transport == TransportSession && info.SessionID != "" {
		if err := s.InvalidateSession(ctx, info.SessionID); err != nil {
			s.log.ErrorContext(ctx, "session.invalidate.fail", slog.String("err", err.Error()))
		}
	}
}
