// Package gateway implements the credential-bridging core: it issues
// single-use authorization grants, exchanges them for short-lived bridge
// tokens, maintains the session registry for trusted local transports, and
// owns the upstream credential store. Downstream clients never see the
// upstream secret; they see a bridge token or a session id that the gateway
// resolves on every request.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/4xguy/gtasks-mcp/gtasks"
	"github.com/4xguy/gtasks-mcp/store"
)

// Server is the credential-bridging gateway. All state lives behind the
// injected store; the Server itself is stateless and safe for concurrent use.
type Server struct {
	store    store.Store
	provider gtasks.Provider
	signer   *stateSigner
	log      *slog.Logger

	publicEndpoint string
	serverName     string
	scope          string
	trustProxy     bool
}

// Option configures the Server.
type Option func(*serverConfig)

type serverConfig struct {
	logger     *slog.Logger
	stateKey   []byte
	serverName string
	scope      string
	trustProxy bool
}

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *serverConfig) { c.logger = l }
}

// WithStateSigningKey sets the HMAC key for the OAuth state blob. When empty
// a random per-process key is generated, which invalidates in-flight
// authorizations across restarts.
func WithStateSigningKey(key []byte) Option {
	return func(c *serverConfig) { c.stateKey = key }
}

// WithServerName sets the resource name advertised in discovery metadata.
func WithServerName(name string) Option {
	return func(c *serverConfig) { c.serverName = name }
}

// WithScope sets the scope string advertised and stamped on bridge tokens.
func WithScope(scope string) Option {
	return func(c *serverConfig) { c.scope = scope }
}

// WithTrustedProxyIdentity enables resolving the X-Forwarded-Email header as
// an already-authenticated identity. Only safe behind an authenticating
// reverse proxy.
func WithTrustedProxyIdentity(enabled bool) Option {
	return func(c *serverConfig) { c.trustProxy = enabled }
}

// New builds a gateway Server. publicEndpoint is the externally visible base
// URL, used for discovery documents and bearer challenges.
func New(publicEndpoint string, st store.Store, provider gtasks.Provider, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if _, err := url.Parse(publicEndpoint); err != nil || publicEndpoint == "" {
		return nil, fmt.Errorf("invalid public endpoint %q", publicEndpoint)
	}

	cfg := &serverConfig{
		logger:     slog.Default(),
		serverName: "gtasks-mcp",
		scope:      "tasks",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.stateKey) == 0 {
		cfg.stateKey = make([]byte, 32)
		if _, err := rand.Read(cfg.stateKey); err != nil {
			return nil, fmt.Errorf("failed to generate state key: %w", err)
		}
	}

	return &Server{
		store:          st,
		provider:       provider,
		signer:         newStateSigner(cfg.stateKey),
		log:            cfg.logger,
		publicEndpoint: strings.TrimSuffix(publicEndpoint, "/"),
		serverName:     cfg.serverName,
		scope:          cfg.scope,
		trustProxy:     cfg.trustProxy,
	}, nil
}

// BearerChallenge returns the WWW-Authenticate value pointing clients at the
// protected resource metadata document.
func (s *Server) BearerChallenge() string {
	return fmt.Sprintf(`Bearer resource_metadata=%q`, s.publicEndpoint+"/.well-known/oauth-protected-resource")
}

// mintGrant creates and stores a fresh authorization grant.
func (s *Server) mintGrant(ctx context.Context, clientID, redirectURI, scope, challenge, method string) (*Grant, error) {
	now := time.Now()
	grant := &Grant{
		Code:                newOpaqueToken(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(grantTTL),
	}
	if err := s.putGrant(ctx, grant); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "grant.mint.ok", slog.String("client_id", clientID))
	return grant, nil
}

func (s *Server) putGrant(ctx context.Context, grant *Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("grant already expired")
	}
	if err := s.store.Set(ctx, grant.Code, data, store.WithNamespace(store.NamespaceGrants), store.WithTTL(ttl)); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// lookupGrant returns the grant for a code, or nil when unknown or expired.
func (s *Server) lookupGrant(ctx context.Context, code string) (*Grant, error) {
	item, err := s.store.Get(ctx, code, store.WithNamespace(store.NamespaceGrants))
	if err != nil {
		return nil, fmt.Errorf("grant lookup failed: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	var grant Grant
	if err := json.Unmarshal(item.Data, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	if grant.Expired() {
		return nil, nil
	}
	return &grant, nil
}

func (s *Server) deleteGrant(ctx context.Context, code string) error {
	return s.store.Delete(ctx, store.WithNamespace(store.NamespaceGrants), store.WithKey(code))
}

// attachIdentity binds the upstream credential's identity to a pending grant
// after the consent callback. The stored TTL shrinks to the grant's
// remaining lifetime.
func (s *Server) attachIdentity(ctx context.Context, grant *Grant, identity string) error {
	grant.Identity = identity
	return s.putGrant(ctx, grant)
}

// Exchange trades a valid, unexpired, consent-completed authorization code
// for a bridge token. The grant is consumed regardless of which failure mode
// fires after lookup, so a code can never be retried into success.
func (s *Server) Exchange(ctx context.Context, code, redirectURI, verifier string) (*TokenResponse, error) {
	grant, err := s.lookupGrant(ctx, code)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		s.log.InfoContext(ctx, "grant.exchange.fail", slog.String("reason", "unknown_or_expired"))
		return nil, ErrInvalidGrant
	}

	// Single-use: consume before validating so a failed PKCE check also
	// burns the code.
	if err := s.deleteGrant(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}

	if grant.Identity == "" {
		s.log.InfoContext(ctx, "grant.exchange.fail", slog.String("reason", "no_credential"))
		return nil, ErrInvalidGrant
	}
	if grant.RedirectURI != "" && grant.RedirectURI != redirectURI {
		s.log.InfoContext(ctx, "grant.exchange.fail", slog.String("reason", "redirect_uri_mismatch"))
		return nil, ErrInvalidGrant
	}
	if grant.CodeChallenge != "" && !verifyCodeVerifier(grant.CodeChallenge, grant.CodeChallengeMethod, verifier) {
		s.log.InfoContext(ctx, "grant.exchange.fail", slog.String("reason", "pkce_mismatch"))
		return nil, ErrInvalidGrant
	}

	now := time.Now()
	token := &BridgeToken{
		Token:     newOpaqueToken(),
		Identity:  grant.Identity,
		Scope:     grant.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenTTL),
	}
	data, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bridge token: %w", err)
	}
	if err := s.store.Set(ctx, token.Token, data, store.WithNamespace(store.NamespaceTokens), store.WithTTL(tokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to store bridge token: %w", err)
	}

	s.log.InfoContext(ctx, "grant.exchange.ok", slog.String("client_id", grant.ClientID))
	return &TokenResponse{
		AccessToken: token.Token,
		TokenType:   "bearer",
		ExpiresIn:   int(tokenTTL / time.Second),
		Scope:       token.Scope,
	}, nil
}

// CreateSession registers a new session for an identity and returns it.
func (s *Server) CreateSession(ctx context.Context, identity string) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Set(ctx, sess.ID, data, store.WithNamespace(store.NamespaceSessions), store.WithTTL(sessionTTL)); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.log.InfoContext(ctx, "session.create.ok", slog.String("identity", identity))
	return sess, nil
}

// InvalidateSession removes a session so the next resolve forces
// re-authorization. Removing an absent session is not an error.
func (s *Server) InvalidateSession(ctx context.Context, sessionID string) error {
	if err := s.store.Delete(ctx, store.WithNamespace(store.NamespaceSessions), store.WithKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.log.InfoContext(ctx, "session.invalidate.ok", slog.String("session_id", sessionID))
	return nil
}

// putCredential persists the upstream credential keyed by identity. The
// credential store is the single writer; concurrent refreshes are
// last-writer-wins.
func (s *Server) putCredential(ctx context.Context, cred *gtasks.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.store.Set(ctx, cred.Identity, data, store.WithNamespace(store.NamespaceCredentials)); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// InvalidateCredential purges the stored upstream credential for an identity.
// Called when the upstream API rejects it.
func (s *Server) InvalidateCredential(ctx context.Context, identity string) error {
	if err := s.store.Delete(ctx, store.WithNamespace(store.NamespaceCredentials), store.WithKey(identity)); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	s.log.WarnContext(ctx, "credential.invalidate", slog.String("identity", identity))
	return nil
}

// credential loads the upstream credential for an identity, refreshing it
// when expired. A dead refresh token purges the credential and reports
// ErrUnauthorized.
func (s *Server) credential(ctx context.Context, identity string) (*gtasks.Credential, error) {
	item, err := s.store.Get(ctx, identity, store.WithNamespace(store.NamespaceCredentials))
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	if item == nil {
		return nil, ErrUnauthorized
	}
	var cred gtasks.Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	if !cred.Expired() {
		return &cred, nil
	}

	fresh, err := s.provider.Refresh(ctx, &cred)
	if err != nil {
		if errors.Is(err, gtasks.ErrAuthRejected) {
			_ = s.InvalidateCredential(ctx, identity)
			return nil, fmt.Errorf("refresh rejected: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("credential refresh failed: %w", err)
	}
	if err := s.putCredential(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}
