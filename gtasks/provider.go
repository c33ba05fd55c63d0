package gtasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/tasks/v1"
)

// GoogleIssuer is the OIDC issuer used to establish the end-user identity.
const GoogleIssuer = "https://accounts.google.com"

// Provider performs the upstream half of the authorization dance: building
// consent URLs, exchanging upstream authorization codes, and refreshing
// credentials. The gateway depends on this interface; tests substitute fakes.
type Provider interface {
	// AuthCodeURL returns the upstream consent URL carrying state. Scope is
	// fixed to the task-management scope plus identity scopes.
	AuthCodeURL(state string) string
	// Exchange trades an upstream authorization code for a Credential whose
	// Identity has been established from the verified ID token.
	Exchange(ctx context.Context, code string) (*Credential, error)
	// Refresh obtains a fresh access token. Returns ErrAuthRejected when the
	// refresh token itself has been revoked or is absent.
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
}

// GoogleProvider implements Provider against Google's OAuth endpoints.
type GoogleProvider struct {
	cfg      *oauth2.Config
	verifier *oidc.IDTokenVerifier
	log      *slog.Logger
}

// ProviderOption configures the GoogleProvider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	issuer string
	logger *slog.Logger
}

// WithProviderLogger sets the slog logger. Defaults to slog.Default().
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(c *providerConfig) { c.logger = l }
}

// WithIssuer overrides the OIDC issuer. Intended for tests pointing at a
// local fake.
func WithIssuer(issuer string) ProviderOption {
	return func(c *providerConfig) { c.issuer = issuer }
}

// NewGoogleProvider builds a provider from OAuth client credentials. It
// performs OIDC discovery against the issuer, so it needs network access at
// construction time.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, redirectURL string, opts ...ProviderOption) (*GoogleProvider, error) {
	pc := &providerConfig{issuer: GoogleIssuer, logger: slog.Default()}
	for _, opt := range opts {
		opt(pc)
	}

	oidcProvider, err := oidc.NewProvider(ctx, pc.issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery against %s failed: %w", pc.issuer, err)
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{tasks.TasksScope, oidc.ScopeOpenID, "email"},
	}
	if pc.issuer != GoogleIssuer {
		cfg.Endpoint = oidcProvider.Endpoint()
	}

	return &GoogleProvider{
		cfg:      cfg,
		verifier: oidcProvider.Verifier(&oidc.Config{ClientID: clientID}),
		log:      pc.logger,
	}, nil
}

// Scope returns the space-joined scope string requested upstream.
func (p *GoogleProvider) Scope() string {
	return strings.Join(p.cfg.Scopes, " ")
}

func (p *GoogleProvider) AuthCodeURL(state string) string {
	// offline access so a refresh token is issued; force approval so Google
	// re-issues the refresh token for returning users.
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*Credential, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuthErr("exchange", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("token response missing id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("id_token verification failed: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("id_token carries no email claim")
	}

	return &Credential{
		Identity:     claims.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        p.Scope(),
		Expiry:       tok.Expiry,
	}, nil
}

func (p *GoogleProvider) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token for %s: %w", cred.Identity, ErrAuthRejected)
	}

	ts := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classifyOAuthErr("refresh", err)
	}

	next := &Credential{
		Identity:     cred.Identity,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        cred.Scope,
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		// Google omits the refresh token on refresh responses; keep the old one.
		next.RefreshToken = cred.RefreshToken
	}
	p.log.InfoContext(ctx, "credential.refresh.ok", slog.String("identity", cred.Identity))
	return next, nil
}

// classifyOAuthErr maps oauth2 transport errors onto the package error
// taxonomy. 4xx from the token endpoint (invalid_grant and friends) means the
// stored credential is dead; anything else is treated as transient.
func classifyOAuthErr(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
			return fmt.Errorf("%s: %s: %w", op, rerr.ErrorCode, ErrAuthRejected)
		}
		return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// statusClass is used by the client's error mapping as well.
func statusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "auth"
	case code == http.StatusNotFound:
		return "missing"
	case code >= 500:
		return "unavailable"
	default:
		return "other"
	}
}
