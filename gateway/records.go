package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

const (
	// grantTTL bounds the life of an authorization code.
	grantTTL = 10 * time.Minute

	// tokenTTL bounds the life of a bridge token. Tokens are not renewable;
	// expiry requires a fresh grant.
	tokenTTL = time.Hour

	// sessionTTL is a sliding window applied on every successful resolve.
	sessionTTL = 30 * 24 * time.Hour
)

// Grant is a single-use authorization code plus its binding metadata. The
// Identity field stays empty until the upstream consent callback attaches a
// credential; a grant with no identity can never be exchanged.
type Grant struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Identity            string    `json:"identity,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the grant's wall-clock lifetime has lapsed. The
// store also enforces the TTL; this guards against clock drift between the
// two.
func (g *Grant) Expired() bool {
	return time.Now().After(g.ExpiresAt)
}

// BridgeToken is the short-lived bearer credential handed to downstream
// clients in place of the upstream secret. It references the upstream
// credential by identity rather than embedding it.
type BridgeToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	Scope     string    `json:"scope,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *BridgeToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Session maps an opaque identifier directly to an upstream credential,
// bypassing the grant/exchange dance for trusted local transports.
type Session struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenResponse is the JSON body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// newOpaqueToken returns 32 bytes of cryptographic randomness, base64url
// encoded. Used for authorization codes and bridge tokens.
func newOpaqueToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken; nothing
		// sensible can be issued.
		panic("rand.Read failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
