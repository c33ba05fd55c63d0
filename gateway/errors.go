package gateway

import "errors"

// Error taxonomy for the credential-bridging flow. Handlers translate these
// onto OAuth error codes or HTTP statuses; nothing here is fatal to the
// process.
var (
	// ErrInvalidRequest marks malformed authorization parameters. Surfaced
	// as a 4xx the user can correct.
	ErrInvalidRequest = errors.New("invalid authorization request")

	// ErrInvalidGrant marks an unknown, expired, consumed, or forged
	// authorization code, and PKCE verification failure.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUnsupportedGrantType marks a token request with a grant_type other
	// than authorization_code.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrUnauthorized marks a missing, expired, or invalid bridge token or
	// session. Recoverable: the client re-runs the authorization flow.
	ErrUnauthorized = errors.New("unauthorized")
)

// OAuth error codes used on the wire (RFC 6749 §5.2).
const (
	oauthErrInvalidRequest       = "invalid_request"
	oauthErrInvalidGrant         = "invalid_grant"
	oauthErrUnsupportedGrantType = "unsupported_grant_type"
)
