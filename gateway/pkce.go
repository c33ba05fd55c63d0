package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// verifyCodeVerifier checks a PKCE code_verifier against the challenge
// recorded on the grant (RFC 7636 §4.6). An absent method means "plain".
// Comparisons are constant-time; the verifier is attacker-supplied.
func verifyCodeVerifier(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
	case "", "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
