// Package gtasks wraps the upstream Google Tasks API: OAuth credential
// acquisition and refresh, plus the six task operations the gateway exposes.
// All task CRUD is a thin pass-through; the interesting behavior is the
// mapping of upstream authentication failures to ErrAuthRejected so the
// gateway can invalidate the cached credential.
package gtasks

import (
	"errors"
	"time"
)

// ErrAuthRejected indicates the upstream API rejected the credential used.
// Callers must invalidate the cached credential and force re-authorization.
var ErrAuthRejected = errors.New("upstream rejected credential")

// ErrNotFound indicates the referenced task or task list does not exist.
var ErrNotFound = errors.New("task not found")

// ErrUnavailable indicates a transient upstream failure (network error or
// 5xx). Safe to retry; the gateway never retries on the caller's behalf.
var ErrUnavailable = errors.New("upstream unavailable")

// Credential is the long-lived upstream credential held per end-user
// identity. The gateway's credential store is its single writer.
type Credential struct {
	Identity     string    `json:"identity"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the access token's lifetime has lapsed. A zero
// Expiry means the upstream did not report one; treat as live.
func (c *Credential) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}
