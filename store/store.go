// Package store defines the keyed record store behind all gateway state:
// authorization grants, bridge tokens, sessions, and upstream credentials.
// Backends must make single-key insert/delete/replace atomic; the gateway
// performs no cross-key transactions.
package store

import (
	"context"
	"time"
)

// Well-known namespaces used by the gateway. Backends treat them as opaque
// key prefixes.
const (
	NamespaceGrants      = "grants"
	NamespaceTokens      = "tokens"
	NamespaceSessions    = "sessions"
	NamespaceCredentials = "creds"
)

// Store is the primary interface for gateway record storage.
type Store interface {
	// Get retrieves the item for a key within the namespace configured via
	// options. Returns a nil Item if the key doesn't exist or has expired;
	// returns an error only for genuine storage failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a key. WithTTL bounds the item's lifetime.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes a key (via WithKey) or, with no key option, the entire
	// namespace. Deleting an absent key is not an error.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored record with lifetime metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item's TTL has lapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures store operations.
type Option func(*Options)

// Options contains configuration for store operations.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
}

// Apply folds the option funcs into an Options value.
func Apply(opts []Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace scopes the operation to a namespace.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey specifies a key for Delete operations. Without it, Delete removes
// the whole namespace.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL bounds the stored item's lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}
