// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the gateway process needs. Values are decoded from
// the environment via struct tags.
type Config struct {
	// PublicEndpoint is the externally visible base URL of the gateway,
	// e.g. https://gtasks.example.com. Used for OAuth redirect URIs and the
	// discovery documents. ENV: GTASKS_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"GTASKS_PUBLIC_ENDPOINT,default=http://localhost:8080"`

	// ListenAddr is the address the HTTP server binds. ENV: GTASKS_LISTEN_ADDR
	ListenAddr string `env:"GTASKS_LISTEN_ADDR,default=:8080"`

	// Google OAuth client credentials for the upstream Tasks API.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID,required"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET,required"`

	// StateSigningKey signs the OAuth state blob round-tripped through the
	// upstream consent flow. A random per-process key is generated when
	// empty, which invalidates in-flight authorizations across restarts.
	// ENV: GTASKS_STATE_KEY
	StateSigningKey string `env:"GTASKS_STATE_KEY"`

	// RedisAddr selects the durable store backend. Empty means the
	// in-process memory store. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// TrustProxyIdentity enables the reverse-proxy transport: when true the
	// X-Forwarded-Email header is consumed as a trusted, already
	// authenticated identity. Only enable behind an authenticating proxy.
	// ENV: GTASKS_TRUST_PROXY_IDENTITY
	TrustProxyIdentity bool `env:"GTASKS_TRUST_PROXY_IDENTITY,default=false"`

	// ServerName is surfaced in the protected resource metadata document.
	ServerName string `env:"GTASKS_SERVER_NAME,default=gtasks-mcp"`
}

// Load decodes the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	return &cfg, nil
}
