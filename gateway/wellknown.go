package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/4xguy/gtasks-mcp/internal/wellknown"
)

func (s *Server) protectedResourceMetadata() wellknown.ProtectedResourceMetadata {
	return wellknown.ProtectedResourceMetadata{
		Resource:               s.publicEndpoint + "/mcp",
		AuthorizationServers:   []string{s.publicEndpoint},
		ScopesSupported:        strings.Fields(s.scope),
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           s.serverName,
	}
}

func (s *Server) authServerMetadata() wellknown.AuthServerMetadata {
	return wellknown.AuthServerMetadata{
		Issuer:                            s.publicEndpoint,
		AuthorizationEndpoint:             s.publicEndpoint + "/authorize",
		TokenEndpoint:                     s.publicEndpoint + "/token",
		ScopesSupported:                   strings.Fields(s.scope),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// handleGetProtectedResourceMetadata serves the RFC 9728 document. CORS is
// wide open: the documents are public and browsers fetch them cross-origin.
func (s *Server) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.protectedResourceMetadata()); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

// handleGetAuthServerMetadata serves the RFC 8414 document. The gateway is
// its own authorization server for bridge tokens.
func (s *Server) handleGetAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.authServerMetadata()); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode authorization server metadata: %v", err), http.StatusInternalServerError)
	}
}

func (s *Server) handleOptionsMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
