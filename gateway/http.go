package gateway

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/4xguy/gtasks-mcp/gtasks"
)

// Register installs the gateway's HTTP surface on a mux. The MCP transport
// endpoints live in streaminghttp and are registered separately.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("GET /session/authorize", s.handleSessionAuthorize)
	mux.HandleFunc("GET /oauth2callback", s.handleCallback)
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleGetProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", s.handleOptionsMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleGetAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", s.handleOptionsMetadata)
	mux.HandleFunc("GET /{$}", s.handleIndex)
}

// handleAuthorize begins the authorization-code flow: it mints a grant and
// bounces the user-agent to the upstream consent endpoint with the grant
// code folded into the signed state parameter.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		s.renderError(w, http.StatusBadRequest, oauthErrInvalidRequest, "client_id is required")
		return
	}
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		s.renderError(w, http.StatusBadRequest, oauthErrInvalidRequest, "only response_type=code is supported")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI != "" {
		u, err := url.Parse(redirectURI)
		if err != nil || !u.IsAbs() {
			s.renderError(w, http.StatusBadRequest, oauthErrInvalidRequest, "redirect_uri must be an absolute URL")
			return
		}
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		// Usability affordance, not a security control: callers that cannot
		// generate a proof key get a page that generates one in the browser
		// and re-invokes this endpoint with it attached.
		s.renderConsentBootstrap(w, r)
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = s.scope
	}
	grant, err := s.mintGrant(ctx, clientID, redirectURI, scope, challenge, q.Get("code_challenge_method"))
	if err != nil {
		s.log.ErrorContext(ctx, "authorize.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "failed to create authorization grant")
		return
	}

	state, err := s.signer.Sign(stateClaims{GrantCode: grant.Code, ClientState: q.Get("state"), Mode: modeGrant})
	if err != nil {
		s.log.ErrorContext(ctx, "authorize.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "failed to sign state")
		return
	}

	http.Redirect(w, r, s.provider.AuthCodeURL(state), http.StatusFound)
}

// handleSessionAuthorize begins the simpler session flow used by the stdio
// proxy: straight to upstream consent, no grant or PKCE involved; the
// callback mints a session and shows its id for manual copy.
func (s *Server) handleSessionAuthorize(w http.ResponseWriter, r *http.Request) {
	state, err := s.signer.Sign(stateClaims{Mode: modeSession})
	if err != nil {
		s.log.ErrorContext(r.Context(), "authorize.session.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "failed to sign state")
		return
	}
	http.Redirect(w, r, s.provider.AuthCodeURL(state), http.StatusFound)
}

// handleCallback completes an authorization: it exchanges the upstream code
// for a credential, stores the credential, and either finishes a pending
// grant or mints a session depending on the state's mode.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		s.log.InfoContext(ctx, "callback.denied", slog.String("error", errCode))
		s.renderError(w, http.StatusBadRequest, errCode, "the upstream provider reported an error; authorization was not completed")
		return
	}

	claims, err := s.signer.Verify(q.Get("state"))
	if err != nil {
		s.log.InfoContext(ctx, "callback.fail", slog.String("reason", "bad_state"), slog.String("err", err.Error()))
		s.renderError(w, http.StatusBadRequest, oauthErrInvalidRequest, "state parameter is missing, expired, or tampered with")
		return
	}

	cred, err := s.provider.Exchange(ctx, q.Get("code"))
	if err != nil {
		s.log.ErrorContext(ctx, "callback.exchange.fail", slog.String("err", err.Error()))
		status := http.StatusBadGateway
		if errors.Is(err, gtasks.ErrAuthRejected) {
			status = http.StatusBadRequest
		}
		s.renderError(w, status, "upstream_error", "could not exchange the upstream authorization code")
		return
	}
	if err := s.putCredential(ctx, cred); err != nil {
		s.log.ErrorContext(ctx, "callback.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "failed to persist credential")
		return
	}
	s.log.InfoContext(ctx, "callback.credential.ok", slog.String("identity", cred.Identity))

	if claims.Mode == modeSession {
		sess, err := s.CreateSession(ctx, cred.Identity)
		if err != nil {
			s.log.ErrorContext(ctx, "callback.session.fail", slog.String("err", err.Error()))
			s.renderError(w, http.StatusInternalServerError, "server_error", "failed to create session")
			return
		}
		s.renderPage(w, http.StatusOK, sessionPageTmpl, map[string]string{
			"SessionID": sess.ID,
			"Identity":  cred.Identity,
		})
		return
	}

	grant, err := s.lookupGrant(ctx, claims.GrantCode)
	if err != nil {
		s.log.ErrorContext(ctx, "callback.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "grant lookup failed")
		return
	}
	if grant == nil {
		s.renderError(w, http.StatusBadRequest, oauthErrInvalidGrant, "this authorization has already been used or has expired; start over")
		return
	}
	if err := s.attachIdentity(ctx, grant, cred.Identity); err != nil {
		s.log.ErrorContext(ctx, "callback.fail", slog.String("err", err.Error()))
		s.renderError(w, http.StatusInternalServerError, "server_error", "failed to update grant")
		return
	}

	if grant.RedirectURI != "" {
		target, err := url.Parse(grant.RedirectURI)
		if err != nil {
			s.renderError(w, http.StatusBadRequest, oauthErrInvalidRequest, "grant redirect_uri is invalid")
			return
		}
		tq := target.Query()
		tq.Set("code", grant.Code)
		if claims.ClientState != "" {
			tq.Set("state", claims.ClientState)
		}
		target.RawQuery = tq.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	// Headless flow: no redirect target, show the code for manual copy.
	s.renderPage(w, http.StatusOK, codePageTmpl, map[string]string{
		"Code":     grant.Code,
		"Identity": cred.Identity,
	})
}

// handleToken is the bridge-token exchange endpoint (RFC 6749 §4.1.3).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauthErrInvalidRequest, "malformed form body")
		return
	}

	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		s.log.InfoContext(ctx, "token.fail", slog.String("reason", "grant_type"), slog.String("grant_type", gt))
		writeOAuthError(w, http.StatusBadRequest, oauthErrUnsupportedGrantType, "only authorization_code is supported")
		return
	}

	resp, err := s.Exchange(ctx, r.PostFormValue("code"), r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, oauthErrInvalidGrant, "authorization code is unknown, expired, or already used")
			return
		}
		s.log.ErrorContext(ctx, "token.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "token exchange failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.ErrorContext(ctx, "token.encode.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, indexPageTmpl, map[string]string{
		"ServerName": s.serverName,
		"Endpoint":   s.publicEndpoint,
	})
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthErrorBody{Error: code, ErrorDescription: description})
}

func (s *Server) renderError(w http.ResponseWriter, status int, code, detail string) {
	s.renderPage(w, status, errorPageTmpl, map[string]string{
		"Code":   code,
		"Detail": detail,
	})
}

func (s *Server) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		s.log.Error("page.render.fail", slog.String("err", err.Error()))
	}
}

// renderConsentBootstrap serves the self-resubmitting page that generates a
// PKCE pair in the browser for callers that arrived without one. The
// verifier is shown so the user can complete the token exchange manually.
func (s *Server) renderConsentBootstrap(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, consentPageTmpl, map[string]string{
		"Query": r.URL.RawQuery,
	})
}

var (
	indexPageTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<title>{{.ServerName}}</title>
<h1>{{.ServerName}}</h1>
<p>MCP gateway for Google Tasks.</p>
<ul>
<li><code>GET /authorize</code> — begin an authorization-code grant</li>
<li><code>POST /token</code> — exchange a code for a bridge token</li>
<li><code>GET /session/authorize</code> — begin a session for the stdio proxy</li>
<li><code>POST {{.Endpoint}}/mcp</code> — MCP request/response endpoint</li>
<li><code>GET {{.Endpoint}}/mcp</code> — MCP streaming (SSE) endpoint</li>
</ul>
`))

	errorPageTmpl = template.Must(template.New("error").Parse(`<!doctype html>
<title>Authorization error</title>
<h1>Authorization error</h1>
<p><strong>{{.Code}}</strong>: {{.Detail}}</p>
`))

	codePageTmpl = template.Must(template.New("code").Parse(`<!doctype html>
<title>Authorization complete</title>
<h1>Authorization complete</h1>
<p>Signed in as <strong>{{.Identity}}</strong>.</p>
<p>Your authorization code (valid for 10 minutes, single use):</p>
<pre>{{.Code}}</pre>
`))

	sessionPageTmpl = template.Must(template.New("session").Parse(`<!doctype html>
<title>Session created</title>
<h1>Session created</h1>
<p>Signed in as <strong>{{.Identity}}</strong>.</p>
<p>Paste this session id into the waiting terminal prompt:</p>
<pre>{{.SessionID}}</pre>
`))

	consentPageTmpl = template.Must(template.New("consent").Parse(`<!doctype html>
<title>Continue authorization</title>
<h1>Continue authorization</h1>
<p>No proof-key challenge was supplied. One will be generated in your
browser; keep the verifier below if you plan to call the token endpoint
yourself.</p>
<pre id="verifier">generating&hellip;</pre>
<script>
(async () => {
  const bytes = crypto.getRandomValues(new Uint8Array(32));
  const b64url = (buf) => btoa(String.fromCharCode(...new Uint8Array(buf)))
    .replace(/\+/g, "-").replace(/\//g, "_").replace(/=+$/, "");
  const verifier = b64url(bytes);
  document.getElementById("verifier").textContent = verifier;
  const digest = await crypto.subtle.digest("SHA-256", new TextEncoder().encode(verifier));
  const params = new URLSearchParams({{.Query}});
  params.set("code_challenge", b64url(digest));
  params.set("code_challenge_method", "S256");
  location.assign("/authorize?" + params.toString());
})();
</script>
`))
)
