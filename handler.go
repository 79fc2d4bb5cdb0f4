package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/harborlab/mcp-gate/instrumentation"
	"github.com/harborlab/mcp-gate/internal/quirks"
	"github.com/harborlab/mcp-gate/security"
)

// Well-known endpoint paths
const (
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathRegister                    = "/register"
	PathAuthorize                   = "/authorize"
	PathToken                       = "/token"
)

// Identity is the resolved principal attached to authenticated requests.
type Identity struct {
	UserID   string
	ClientID string
	Scope    string
}

type contextKey int

const (
	identityContextKey contextKey = iota
	clientNameContextKey
)

// IdentityFromContext returns the identity the bearer gate attached to the
// request context, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// Handler adapts the Server's OAuth operations to HTTP.
type Handler struct {
	server     *Server
	logger     *slog.Logger
	limiter    *security.RateLimiter
	regLimiter *security.RateLimiter
	consentTpl *template.Template
	inst       *instrumentation.Instrumentation
}

// NewHandler creates the HTTP adapter for an authorization server.
func NewHandler(server *Server) *Handler {
	cfg := server.Config()
	return &Handler{
		server:     server,
		logger:     cfg.Logger,
		limiter:    security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.Logger),
		regLimiter: security.NewRateLimiter(cfg.RateLimit.RegistrationRate, cfg.RateLimit.RegistrationBurst, cfg.Logger),
		consentTpl: template.Must(template.New("consent").Parse(consentPageHTML)),
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the handler.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
}

// Stop releases the handler's background resources.
func (h *Handler) Stop() {
	h.limiter.Stop()
	h.regLimiter.Stop()
}

// clientIP resolves the caller's address honoring the proxy configuration.
func (h *Handler) clientIP(r *http.Request) string {
	rl := h.server.Config().RateLimit
	return security.ClientIP(r, rl.TrustProxy, rl.TrustedProxyCount)
}

// rateLimit wraps an endpoint with per-IP rate limiting.
func (h *Handler) rateLimit(limiter *security.RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := h.clientIP(r)
		if !limiter.Allow(ip) {
			h.server.Auditor().LogRateLimitExceeded(ip, "")
			if h.inst != nil {
				h.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
			}
			writeOAuthError(w, NewOAuthError(ErrorCodeInvalidRequest, "rate limit exceeded", http.StatusTooManyRequests))
			return
		}
		next(w, r)
	}
}

// instrument records request metrics around an endpoint.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config().Issuer)
		if h.inst == nil {
			next(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, sw.status,
			float64(time.Since(start).Milliseconds()))
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HandleAuthorizationServerMetadata serves RFC 8414 discovery metadata.
func (h *Handler) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	cfg := h.server.Config()
	meta := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + PathAuthorize,
		TokenEndpoint:                     cfg.Issuer + PathToken,
		RegistrationEndpoint:              cfg.Issuer + PathRegister,
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{AuthMethodNone, AuthMethodClientSecretPost},
		CodeChallengeMethodsSupported:     []string{security.CodeChallengeMethodS256},
	}

	writeJSON(w, http.StatusOK, meta)
}

// HandleProtectedResourceMetadata serves RFC 9728 resource metadata.
func (h *Handler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	cfg := h.server.Config()
	meta := ProtectedResourceMetadata{
		Resource:               cfg.Resource,
		AuthorizationServers:   []string{cfg.Issuer},
		BearerMethodsSupported: []string{"header", "body"},
		ScopesSupported:        cfg.SupportedScopes,
	}

	writeJSON(w, http.StatusOK, meta)
}

// HandleRegister serves RFC 7591 dynamic client registration.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeOAuthError(w, ErrInvalidClientMetadata("request body is not valid JSON"))
		return
	}

	resp, oauthErr := h.server.RegisterClient(r.Context(), &req, h.clientIP(r))
	if oauthErr != nil {
		writeOAuthError(w, oauthErr)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleAuthorize serves the authorization endpoint: GET renders the consent
// page, POST applies the decision and redirects.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleAuthorizeGet(w, r)
	case http.MethodPost:
		h.handleAuthorizePost(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (h *Handler) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	consent, oauthErr := h.server.BeginAuthorization(r.Context(), req)
	if oauthErr != nil {
		writeOAuthError(w, oauthErr)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// The consent page carries an inline stylesheet; everything else stays
	// locked down.
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
	if err := h.consentTpl.Execute(w, consent); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

func (h *Handler) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest("request body is not a valid form"))
		return
	}

	decision := &AuthorizationDecision{
		AuthorizationRequest: AuthorizationRequest{
			ClientID:            r.PostFormValue("client_id"),
			RedirectURI:         r.PostFormValue("redirect_uri"),
			Scope:               r.PostFormValue("scope"),
			State:               r.PostFormValue("state"),
			CodeChallenge:       r.PostFormValue("code_challenge"),
			CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
		},
		Approved: r.PostFormValue("decision") == "approve",
	}

	redirectURL, oauthErr := h.server.FinishAuthorization(r.Context(), decision, h.clientIP(r))
	if oauthErr != nil {
		writeOAuthError(w, oauthErr)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleToken serves the token endpoint for code exchange and refresh.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrInvalidRequest("request body is not a valid form"))
		return
	}

	req := &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}

	resp, oauthErr := h.server.Exchange(r.Context(), req, h.clientIP(r))
	if oauthErr != nil {
		writeOAuthError(w, oauthErr)
		return
	}

	// Token responses must never be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// RequireToken is the bearer gate: it validates the Authorization header and
// attaches the resolved identity to the request context. Failures produce a
// 401 with a WWW-Authenticate challenge pointing at the resource metadata.
// onFailure, when non-nil, writes the response body after the challenge
// headers are set; otherwise a JSON OAuth error body is written.
func (h *Handler) RequireToken(next http.Handler, onFailure func(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, oauthErr := extractBearerToken(r)
		if oauthErr == nil {
			accessToken, vErr := h.server.ValidateToken(r.Context(), token)
			if vErr != nil {
				oauthErr = vErr
			} else {
				identity := Identity{
					UserID:   accessToken.UserID,
					ClientID: accessToken.ClientID,
					Scope:    accessToken.Scope,
				}
				ctx := context.WithValue(r.Context(), identityContextKey, identity)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		ip := h.clientIP(r)
		h.server.Auditor().LogAuthFailure("", "", ip, oauthErr.Code)
		if h.inst != nil {
			h.inst.Metrics().RecordAuthFailure(r.Context(), oauthErr.Code)
		}

		h.setChallengeHeaders(w, r, oauthErr)
		if onFailure != nil {
			onFailure(w, r, oauthErr)
			return
		}
		writeOAuthError(w, oauthErr)
	})
}

// setChallengeHeaders sets the WWW-Authenticate header for a failed bearer
// authentication; the caller writes the status and body. Exactly one resource
// metadata parameter is emitted; which spelling depends on the requesting
// client.
func (h *Handler) setChallengeHeaders(w http.ResponseWriter, r *http.Request, oauthErr *OAuthError) {
	cfg := h.server.Config()
	metadataURL := cfg.Issuer + PathProtectedResourceMetadata

	variant := quirks.VariantFor(r.Header.Get("User-Agent"), clientNameHint(r))

	challenge := fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q, %s=%q`,
		cfg.ServiceName, oauthErr.Code, oauthErr.Description, variant.ParamName(), metadataURL)

	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
}

// clientNameHint extracts a client name hint left by earlier request parsing,
// when available.
func clientNameHint(r *http.Request) string {
	if name, ok := r.Context().Value(clientNameContextKey).(string); ok {
		return name
	}
	return ""
}

// withClientNameHint stores the declared client name on the request context
// so the challenge writer can pick the parameter spelling.
func withClientNameHint(r *http.Request, name string) *http.Request {
	if name == "" {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), clientNameContextKey, name))
}

// extractBearerToken pulls the access token out of the request: the
// Authorization header first, then the RFC 6750 access_token parameter on
// form-encoded POSTs. Both bearer methods are advertised in the resource
// metadata.
func extractBearerToken(r *http.Request) (string, *OAuthError) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, found := strings.Cut(auth, " ")
		token = strings.TrimSpace(token)
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrInvalidToken("Authorization header must use the Bearer scheme")
		}
		return token, nil
	}

	if token := formBearerToken(r); token != "" {
		return token, nil
	}

	return "", ErrInvalidToken("missing bearer token")
}

// formBearerToken reads the access_token body parameter from a form-encoded
// POST. Other content types are left unread so JSON bodies reach their
// handlers intact.
func formBearerToken(r *http.Request) string {
	if r.Method != http.MethodPost {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return ""
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.PostForm.Get("access_token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

// writeOAuthError writes a full OAuth error response: status plus JSON body.
func writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// consentPageHTML is the minimal consent artifact rendered on GET /authorize.
// The form posts the decision back with every flow parameter carried along.
const consentPageHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Authorize {{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 28rem; margin: 4rem auto; padding: 0 1rem; }
    .scope { background: #f4f4f4; padding: .5rem; border-radius: 4px; }
    button { padding: .5rem 1.5rem; margin-right: .5rem; }
  </style>
</head>
<body>
  <h1>Authorization Request</h1>
  <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
  <p class="scope">Scope: {{.Scope}}</p>
  <form method="POST" action="/authorize">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <button type="submit" name="decision" value="approve">Approve</button>
    <button type="submit" name="decision" value="deny">Deny</button>
  </form>
</body>
</html>
`
