// Package gate implements an OAuth 2.1 authorization server with PKCE and a
// session gateway for a streaming JSON-RPC endpoint. The Server type holds the
// protocol logic; Handler and Gateway adapt it to HTTP.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/harborlab/mcp-gate/instrumentation"
	"github.com/harborlab/mcp-gate/security"
	"github.com/harborlab/mcp-gate/storage"
)

const (
	// demoUserID is the fixed identity every approved consent is bound to.
	// A real deployment replaces the consent step with actual end-user
	// authentication.
	demoUserID = "demo-user"

	// defaultStatePlaceholder stands in for a missing state parameter so the
	// round-trip stays symmetric; it is echoed back verbatim on redirect.
	defaultStatePlaceholder = "state-not-provided"

	// Client types
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"

	// Supported token endpoint auth methods
	AuthMethodNone             = "none"
	AuthMethodClientSecretPost = "client_secret_post"

	// Supported grant types
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Server implements the OAuth 2.1 authorization flows: dynamic client
// registration, consent-based authorization, PKCE-verified code exchange,
// refresh token rotation, and bearer token validation.
type Server struct {
	config  *Config
	tokens  storage.TokenStore
	clients storage.ClientStore
	flows   storage.FlowStore
	logger  *slog.Logger
	auditor *security.Auditor

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewServer creates an authorization server over the given stores.
func NewServer(config *Config, tokens storage.TokenStore, clients storage.ClientStore, flows storage.FlowStore) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tokens == nil || clients == nil || flows == nil {
		return nil, fmt.Errorf("token, client, and flow stores are required")
	}

	return &Server{
		config:  config,
		tokens:  tokens,
		clients: clients,
		flows:   flows,
		logger:  config.Logger,
		auditor: security.NewAuditor(config.Logger, config.Security.EnableAuditLogging),
		tracer:  noop.NewTracerProvider().Tracer("server"),
	}, nil
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the server.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.inst = inst
	s.tracer = inst.Tracer("server")
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Auditor returns the security auditor.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// RegisterClient handles a dynamic client registration request (RFC 7591).
// clientIP is used for per-IP registration caps and audit logging.
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, *OAuthError) {
	ctx, span := s.tracer.Start(ctx, "gate.register_client")
	defer span.End()

	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidClientMetadata("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("invalid redirect_uri %q: %v", uri, err))
		}
	}

	clientType := req.ClientType
	if clientType == "" {
		clientType = ClientTypePublic
	}
	if clientType != ClientTypePublic && clientType != ClientTypeConfidential {
		return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported client_type %q", clientType))
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		if clientType == ClientTypeConfidential {
			authMethod = AuthMethodClientSecretPost
		} else {
			authMethod = AuthMethodNone
		}
	}
	switch authMethod {
	case AuthMethodNone:
		if clientType == ClientTypeConfidential {
			return nil, ErrInvalidClientMetadata("confidential clients must use client_secret_post")
		}
	case AuthMethodClientSecretPost:
		if clientType == ClientTypePublic {
			return nil, ErrInvalidClientMetadata("public clients must use token_endpoint_auth_method \"none\"")
		}
	default:
		return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, ErrInvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	scopes := s.config.SupportedScopes
	if req.Scope != "" {
		requested, err := s.filterScopes(req.Scope)
		if err != nil {
			return nil, ErrInvalidClientMetadata(err.Error())
		}
		scopes = requested
	}

	if err := s.clients.CheckIPLimit(ctx, clientIP, s.config.Security.MaxClientsPerIP); err != nil {
		s.logger.Warn("Client registration denied by IP limit", "ip", clientIP)
		return nil, NewOAuthError(ErrorCodeRateLimitExceeded, "too many registrations from this address", http.StatusTooManyRequests)
	}

	clientID := "client-" + oauth2.GenerateVerifier()

	var clientSecret, secretHash string
	if clientType == ClientTypeConfidential {
		clientSecret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("Failed to hash client secret", "error", err)
			return nil, ErrServerError("failed to process registration")
		}
		secretHash = string(hash)
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		Scopes:                  scopes,
		CreatedAt:               now,
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		s.logger.Error("Failed to save client", "error", err)
		return nil, ErrServerError("failed to save registration")
	}
	s.clients.TrackClientIP(ctx, clientIP)

	s.auditor.LogClientRegistered(clientID, clientType, clientIP)
	if s.inst != nil {
		s.inst.Metrics().RecordClientRegistration(ctx, clientType)
	}
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	s.logger.Info("Client registered",
		"client_id", clientID,
		"client_type", clientType,
		"client_name", req.ClientName)

	return &ClientRegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   joinScopes(scopes),
		ClientType:              clientType,
	}, nil
}

// AuthorizationRequest carries the query parameters of a GET /authorize.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// BeginAuthorization validates an authorization request and returns the data
// the consent page needs. No code is minted until the user decides.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (*ConsentData, *OAuthError) {
	ctx, span := s.tracer.Start(ctx, "gate.begin_authorization")
	defer span.End()

	client, oauthErr := s.validateAuthorizationRequest(ctx, req)
	if oauthErr != nil {
		instrumentation.SetSpanError(span, oauthErr.Code)
		return nil, oauthErr
	}

	state := req.State
	if state == "" {
		state = defaultStatePlaceholder
	}
	scope := req.Scope
	if scope == "" {
		scope = joinScopes(client.Scopes)
	}

	if s.inst != nil {
		s.inst.Metrics().RecordAuthorizationStarted(ctx, req.ClientID)
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", scope)

	return &ConsentData{
		ClientID:            client.ClientID,
		ClientName:          client.ClientName,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, nil
}

// AuthorizationDecision carries the form fields of a POST /authorize.
type AuthorizationDecision struct {
	AuthorizationRequest
	Approved bool
}

// FinishAuthorization applies the user's consent decision. It returns the
// redirect URL the user agent should be sent to: either carrying a fresh
// single-use authorization code, or error=access_denied. The state value is
// echoed back verbatim in both cases.
func (s *Server) FinishAuthorization(ctx context.Context, decision *AuthorizationDecision, clientIP string) (string, *OAuthError) {
	ctx, span := s.tracer.Start(ctx, "gate.finish_authorization")
	defer span.End()

	client, oauthErr := s.validateAuthorizationRequest(ctx, &decision.AuthorizationRequest)
	if oauthErr != nil {
		instrumentation.SetSpanError(span, oauthErr.Code)
		return "", oauthErr
	}

	state := decision.State
	if state == "" {
		state = defaultStatePlaceholder
	}

	if !decision.Approved {
		s.auditor.LogAuthFailure(demoUserID, decision.ClientID, clientIP, "consent_denied")
		if s.inst != nil {
			s.inst.Metrics().RecordAuthFailure(ctx, "consent_denied")
		}
		return buildRedirectURL(decision.RedirectURI, url.Values{
			"error": {ErrorCodeAccessDenied},
			"state": {state},
		}), nil
	}

	scope := decision.Scope
	if scope == "" {
		scope = joinScopes(client.Scopes)
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            client.ClientID,
		RedirectURI:         decision.RedirectURI,
		Scope:               scope,
		CodeChallenge:       decision.CodeChallenge,
		CodeChallengeMethod: decision.CodeChallengeMethod,
		UserID:              demoUserID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
	}

	if err := s.flows.SaveAuthorizationCode(ctx, code); err != nil {
		s.logger.Error("Failed to save authorization code", "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	s.auditor.LogCodeIssued(demoUserID, client.ClientID, clientIP, scope)
	if s.inst != nil {
		s.inst.Metrics().RecordCodeIssued(ctx, client.ClientID)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, demoUserID, scope)

	return buildRedirectURL(decision.RedirectURI, url.Values{
		"code":  {code.Code},
		"state": {state},
	}), nil
}

// validateAuthorizationRequest checks the common parameters of both
// authorization endpoints and resolves the client.
func (s *Server) validateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, *OAuthError) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if req.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != security.CodeChallengeMethodS256 {
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}
	if req.ResponseType != "" && req.ResponseType != "code" {
		return nil, ErrInvalidRequest("response_type must be code")
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.logger.Error("Failed to load client", "client_id", req.ClientID, "error", err)
		return nil, ErrServerError("failed to load client")
	}

	if !s.config.Security.AllowUnregisteredRedirectURIs {
		if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
			return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
		}
	} else if err := validateRedirectURI(req.RedirectURI); err != nil {
		return nil, ErrInvalidRedirectURI(err.Error())
	}

	if req.Scope != "" {
		if _, err := s.filterScopes(req.Scope); err != nil {
			return nil, ErrInvalidScope(err.Error())
		}
	}

	return client, nil
}

// TokenRequest carries the form fields of a POST /token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// Exchange handles the token endpoint for both supported grant types.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, *OAuthError) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req, clientIP)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, req, clientIP)
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", req.GrantType))
	}
}

// exchangeAuthorizationCode consumes an authorization code and mints tokens.
// The code is taken atomically so concurrent exchanges of the same code
// produce exactly one token response; every failure after the take leaves the
// code consumed.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, *OAuthError) {
	ctx, span := s.tracer.Start(ctx, "gate.exchange_code")
	defer span.End()

	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required")
	}

	client, oauthErr := s.authenticateClient(ctx, req, clientIP)
	if oauthErr != nil {
		return nil, oauthErr
	}

	code, err := s.flows.TakeAuthorizationCode(ctx, req.Code)
	if err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, clientIP, "invalid_code")
		if s.inst != nil {
			s.inst.Metrics().RecordAuthFailure(ctx, "invalid_code")
		}
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, ErrInvalidGrant("authorization code expired")
		}
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if code.ClientID != client.ClientID {
		s.auditor.LogAuthFailure(code.UserID, req.ClientID, clientIP, "client_mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != req.RedirectURI {
		s.auditor.LogAuthFailure(code.UserID, req.ClientID, clientIP, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := security.VerifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, req.CodeVerifier); err != nil {
		s.auditor.LogInvalidPKCE(req.ClientID, clientIP, err.Error())
		if s.inst != nil {
			s.inst.Metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	resp, oauthErr := s.mintTokens(ctx, code.UserID, client.ClientID, code.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	s.auditor.LogTokenIssued(code.UserID, client.ClientID, clientIP, code.Scope)
	if s.inst != nil {
		s.inst.Metrics().RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, code.UserID, code.Scope)
	instrumentation.AddPKCEAttributes(span, code.CodeChallengeMethod)

	return resp, nil
}

// refreshAccessToken rotates a refresh token: the presented token is consumed
// atomically and a new access/refresh pair is issued.
func (s *Server) refreshAccessToken(ctx context.Context, req *TokenRequest, clientIP string) (*TokenResponse, *OAuthError) {
	ctx, span := s.tracer.Start(ctx, "gate.refresh_token")
	defer span.End()

	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, oauthErr := s.authenticateClient(ctx, req, clientIP)
	if oauthErr != nil {
		return nil, oauthErr
	}

	refresh, err := s.tokens.TakeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		s.auditor.LogAuthFailure("", req.ClientID, clientIP, "invalid_refresh_token")
		if s.inst != nil {
			s.inst.Metrics().RecordAuthFailure(ctx, "invalid_refresh_token")
		}
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, ErrInvalidGrant("refresh token expired")
		}
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	if refresh.ClientID != client.ClientID {
		s.auditor.LogAuthFailure(refresh.UserID, req.ClientID, clientIP, "client_mismatch")
		return nil, ErrInvalidGrant("refresh token was issued to a different client")
	}

	resp, oauthErr := s.mintTokens(ctx, refresh.UserID, client.ClientID, refresh.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	s.auditor.LogTokenRefreshed(refresh.UserID, client.ClientID, clientIP, true)
	if s.inst != nil {
		s.inst.Metrics().RecordTokenRefresh(ctx, client.ClientID, true)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, refresh.UserID, refresh.Scope)

	return resp, nil
}

// authenticateClient resolves the client and, for confidential clients,
// verifies the client_secret_post credential.
func (s *Server) authenticateClient(ctx context.Context, req *TokenRequest, clientIP string) (*storage.Client, *OAuthError) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// Still burn a bcrypt comparison so unknown and known clients
			// take the same time.
			_ = s.clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret)
			return nil, ErrInvalidClient("unknown client")
		}
		s.logger.Error("Failed to load client", "client_id", req.ClientID, "error", err)
		return nil, ErrServerError("failed to load client")
	}

	if client.ClientType == ClientTypeConfidential {
		if req.ClientSecret == "" {
			return nil, ErrInvalidClient("client_secret is required")
		}
		if err := s.clients.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			s.auditor.LogAuthFailure("", req.ClientID, clientIP, "invalid_client_secret")
			return nil, ErrInvalidClient("client authentication failed")
		}
	} else if req.ClientSecret != "" {
		return nil, ErrInvalidClient("public clients must not send a client_secret")
	}

	return client, nil
}

// mintTokens issues a fresh access/refresh token pair.
func (s *Server) mintTokens(ctx context.Context, userID, clientID, scope string) (*TokenResponse, *OAuthError) {
	now := time.Now()

	access := &storage.AccessToken{
		Token:     oauth2.GenerateVerifier(),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.AccessTokenTTL),
	}
	if err := s.tokens.SaveAccessToken(ctx, access); err != nil {
		s.logger.Error("Failed to save access token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	refresh := &storage.RefreshToken{
		Token:     oauth2.GenerateVerifier(),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}
	if err := s.tokens.SaveRefreshToken(ctx, refresh); err != nil {
		s.logger.Error("Failed to save refresh token", "error", err)
		return nil, ErrServerError("failed to issue token")
	}

	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Token,
		Scope:        scope,
	}, nil
}

// ValidateToken resolves a bearer token to the identity it was issued for.
// Expired tokens are cleaned up by the store during the lookup.
func (s *Server) ValidateToken(ctx context.Context, token string) (*storage.AccessToken, *OAuthError) {
	if token == "" {
		return nil, ErrInvalidToken("missing token")
	}

	access, err := s.tokens.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, ErrInvalidToken("token expired")
		}
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidToken("invalid token")
		}
		s.logger.Error("Failed to load access token", "error", err)
		return nil, ErrServerError("failed to validate token")
	}

	return access, nil
}

// filterScopes parses a space-separated scope string and rejects scopes the
// server does not support.
func (s *Server) filterScopes(scope string) ([]string, error) {
	requested := splitScopes(scope)
	for _, sc := range requested {
		if !slices.Contains(s.config.SupportedScopes, sc) {
			return nil, fmt.Errorf("unsupported scope %q", sc)
		}
	}
	return requested, nil
}

// validateRedirectURI enforces basic shape requirements on a redirect URI.
// Custom schemes are allowed for native clients; fragments never are.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("not a valid URL")
	}
	if u.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if u.Fragment != "" {
		return fmt.Errorf("fragment is not allowed")
	}
	if u.Scheme == "http" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" && u.Hostname() != "::1" {
		return fmt.Errorf("http is only allowed for loopback addresses")
	}
	return nil
}

// buildRedirectURL appends query parameters to a redirect URI, preserving any
// parameters the client already put there.
func buildRedirectURL(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		// validated earlier; fall back to naive concatenation
		return redirectURI + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
