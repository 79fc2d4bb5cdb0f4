package gate

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/harborlab/mcp-gate/storage"
	"github.com/harborlab/mcp-gate/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	cfg := &Config{
		Issuer: "http://localhost:8080",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	srv, err := NewServer(cfg, store, store, store)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv, store
}

func registerTestClient(t *testing.T, srv *Server) *ClientRegistrationResponse {
	t.Helper()
	resp, oauthErr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost:9090/callback"},
		ClientName:   "Test Client",
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("RegisterClient() error = %v", oauthErr)
	}
	return resp
}

// runAuthorizationFlow walks consent approval and returns the issued code.
func runAuthorizationFlow(t *testing.T, srv *Server, clientID, challenge string) string {
	t.Helper()
	redirectURL, oauthErr := srv.FinishAuthorization(context.Background(), &AuthorizationDecision{
		AuthorizationRequest: AuthorizationRequest{
			ClientID:            clientID,
			RedirectURI:         "http://localhost:9090/callback",
			State:               "abc123",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		},
		Approved: true,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("FinishAuthorization() error = %v", oauthErr)
	}
	return queryParam(t, redirectURL, "code")
}

func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("invalid redirect URL %q: %v", rawURL, err)
	}
	return u.Query().Get(key)
}

func TestRegisterClient_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name    string
		req     ClientRegistrationRequest
		wantErr string
	}{
		{
			name:    "missing redirect URIs",
			req:     ClientRegistrationRequest{},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "non-loopback http redirect",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"http://evil.example.com/cb"},
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "redirect with fragment",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"https://app.example.com/cb#frag"},
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "unknown client type",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"http://localhost/cb"},
				ClientType:   "mystery",
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "public client with secret auth",
			req: ClientRegistrationRequest{
				RedirectURIs:            []string{"http://localhost/cb"},
				ClientType:              ClientTypePublic,
				TokenEndpointAuthMethod: AuthMethodClientSecretPost,
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "unsupported grant type",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"http://localhost/cb"},
				GrantTypes:   []string{"client_credentials"},
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
		{
			name: "unsupported scope",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"http://localhost/cb"},
				Scope:        "mcp admin",
			},
			wantErr: ErrorCodeInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oauthErr := srv.RegisterClient(context.Background(), &tt.req, "198.51.100.7")
			if oauthErr == nil {
				t.Fatal("RegisterClient() succeeded, want error")
			}
			if oauthErr.Code != tt.wantErr {
				t.Errorf("error code = %q, want %q", oauthErr.Code, tt.wantErr)
			}
		})
	}
}

func TestRegisterClient_Public(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := registerTestClient(t, srv)

	if resp.ClientID == "" {
		t.Error("client_id is empty")
	}
	if resp.ClientSecret != "" {
		t.Errorf("public client got a secret %q", resp.ClientSecret)
	}
	if resp.TokenEndpointAuthMethod != AuthMethodNone {
		t.Errorf("auth method = %q, want %q", resp.TokenEndpointAuthMethod, AuthMethodNone)
	}
	if resp.ClientType != ClientTypePublic {
		t.Errorf("client type = %q, want %q", resp.ClientType, ClientTypePublic)
	}
}

func TestRegisterClient_Confidential(t *testing.T) {
	srv, store := newTestServer(t)

	resp, oauthErr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
		ClientType:   ClientTypeConfidential,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("RegisterClient() error = %v", oauthErr)
	}

	if resp.ClientSecret == "" {
		t.Fatal("confidential client got no secret")
	}
	if resp.TokenEndpointAuthMethod != AuthMethodClientSecretPost {
		t.Errorf("auth method = %q, want %q", resp.TokenEndpointAuthMethod, AuthMethodClientSecretPost)
	}
	if err := store.ValidateClientSecret(context.Background(), resp.ClientID, resp.ClientSecret); err != nil {
		t.Errorf("issued secret does not validate: %v", err)
	}
	if err := store.ValidateClientSecret(context.Background(), resp.ClientID, "wrong"); err == nil {
		t.Error("wrong secret validated")
	}
}

func TestRegisterClient_IPLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config().Security.MaxClientsPerIP = 2

	for i := 0; i < 2; i++ {
		if _, oauthErr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
			RedirectURIs: []string{"http://localhost/cb"},
		}, "203.0.113.50"); oauthErr != nil {
			t.Fatalf("registration %d failed: %v", i, oauthErr)
		}
	}

	_, oauthErr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"http://localhost/cb"},
	}, "203.0.113.50")
	if oauthErr == nil {
		t.Fatal("third registration succeeded, want rate limit error")
	}
	if oauthErr.Status != 429 {
		t.Errorf("status = %d, want 429", oauthErr.Status)
	}
}

func TestBeginAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	t.Run("valid request", func(t *testing.T) {
		consent, oauthErr := srv.BeginAuthorization(context.Background(), &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         "http://localhost:9090/callback",
			State:               "abc123",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		})
		if oauthErr != nil {
			t.Fatalf("BeginAuthorization() error = %v", oauthErr)
		}
		if consent.State != "abc123" {
			t.Errorf("state = %q, want %q", consent.State, "abc123")
		}
		if consent.ClientName != "Test Client" {
			t.Errorf("client name = %q", consent.ClientName)
		}
	})

	t.Run("missing state gets placeholder", func(t *testing.T) {
		consent, oauthErr := srv.BeginAuthorization(context.Background(), &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         "http://localhost:9090/callback",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		})
		if oauthErr != nil {
			t.Fatalf("BeginAuthorization() error = %v", oauthErr)
		}
		if consent.State == "" {
			t.Error("missing state was not replaced by the placeholder")
		}
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name string
			req  AuthorizationRequest
			want string
		}{
			{
				name: "unknown client",
				req: AuthorizationRequest{
					ClientID:            "client-nope",
					RedirectURI:         "http://localhost:9090/callback",
					CodeChallenge:       challenge,
					CodeChallengeMethod: "S256",
				},
				want: ErrorCodeInvalidClient,
			},
			{
				name: "unregistered redirect",
				req: AuthorizationRequest{
					ClientID:            client.ClientID,
					RedirectURI:         "http://localhost:7070/other",
					CodeChallenge:       challenge,
					CodeChallengeMethod: "S256",
				},
				want: ErrorCodeInvalidRedirectURI,
			},
			{
				name: "missing code challenge",
				req: AuthorizationRequest{
					ClientID:            client.ClientID,
					RedirectURI:         "http://localhost:9090/callback",
					CodeChallengeMethod: "S256",
				},
				want: ErrorCodeInvalidRequest,
			},
			{
				name: "plain challenge method",
				req: AuthorizationRequest{
					ClientID:            client.ClientID,
					RedirectURI:         "http://localhost:9090/callback",
					CodeChallenge:       challenge,
					CodeChallengeMethod: "plain",
				},
				want: ErrorCodeInvalidRequest,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, oauthErr := srv.BeginAuthorization(context.Background(), &tt.req)
				if oauthErr == nil {
					t.Fatal("BeginAuthorization() succeeded, want error")
				}
				if oauthErr.Code != tt.want {
					t.Errorf("error code = %q, want %q", oauthErr.Code, tt.want)
				}
			})
		}
	})
}

func TestFinishAuthorization_Deny(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	redirectURL, oauthErr := srv.FinishAuthorization(context.Background(), &AuthorizationDecision{
		AuthorizationRequest: AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         "http://localhost:9090/callback",
			State:               "xyz",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		},
		Approved: false,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("FinishAuthorization() error = %v", oauthErr)
	}

	if got := queryParam(t, redirectURL, "error"); got != ErrorCodeAccessDenied {
		t.Errorf("error param = %q, want %q", got, ErrorCodeAccessDenied)
	}
	if got := queryParam(t, redirectURL, "state"); got != "xyz" {
		t.Errorf("state param = %q, want %q", got, "xyz")
	}
	if code := queryParam(t, redirectURL, "code"); code != "" {
		t.Errorf("deny redirect carries a code %q", code)
	}
}

func TestExchange_AuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	code := runAuthorizationFlow(t, srv, client.ClientID, challenge)

	resp, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "http://localhost:9090/callback",
		ClientID:     client.ClientID,
		CodeVerifier: verifier,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("Exchange() error = %v", oauthErr)
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Error("token response missing tokens")
	}

	access, vErr := srv.ValidateToken(context.Background(), resp.AccessToken)
	if vErr != nil {
		t.Fatalf("ValidateToken() error = %v", vErr)
	}
	if access.UserID != demoUserID {
		t.Errorf("user id = %q, want %q", access.UserID, demoUserID)
	}
	if access.ClientID != client.ClientID {
		t.Errorf("client id = %q, want %q", access.ClientID, client.ClientID)
	}

	// The code is single use
	_, oauthErr = srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "http://localhost:9090/callback",
		ClientID:     client.ClientID,
		CodeVerifier: verifier,
	}, "198.51.100.7")
	if oauthErr == nil {
		t.Fatal("second exchange of the same code succeeded")
	}
	if oauthErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error code = %q, want %q", oauthErr.Code, ErrorCodeInvalidGrant)
	}
}

func TestExchange_Failures(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	other := registerTestClient(t, srv)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name string
		req  func(code string) *TokenRequest
		want string
	}{
		{
			name: "wrong verifier",
			req: func(code string) *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         code,
					RedirectURI:  "http://localhost:9090/callback",
					ClientID:     client.ClientID,
					CodeVerifier: oauth2.GenerateVerifier(),
				}
			},
			want: ErrorCodeInvalidGrant,
		},
		{
			name: "redirect mismatch",
			req: func(code string) *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         code,
					RedirectURI:  "http://localhost:9090/elsewhere",
					ClientID:     client.ClientID,
					CodeVerifier: verifier,
				}
			},
			want: ErrorCodeInvalidGrant,
		},
		{
			name: "different client",
			req: func(code string) *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         code,
					RedirectURI:  "http://localhost:9090/callback",
					ClientID:     other.ClientID,
					CodeVerifier: verifier,
				}
			},
			want: ErrorCodeInvalidGrant,
		},
		{
			name: "bogus code",
			req: func(string) *TokenRequest {
				return &TokenRequest{
					GrantType:    GrantTypeAuthorizationCode,
					Code:         "not-a-code",
					RedirectURI:  "http://localhost:9090/callback",
					ClientID:     client.ClientID,
					CodeVerifier: verifier,
				}
			},
			want: ErrorCodeInvalidGrant,
		},
		{
			name: "unsupported grant type",
			req: func(string) *TokenRequest {
				return &TokenRequest{GrantType: "password", ClientID: client.ClientID}
			},
			want: ErrorCodeUnsupportedGrantType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := runAuthorizationFlow(t, srv, client.ClientID, challenge)
			_, oauthErr := srv.Exchange(context.Background(), tt.req(code), "198.51.100.7")
			if oauthErr == nil {
				t.Fatal("Exchange() succeeded, want error")
			}
			if oauthErr.Code != tt.want {
				t.Errorf("error code = %q, want %q", oauthErr.Code, tt.want)
			}
		})
	}
}

// A failed PKCE check still consumes the code: retrying with the right
// verifier must not succeed.
func TestExchange_FailureConsumesCode(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	code := runAuthorizationFlow(t, srv, client.ClientID, challenge)

	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "http://localhost:9090/callback",
		ClientID:     client.ClientID,
		CodeVerifier: oauth2.GenerateVerifier(),
	}, "198.51.100.7"); oauthErr == nil {
		t.Fatal("exchange with wrong verifier succeeded")
	}

	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "http://localhost:9090/callback",
		ClientID:     client.ClientID,
		CodeVerifier: verifier,
	}, "198.51.100.7"); oauthErr == nil {
		t.Fatal("retry after failed PKCE succeeded, code was not consumed")
	}
}

func TestExchange_RefreshRotation(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	code := runAuthorizationFlow(t, srv, client.ClientID, challenge)

	first, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "http://localhost:9090/callback",
		ClientID:     client.ClientID,
		CodeVerifier: verifier,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("Exchange() error = %v", oauthErr)
	}

	second, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     client.ClientID,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("refresh Exchange() error = %v", oauthErr)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh token was not rotated")
	}
	if second.AccessToken == first.AccessToken {
		t.Error("access token was not rotated")
	}

	// The old refresh token is consumed
	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		ClientID:     client.ClientID,
	}, "198.51.100.7"); oauthErr == nil {
		t.Fatal("reused refresh token succeeded")
	}

	// The rotated one works
	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: second.RefreshToken,
		ClientID:     client.ClientID,
	}, "198.51.100.7"); oauthErr != nil {
		t.Fatalf("rotated refresh token failed: %v", oauthErr)
	}
}

func TestExchange_ConfidentialClientAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	reg, oauthErr := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/cb"},
		ClientType:   ClientTypeConfidential,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("RegisterClient() error = %v", oauthErr)
	}

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	redirectURL, oauthErr := srv.FinishAuthorization(context.Background(), &AuthorizationDecision{
		AuthorizationRequest: AuthorizationRequest{
			ClientID:            reg.ClientID,
			RedirectURI:         "https://app.example.com/cb",
			State:               "s",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		},
		Approved: true,
	}, "198.51.100.7")
	if oauthErr != nil {
		t.Fatalf("FinishAuthorization() error = %v", oauthErr)
	}
	code := queryParam(t, redirectURL, "code")

	// Missing secret is rejected before the code is consumed
	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
		ClientID:     reg.ClientID,
		CodeVerifier: verifier,
	}, "198.51.100.7"); oauthErr == nil || oauthErr.Code != ErrorCodeInvalidClient {
		t.Fatalf("exchange without secret = %v, want invalid_client", oauthErr)
	}

	if _, oauthErr := srv.Exchange(context.Background(), &TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		CodeVerifier: verifier,
	}, "198.51.100.7"); oauthErr != nil {
		t.Fatalf("exchange with secret failed: %v", oauthErr)
	}
}

func TestValidateToken(t *testing.T) {
	srv, store := newTestServer(t)

	now := time.Now()
	if err := store.SaveAccessToken(context.Background(), &storage.AccessToken{
		Token:     "tok-live",
		UserID:    "u1",
		ClientID:  "c1",
		Scope:     "mcp",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	if err := store.SaveAccessToken(context.Background(), &storage.AccessToken{
		Token:     "tok-stale",
		UserID:    "u1",
		ClientID:  "c1",
		Scope:     "mcp",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	if _, oauthErr := srv.ValidateToken(context.Background(), "tok-live"); oauthErr != nil {
		t.Errorf("live token rejected: %v", oauthErr)
	}
	if _, oauthErr := srv.ValidateToken(context.Background(), "tok-stale"); oauthErr == nil {
		t.Error("expired token accepted")
	}
	if _, oauthErr := srv.ValidateToken(context.Background(), "tok-unknown"); oauthErr == nil {
		t.Error("unknown token accepted")
	}
	if _, oauthErr := srv.ValidateToken(context.Background(), ""); oauthErr == nil {
		t.Error("empty token accepted")
	}
}

func TestBuildRedirectURL(t *testing.T) {
	got := buildRedirectURL("http://localhost/cb?keep=1", url.Values{"code": {"abc"}, "state": {"s"}})
	if !strings.Contains(got, "keep=1") {
		t.Errorf("existing query dropped: %s", got)
	}
	if !strings.Contains(got, "code=abc") || !strings.Contains(got, "state=s") {
		t.Errorf("params missing: %s", got)
	}
}
