package gate

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the authorization server and gateway configuration
type Config struct {
	// Issuer is the externally visible base URL of this server. It is used
	// as the metadata issuer and to derive endpoint URLs.
	Issuer string `env:"GATE_ISSUER,default=http://localhost:8080"`

	// Resource is the protected resource identifier advertised in RFC 9728
	// metadata. Defaults to Issuer + SessionPath.
	Resource string `env:"GATE_RESOURCE"`

	// ServiceName is used as the Bearer challenge realm and the
	// instrumentation service name.
	ServiceName string `env:"GATE_SERVICE_NAME,default=mcp-gate"`

	// SessionPath is the path of the session-bound RPC endpoint.
	SessionPath string `env:"GATE_SESSION_PATH,default=/mcp"`

	// SupportedScopes lists the OAuth scopes this server accepts
	SupportedScopes []string `env:"GATE_SCOPES,default=mcp"`

	// AccessTokenTTL is the lifetime of issued access tokens
	AccessTokenTTL time.Duration `env:"GATE_ACCESS_TOKEN_TTL,default=1h"`

	// RefreshTokenTTL is the lifetime of issued refresh tokens
	RefreshTokenTTL time.Duration `env:"GATE_REFRESH_TOKEN_TTL,default=720h"`

	// AuthorizationCodeTTL is the lifetime of issued authorization codes
	AuthorizationCodeTTL time.Duration `env:"GATE_AUTH_CODE_TTL,default=5m"`

	// SessionIdleTimeout is how long an RPC session may go without traffic
	// before it is evicted. Zero means the registry default.
	SessionIdleTimeout time.Duration `env:"GATE_SESSION_IDLE_TIMEOUT,default=30m"`

	// RateLimit configures rate limiting
	RateLimit RateLimitConfig

	// Security configures security hardening options
	Security SecurityConfig

	// CleanupInterval for expired tokens and codes in storage (default: 1 minute)
	CleanupInterval time.Duration `env:"GATE_CLEANUP_INTERVAL,default=1m"`

	// Logger is the structured logger to use (default: slog.Default())
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second per IP for the OAuth endpoints (default: 10)
	Rate int `env:"GATE_RATE_LIMIT,default=10"`

	// Burst is the burst size per IP (default: 20)
	Burst int `env:"GATE_RATE_BURST,default=20"`

	// RegistrationRate is requests per second per IP for dynamic client
	// registration, which mints state and deserves a tighter budget
	RegistrationRate int `env:"GATE_REGISTRATION_RATE_LIMIT,default=2"`

	// RegistrationBurst is the registration burst size per IP (default: 5)
	RegistrationBurst int `env:"GATE_REGISTRATION_RATE_BURST,default=5"`

	// TrustProxy enables X-Forwarded-For/X-Real-IP parsing.
	// Only enable when behind a trusted reverse proxy.
	TrustProxy bool `env:"GATE_TRUST_PROXY,default=false"`

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For (default: 1)
	TrustedProxyCount int `env:"GATE_TRUSTED_PROXY_COUNT,default=1"`
}

// SecurityConfig holds security hardening configuration.
// The zero value is not safe; call applyDefaults or use ConfigFromEnv.
type SecurityConfig struct {
	// AllowUnregisteredRedirectURIs skips exact redirect URI matching at the
	// authorization endpoint. Never enable outside local development.
	AllowUnregisteredRedirectURIs bool `env:"GATE_ALLOW_UNREGISTERED_REDIRECT_URIS,default=false"`

	// EnableAuditLogging emits structured security audit events with
	// hashed user identifiers (default: true)
	EnableAuditLogging bool `env:"GATE_ENABLE_AUDIT_LOGGING,default=true"`

	// MaxClientsPerIP caps dynamic registrations per client IP (default: 50)
	MaxClientsPerIP int `env:"GATE_MAX_CLIENTS_PER_IP,default=50"`
}

// applyDefaults fills in zero values with safe defaults
func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "http://localhost:8080"
	}
	if c.ServiceName == "" {
		c.ServiceName = "mcp-gate"
	}
	if c.SessionPath == "" {
		c.SessionPath = "/mcp"
	}
	if c.Resource == "" {
		c.Resource = c.Issuer + c.SessionPath
	}
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"mcp"}
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.RegistrationRate <= 0 {
		c.RateLimit.RegistrationRate = 2
	}
	if c.RateLimit.RegistrationBurst <= 0 {
		c.RateLimit.RegistrationBurst = 5
	}
	if c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.Security.MaxClientsPerIP <= 0 {
		c.Security.MaxClientsPerIP = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate checks the configuration for obvious misconfigurations
func (c *Config) validate() error {
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("issuer must not carry a query or fragment, got %q", c.Issuer)
	}
	if c.SessionPath == "" || c.SessionPath[0] != '/' {
		return fmt.Errorf("session path must start with /, got %q", c.SessionPath)
	}
	return nil
}

// ConfigFromEnv builds a Config from GATE_* environment variables,
// falling back to the documented defaults.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
