package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers check them with
// errors.Is; implementations may wrap them with additional context.
var (
	// ErrTokenNotFound indicates the access or refresh token does not exist
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token or flow artifact has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrClientNotFound indicates no client is registered under the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound indicates the code does not exist or was
	// already consumed. Single-use codes make these two cases
	// indistinguishable by design.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
)

// TokenStore persists opaque access and refresh tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken stores an issued access token record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record by its opaque value.
	// An expired token is deleted during the lookup and reported as
	// ErrTokenExpired, so expired entries never outlive their first
	// post-expiry use.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken stores an issued refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// TakeRefreshToken atomically retrieves and deletes a refresh token.
	// Only one concurrent caller can succeed; the rest observe
	// ErrTokenNotFound. Rotation depends on this being atomic.
	TakeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// ClientStore manages dynamic client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit checks if an IP has reached the client registration limit
	CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error

	// TrackClientIP records a successful registration against an IP
	TrackClientIP(ctx context.Context, ip string)
}

// FlowStore manages pending authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// TakeAuthorizationCode atomically retrieves and deletes an authorization
	// code, making every code single-use by construction. Concurrent
	// exchanges of the same code race for the single delete; the losers
	// observe ErrAuthorizationCodeNotFound. Expired codes are deleted during
	// the lookup and reported as ErrTokenExpired.
	TakeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	ClientName              string
	Scopes                  []string
	CreatedAt               time.Time
}

// AuthorizationCode represents an issued, not-yet-exchanged authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AccessToken represents an issued opaque access token
type AccessToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken represents an issued opaque refresh token
type RefreshToken struct {
	Token     string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}
