package storage

import (
	"context"
	"time"
)

// Client represents a registered OAuth client. Clients are created at
// bootstrap and are immutable during normal operation.
type Client struct {
	ClientID         string
	Name             string
	RedirectURIs     []string
	Scopes           []string
	Confidential     bool
	ClientSecretHash string // bcrypt hash, empty for public clients
	CreatedAt        time.Time
}

// Challenge is a server-generated PKCE verifier/challenge pair, held until an
// authorization code is issued against it and swept after expiry.
type Challenge struct {
	ID        string
	Verifier  string
	Challenge string // base64url(SHA-256(Verifier)), unpadded
	Method    string // "S256"
	State     string // CSRF token returned alongside the challenge
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use code bound to a PKCE challenge.
// Used is the only field that may change after creation, and only from
// false to true.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	Scope               string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken is the metadata record mirroring a sealed access token payload.
// Revoked is the only field that may change after creation.
type AccessToken struct {
	Token     string
	JTI       string
	ClientID  string
	UserID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RefreshToken pairs with exactly one access token. It is consumed (revoked)
// on rotation, and revoking it always cascades to the paired access token.
type RefreshToken struct {
	Token       string
	AccessToken string // paired access token value
	ClientID    string
	UserID      string
	Scope       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a confidential client's secret.
	// Public clients always pass.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// ChallengeStore holds transient PKCE challenges keyed by challenge ID.
type ChallengeStore interface {
	// SaveChallenge stores a challenge under its ID
	SaveChallenge(ctx context.Context, challenge *Challenge) error

	// GetChallenge retrieves a challenge by ID. Expired challenges are
	// reported as ErrChallengeNotFound.
	GetChallenge(ctx context.Context, id string) (*Challenge, error)

	// DeleteChallenge removes a challenge. Deleting an unknown ID is a no-op.
	DeleteChallenge(ctx context.Context, id string) error
}

// FlowStore tracks issued authorization codes.
type FlowStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without modifying
	// it. For code exchange use AtomicExchangeAuthorizationCode instead.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicExchangeAuthorizationCode executes the exchange state machine for
	// one code as a single atomic unit: lookup, used check, expiry check,
	// client match, then the verify callback (PKCE verifier comparison), and
	// only when every step passes marks the code used.
	//
	// SECURITY: This operation MUST be atomic per code. Two concurrent callers
	// presenting the same code can never both succeed; the loser observes
	// ErrCodeUsed. A failed verify does not mark the code used.
	//
	// Errors: ErrCodeNotFound, ErrCodeUsed, ErrCodeExpired,
	// ErrCodeClientMismatch, or the error returned by verify.
	AtomicExchangeAuthorizationCode(ctx context.Context, code, clientID string, verify func(*AuthorizationCode) error) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists access-token metadata and refresh tokens.
type TokenStore interface {
	// SaveAccessToken saves an access token metadata record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the metadata record even when revoked or
	// expired; callers decide how those states surface.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Revoking an unknown or
	// already-revoked token is a no-op success (RFC 7009 semantics).
	RevokeAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken saves a refresh token record
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token record
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// AtomicClaimRefreshToken validates and consumes a refresh token in one
	// critical section. The token must exist, be unrevoked, unexpired, and
	// belong to clientID. On success both the refresh token and its paired
	// access token are marked revoked before the record is returned, so a
	// concurrent duplicate claim always fails.
	//
	// SECURITY: This operation MUST be atomic to prevent two rotations from
	// ever both succeeding from the same refresh token.
	//
	// Errors: ErrRefreshTokenNotFound, ErrRefreshTokenRevoked,
	// ErrRefreshTokenExpired, ErrRefreshTokenClientMismatch.
	AtomicClaimRefreshToken(ctx context.Context, token, clientID string) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token revoked and cascades the
	// revocation to its paired access token. Idempotent.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Sweeper removes expired records to bound memory. Implementations typically
// also run this periodically in the background.
type Sweeper interface {
	// Cleanup deletes entries whose expiry has passed across all stores and
	// reports how many were removed. Running it twice in a row removes
	// nothing the second time unless something newly expired.
	Cleanup(ctx context.Context) (int, error)
}
