package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/brightsales/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenLogLength is the number of characters to include when logging token values
	tokenLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength caps token strings to prevent DoS via oversized keys
	MaxTokenLength = 4096
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// Record expiry is delegated to Valkey TTLs; the security-critical
// check-then-mutate sequences run as Lua scripts so they stay atomic
// across replicas of the server process.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.ChallengeStore = (*Store)(nil)
	_ storage.FlowStore      = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.Sweeper        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Cleanup satisfies the sweeper interface. Every record is written with a
// TTL, so Valkey expires entries server-side and there is nothing to sweep.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// challengeKey returns the key for a PKCE challenge: {prefix}challenge:{id}
func (s *Store) challengeKey(id string) string {
	return fmt.Sprintf("%schallenge:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// accessTokenKey returns the key for an access token: {prefix}token:{token}
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, token)
}

// refreshTokenKey returns the key for a refresh token: {prefix}refresh:{token}
func (s *Store) refreshTokenKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	Name             string   `json:"name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	Scopes           []string `json:"scopes,omitempty"`
	Confidential     bool     `json:"confidential"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		Name:             client.Name,
		RedirectURIs:     client.RedirectURIs,
		Scopes:           client.Scopes,
		Confidential:     client.Confidential,
		ClientSecretHash: client.ClientSecretHash,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		Name:             j.Name,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		Confidential:     j.Confidential,
		ClientSecretHash: j.ClientSecretHash,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// challengeJSON is the JSON representation of a PKCE challenge
type challengeJSON struct {
	ID        string `json:"id"`
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
	State     string `json:"state,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toChallengeJSON(c *storage.Challenge) *challengeJSON {
	return &challengeJSON{
		ID:        c.ID,
		Verifier:  c.Verifier,
		Challenge: c.Challenge,
		Method:    c.Method,
		State:     c.State,
		CreatedAt: c.CreatedAt.Unix(),
		ExpiresAt: c.ExpiresAt.Unix(),
	}
}

func fromChallengeJSON(j *challengeJSON) *storage.Challenge {
	if j == nil {
		return nil
	}
	return &storage.Challenge{
		ID:        j.ID,
		Verifier:  j.Verifier,
		Challenge: j.Challenge,
		Method:    j.Method,
		State:     j.State,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	Scope               string `json:"scope,omitempty"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		UserID:              code.UserID,
		Scope:               code.Scope,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		Scope:               j.Scope,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// accessTokenJSON is the JSON representation of access token metadata
type accessTokenJSON struct {
	Token     string `json:"token"`
	JTI       string `json:"jti"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope,omitempty"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		Token:     t.Token,
		JTI:       t.JTI,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		CreatedAt: t.CreatedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	if j == nil {
		return nil
	}
	return &storage.AccessToken{
		Token:     j.Token,
		JTI:       j.JTI,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

// refreshTokenJSON is the JSON representation of a refresh token record
type refreshTokenJSON struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Scope       string `json:"scope,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Revoked     bool   `json:"revoked"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:       t.Token,
		AccessToken: t.AccessToken,
		ClientID:    t.ClientID,
		UserID:      t.UserID,
		Scope:       t.Scope,
		CreatedAt:   t.CreatedAt.Unix(),
		ExpiresAt:   t.ExpiresAt.Unix(),
		Revoked:     t.Revoked,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		Token:       j.Token,
		AccessToken: j.AccessToken,
		ClientID:    j.ClientID,
		UserID:      j.UserID,
		Scope:       j.Scope,
		CreatedAt:   time.Unix(j.CreatedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		Revoked:     j.Revoked,
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON data, and converts it
// to the target record type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// setJSONWithTTL marshals a record and stores it with an expiry. Records
// whose expiry already passed are not written.
func (s *Store) setJSONWithTTL(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	cmd := s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// validateTokenLength caps token-sized inputs to prevent oversized keys
func validateTokenLength(value, fieldName string) error {
	if len(value) > MaxTokenLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, MaxTokenLength)
	}
	return nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
