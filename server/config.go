package server

import (
	"log/slog"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// ChallengeTTL is how long generated PKCE challenges are valid
	ChallengeTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// TokenEncryptionKey is the 32-byte AES-256 key sealing access token
	// payloads. REQUIRED: New refuses to construct a server without it
	// rather than fabricate a throwaway key.
	TokenEncryptionKey []byte

	// SupportedScopes lists the scopes that are allowed server-wide.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// AuditEnabled turns on security audit logging
	AuditEnabled bool
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.ChallengeTTL == 0 {
		config.ChallengeTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}

	if len(config.SupportedScopes) == 0 {
		logger.Warn("No supported scopes configured, all scopes will be allowed")
	}

	return config
}
