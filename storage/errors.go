package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is; implementations may wrap them with additional context.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrChallengeNotFound = errors.New("pkce challenge not found")

	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrCodeUsed           = errors.New("authorization code already used")
	ErrCodeExpired        = errors.New("authorization code expired")
	ErrCodeClientMismatch = errors.New("authorization code issued to another client")

	ErrTokenNotFound = errors.New("access token not found")

	ErrRefreshTokenNotFound       = errors.New("refresh token not found")
	ErrRefreshTokenRevoked        = errors.New("refresh token revoked")
	ErrRefreshTokenExpired        = errors.New("refresh token expired")
	ErrRefreshTokenClientMismatch = errors.New("refresh token issued to another client")
)
