package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/brightsales/oauth/server"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2).
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response.
type OAuthError struct {
	Code        string // RFC 6749 error code
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// mapGrantError converts a protocol error from the token endpoint into its
// wire representation.
//
// SECURITY: Every grant-state failure (unknown code, reused code, expired
// code, client mismatch, bad verifier, bad redirect binding, bad refresh
// token) maps to the same invalid_grant response. The granular protocol
// errors exist for server-side logs only; collapsing them here denies callers
// an oracle for probing code and token state.
func mapGrantError(err error) *OAuthError {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		return NewOAuthError(ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
	case errors.Is(err, server.ErrInvalidScope):
		return NewOAuthError(ErrorCodeInvalidScope, "Requested scope is not allowed", http.StatusBadRequest)
	case errors.Is(err, server.ErrUnknownCode),
		errors.Is(err, server.ErrCodeAlreadyUsed),
		errors.Is(err, server.ErrCodeExpired),
		errors.Is(err, server.ErrClientMismatch),
		errors.Is(err, server.ErrInvalidCodeVerifier),
		errors.Is(err, server.ErrInvalidRedirectURI),
		errors.Is(err, server.ErrInvalidRefreshToken):
		return NewOAuthError(ErrorCodeInvalidGrant, "Grant is invalid or expired", http.StatusBadRequest)
	default:
		return NewOAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
}

// mapAuthorizationError converts a protocol error from the authorization
// endpoint, where client and redirect problems happen before any grant exists
// and may be reported precisely.
func mapAuthorizationError(err error) *OAuthError {
	switch {
	case errors.Is(err, server.ErrUnknownClient):
		return NewOAuthError(ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return NewOAuthError(ErrorCodeInvalidRequest, "redirect_uri is not registered for this client", http.StatusBadRequest)
	case errors.Is(err, server.ErrInvalidScope):
		return NewOAuthError(ErrorCodeInvalidScope, "Requested scope is not allowed", http.StatusBadRequest)
	default:
		return NewOAuthError(ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	}
}
