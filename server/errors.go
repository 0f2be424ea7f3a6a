package server

import "errors"

// Protocol errors. These are the server's own result taxonomy, independent of
// any HTTP status mapping; the transport layer decides how each surfaces.
//
// SECURITY: The granular grant errors (unknown code, already used, expired,
// client mismatch, bad verifier, bad refresh token) exist for logging and
// auditing only. The HTTP edge collapses all of them into a single
// invalid_grant response so callers get no oracle for probing code and token
// state.
var (
	ErrUnknownClient      = errors.New("unknown client")
	ErrInvalidRedirectURI = errors.New("redirect uri not registered for client")
	ErrInvalidScope       = errors.New("requested scope not allowed")

	ErrUnknownCode         = errors.New("unknown authorization code")
	ErrCodeAlreadyUsed     = errors.New("authorization code already used")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrClientMismatch      = errors.New("authorization code issued to another client")
	ErrInvalidCodeVerifier = errors.New("code verifier does not match code challenge")

	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrRevokedToken          = errors.New("token revoked")
	ErrInvalidRefreshToken   = errors.New("invalid refresh token")
)
