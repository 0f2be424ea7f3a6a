package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/brightsales/oauth/internal/util"
	"github.com/brightsales/oauth/storage"
)

// ClientRegistration describes a client to register.
type ClientRegistration struct {
	ClientID     string
	Name         string
	RedirectURIs []string
	Scopes       []string
	Confidential bool
	ClientSecret string // plaintext, hashed before storage; ignored for public clients
}

// RegisterClient registers an OAuth client. Confidential clients must supply a
// secret, which is bcrypt-hashed before it touches storage.
func (s *Server) RegisterClient(ctx context.Context, reg *ClientRegistration) (*storage.Client, error) {
	if reg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("at least one redirect_uri is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURI(uri, []string{uri}); err != nil {
			return nil, fmt.Errorf("redirect_uri %q: %w", uri, err)
		}
	}

	client := &storage.Client{
		ClientID:     reg.ClientID,
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       reg.Scopes,
		Confidential: reg.Confidential,
		CreatedAt:    time.Now(),
	}

	if reg.Confidential {
		if reg.ClientSecret == "" {
			return nil, fmt.Errorf("confidential clients require a client_secret")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(reg.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	clientType := "public"
	if client.Confidential {
		clientType = "confidential"
	}
	s.Auditor.LogClientRegistered(client.ClientID, clientType)
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.Logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"type", clientType,
		"redirect_uris", len(client.RedirectURIs))

	return client, nil
}

// ValidateClientRequest checks the authorization-request triple: the client
// exists, the redirect URI is registered for it, and the requested scope is
// allowed both server-wide and for the client. The returned client is safe to
// use for code issuance.
func (s *Server) ValidateClientRequest(ctx context.Context, clientID, redirectURI, scope string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	if err := validateRedirectURI(redirectURI, client.RedirectURIs); err != nil {
		return nil, err
	}

	if err := validateScope(scope, s.Config.SupportedScopes); err != nil {
		return nil, err
	}
	if err := validateScope(scope, client.Scopes); err != nil {
		return nil, err
	}

	return client, nil
}

// IssueAuthorizationCode mints a single-use authorization code bound to a
// validated client, the resolved user, and a PKCE challenge. The challenge is
// deleted once bound: each challenge backs at most one code.
func (s *Server) IssueAuthorizationCode(ctx context.Context, clientID, userID, scope, redirectURI, challengeID string) (string, error) {
	if _, err := s.ValidateClientRequest(ctx, clientID, redirectURI, scope); err != nil {
		return "", err
	}

	challenge, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return "", fmt.Errorf("unknown or expired challenge: %w", err)
	}
	if challenge.Method != PKCEMethodS256 {
		return "", fmt.Errorf("unsupported challenge method %q", challenge.Method)
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            clientID,
		UserID:              userID,
		Scope:               scope,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge.Challenge,
		CodeChallengeMethod: challenge.Method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}
	if err := s.store.DeleteChallenge(ctx, challengeID); err != nil {
		s.Logger.Warn("Failed to delete bound challenge", "error", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, clientID)
	}
	s.Logger.Debug("Issued authorization code",
		"client_id", clientID,
		"code", util.SafeTruncate(code.Code, 8))

	return code.Code, nil
}

// ExchangeAuthorizationCode runs the code-for-token exchange. The lookup,
// single-use check, expiry check, client match, redirect URI match, and PKCE
// verification all happen inside the store's atomic exchange; only a fully
// verified exchange consumes the code, and two concurrent exchanges of the
// same code can never both succeed.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, codeVerifier, redirectURI string) (*TokenPair, error) {
	claimed, err := s.store.AtomicExchangeAuthorizationCode(ctx, code, clientID, func(ac *storage.AuthorizationCode) error {
		if ac.RedirectURI != redirectURI {
			return ErrInvalidRedirectURI
		}
		return verifyChallenge(ac.CodeChallenge, codeVerifier)
	})
	if err != nil {
		return nil, s.exchangeFailure(ctx, clientID, code, err)
	}

	pair, err := s.issueTokenPair(ctx, claimed.ClientID, claimed.UserID, claimed.Scope)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID, claimed.CodeChallengeMethod)
	}
	s.Auditor.LogTokenIssued(claimed.UserID, clientID, claimed.Scope)

	return pair, nil
}

// exchangeFailure maps storage sentinels from the atomic exchange onto
// protocol errors and records the security signals. The granular error is for
// the caller's logs; the HTTP edge collapses it.
func (s *Server) exchangeFailure(ctx context.Context, clientID, code string, err error) error {
	m := s.metrics()

	var mapped error
	var reason string
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		mapped, reason = ErrUnknownCode, "unknown_code"
	case errors.Is(err, storage.ErrCodeUsed):
		mapped, reason = ErrCodeAlreadyUsed, "code_reuse"
		if m != nil {
			m.RecordCodeReuseDetected(ctx)
		}
	case errors.Is(err, storage.ErrCodeExpired):
		mapped, reason = ErrCodeExpired, "code_expired"
	case errors.Is(err, storage.ErrCodeClientMismatch):
		mapped, reason = ErrClientMismatch, "client_mismatch"
	case errors.Is(err, ErrInvalidCodeVerifier):
		mapped, reason = err, "pkce_failed"
		s.Auditor.LogPKCEFailure(clientID)
		if m != nil {
			m.RecordPKCEValidationFailed(ctx, PKCEMethodS256)
		}
	case errors.Is(err, ErrInvalidRedirectURI):
		mapped, reason = err, "redirect_uri_mismatch"
	default:
		return fmt.Errorf("code exchange failed: %w", err)
	}

	s.Auditor.LogGrantFailure(clientID, "authorization_code", reason)
	s.Logger.Warn("Authorization code exchange rejected",
		"client_id", clientID,
		"code", util.SafeTruncate(code, 8),
		"reason", reason)

	return mapped
}

// RefreshAccessToken rotates a refresh token: the presented token is consumed
// and its paired access token revoked atomically, then a fresh pair is issued
// carrying the original grant's user and scope. Scope never widens on refresh.
// All rejections collapse to ErrInvalidRefreshToken.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, scope string) (*TokenPair, error) {
	claimed, err := s.store.AtomicClaimRefreshToken(ctx, refreshToken, clientID)
	if err != nil {
		return nil, s.refreshFailure(ctx, clientID, err)
	}

	grantScope := claimed.Scope
	if scope != "" {
		if !scopeSubset(scope, claimed.Scope) {
			s.Auditor.LogGrantFailure(clientID, "refresh_token", "scope_widening")
			return nil, fmt.Errorf("%w: requested scope exceeds grant", ErrInvalidScope)
		}
		grantScope = scope
	}

	pair, err := s.issueTokenPair(ctx, claimed.ClientID, claimed.UserID, grantScope)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID)
	}
	s.Auditor.LogTokenRefreshed(claimed.UserID, clientID)

	return pair, nil
}

// refreshFailure collapses every refresh rejection into ErrInvalidRefreshToken
// while keeping the granular reason in logs and metrics. A revoked token
// presented again is a replay signal worth surfacing to operators.
func (s *Server) refreshFailure(ctx context.Context, clientID string, err error) error {
	var reason string
	switch {
	case errors.Is(err, storage.ErrRefreshTokenNotFound):
		reason = "unknown_token"
	case errors.Is(err, storage.ErrRefreshTokenRevoked):
		reason = "replay"
		if m := s.metrics(); m != nil {
			m.RecordRefreshReuseDetected(ctx)
		}
	case errors.Is(err, storage.ErrRefreshTokenExpired):
		reason = "expired"
	case errors.Is(err, storage.ErrRefreshTokenClientMismatch):
		reason = "client_mismatch"
	default:
		return fmt.Errorf("refresh failed: %w", err)
	}

	s.Auditor.LogGrantFailure(clientID, "refresh_token", reason)
	s.Logger.Warn("Refresh token rejected", "client_id", clientID, "reason", reason)

	return ErrInvalidRefreshToken
}

// RevokeToken revokes a token per RFC 7009: the call always succeeds, even
// for unknown tokens, so revocation cannot be used to probe token existence.
// The hint routes the lookup; when it misses, the other token type is tried.
// Revoking a refresh token cascades to its paired access token.
func (s *Server) RevokeToken(ctx context.Context, token, tokenTypeHint, clientID string) error {
	if token == "" {
		return nil
	}

	revoke := func(tokenType string) (bool, error) {
		switch tokenType {
		case "refresh_token":
			if _, err := s.store.GetRefreshToken(ctx, token); err != nil {
				return false, nil
			}
			return true, s.store.RevokeRefreshToken(ctx, token)
		default:
			if _, err := s.store.GetAccessToken(ctx, token); err != nil {
				return false, nil
			}
			return true, s.store.RevokeAccessToken(ctx, token)
		}
	}

	order := []string{"access_token", "refresh_token"}
	if tokenTypeHint == "refresh_token" {
		order = []string{"refresh_token", "access_token"}
	}

	for _, tokenType := range order {
		found, err := revoke(tokenType)
		if err != nil {
			return fmt.Errorf("failed to revoke %s: %w", tokenType, err)
		}
		if found {
			s.Auditor.LogTokenRevoked("", clientID, tokenType)
			if m := s.metrics(); m != nil {
				m.RecordTokenRevocation(ctx, clientID, tokenType)
			}
			s.Logger.Info("Token revoked",
				"token_type", tokenType,
				"token", util.SafeTruncate(token, 8))
			return nil
		}
	}

	// RFC 7009 section 2.2: unknown tokens still get a success response
	s.Logger.Debug("Revocation requested for unknown token",
		"token", util.SafeTruncate(token, 8))
	return nil
}
