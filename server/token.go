package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brightsales/oauth/internal/util"
	"github.com/brightsales/oauth/security"
	"github.com/brightsales/oauth/storage"
)

// Claims is the payload sealed inside an access token.
type Claims struct {
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	JTI       string `json:"jti"`
}

// TokenPair is the result of a successful code exchange or refresh.
type TokenPair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// issueTokenPair mints a sealed access token plus an opaque refresh token for
// a grant and persists both records. The access token string IS the encrypted
// claims payload; the metadata record mirrors it for revocation and expiry
// lookups.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope string) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)

	claims := Claims{
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		ExpiresAt: accessExpiry.Unix(),
		JTI:       uuid.NewString(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}

	accessToken, err := s.encryptor.Encrypt(string(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}

	if err := s.store.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     accessToken,
		JTI:       claims.JTI,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: accessExpiry,
	}); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	refreshToken := generateRandomToken()
	if err := s.store.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:       refreshToken,
		AccessToken: accessToken,
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	s.Logger.Debug("Issued token pair",
		"jti", claims.JTI,
		"client_id", clientID,
		"scope", scope)

	return &TokenPair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// ValidateAccessToken authenticates a presented bearer token and returns its
// claims. Every failure mode (unknown token, revoked, expired, undecryptable
// or tampered payload, claims that disagree with the metadata record) yields
// the same ErrInvalidOrExpiredToken.
//
// SECURITY: Collapsing the failure modes is deliberate. A forged or corrupted
// token must be indistinguishable from a merely expired one so the validator
// cannot be used as an oracle.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*Claims, error) {
	invalid := func(reason string) (*Claims, error) {
		s.Logger.Debug("Access token validation failed",
			"reason", reason,
			"token", util.SafeTruncate(token, 8))
		if m := s.metrics(); m != nil {
			m.RecordTokenValidationFailed(ctx, reason)
		}
		return nil, ErrInvalidOrExpiredToken
	}

	if token == "" {
		return invalid("empty")
	}

	record, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		return invalid("not_found")
	}
	if record.Revoked {
		return invalid("revoked")
	}
	if security.IsExpired(record.ExpiresAt) {
		return invalid("expired")
	}

	payload, err := s.encryptor.Decrypt(token)
	if err != nil {
		return invalid("decrypt_failed")
	}

	var claims Claims
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return invalid("malformed_claims")
	}

	// Claims must reproduce the issuance record exactly
	if claims.ClientID != record.ClientID || claims.UserID != record.UserID || claims.JTI != record.JTI {
		return invalid("claims_mismatch")
	}
	if security.IsExpired(time.Unix(claims.ExpiresAt, 0)) {
		return invalid("expired")
	}

	return &claims, nil
}
