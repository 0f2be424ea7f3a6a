package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightsales/oauth/storage"
)

// luaClaimRefreshToken atomically consumes a refresh token. It validates the
// token under the single-threaded script execution, marks it revoked, and
// cascades the revocation to the paired access token, so a replay of the same
// token always observes the revoked state.
//
// KEYS[1] = refresh token key
// KEYS[2] = paired access token key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = requesting client ID
//
// Returns:
//   - original JSON data if the token was successfully claimed
//   - "NOT_FOUND" if the key doesn't exist
//   - "REVOKED" if the token was already consumed or revoked
//   - "EXPIRED" if the token has expired
//   - "CLIENT_MISMATCH" if the token belongs to a different client
const luaClaimRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rt = cjson.decode(data)

if rt.revoked then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
local expiresAt = tonumber(rt.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if rt.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH'
end

rt.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')

local atData = redis.call('GET', KEYS[2])
if atData then
    local at = cjson.decode(atData)
    at.revoked = true
    redis.call('SET', KEYS[2], cjson.encode(at), 'KEEPTTL')
end

return data
`

// luaRevokeRefreshToken marks a refresh token revoked and cascades to its
// paired access token. Idempotent: missing or already-revoked tokens return
// success.
//
// KEYS[1] = refresh token key
// ARGV[1] = access token key prefix (the paired key is derived from the record)
const luaRevokeRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'OK'
end

local rt = cjson.decode(data)
rt.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')

local atKey = ARGV[1] .. rt.access_token
local atData = redis.call('GET', atKey)
if atData then
    local at = cjson.decode(atData)
    at.revoked = true
    redis.call('SET', atKey, cjson.encode(at), 'KEEPTTL')
end

return 'OK'
`

// luaRevokeAccessToken marks an access token revoked in place, preserving
// its TTL. Idempotent.
//
// KEYS[1] = access token key
const luaRevokeAccessToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'OK'
end

local at = cjson.decode(data)
at.revoked = true
redis.call('SET', KEYS[1], cjson.encode(at), 'KEEPTTL')

return 'OK'
`

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an access token metadata record with a TTL matching
// its expiry
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token")
	}
	if err := validateTokenLength(token.Token, "access token"); err != nil {
		return err
	}

	if err := s.setJSONWithTTL(ctx, s.accessTokenKey(token.Token), toAccessTokenJSON(token), token.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved access token",
		"jti", token.JTI,
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken returns the metadata record even when revoked
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	return getAndUnmarshal(ctx, s, s.accessTokenKey(token),
		fmt.Errorf("%w: %s", storage.ErrTokenNotFound, safeTruncate(token, tokenLogLength)),
		fromAccessTokenJSON)
}

// RevokeAccessToken marks an access token revoked. Unknown or already-revoked
// tokens are a no-op success.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeAccessToken).
			Numkeys(1).
			Key(s.accessTokenKey(token)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// SaveRefreshToken saves a refresh token record with a TTL matching its expiry
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateTokenLength(token.Token, "refresh token"); err != nil {
		return err
	}

	if err := s.setJSONWithTTL(ctx, s.refreshTokenKey(token.Token), toRefreshTokenJSON(token), token.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved refresh token",
		"token", safeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	return getAndUnmarshal(ctx, s, s.refreshTokenKey(token),
		fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, safeTruncate(token, tokenLogLength)),
		fromRefreshTokenJSON)
}

// AtomicClaimRefreshToken validates and consumes a refresh token in one
// atomic script, revoking both the refresh token and its paired access token
// before returning the record.
func (s *Store) AtomicClaimRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	// The paired access token key is derived client-side from a snapshot read
	// so the script can cascade without a second round trip.
	snapshot, err := s.GetRefreshToken(ctx, token)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaClaimRefreshToken).
			Numkeys(2).
			Key(s.refreshTokenKey(token), s.accessTokenKey(snapshot.AccessToken)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token claim: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, safeTruncate(token, tokenLogLength))
	case "REVOKED":
		s.logger.Warn("Refresh token replay detected",
			"token", safeTruncate(token, tokenLogLength),
			"client_id", clientID)
		return nil, storage.ErrRefreshTokenRevoked
	case "EXPIRED":
		return nil, storage.ErrRefreshTokenExpired
	case "CLIENT_MISMATCH":
		return nil, storage.ErrRefreshTokenClientMismatch
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claimed refresh token: %w", err)
	}

	claimed := fromRefreshTokenJSON(&j)
	claimed.Revoked = true
	return claimed, nil
}

// RevokeRefreshToken marks a refresh token revoked and cascades to its paired
// access token. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeRefreshToken).
			Numkeys(1).
			Key(s.refreshTokenKey(token)).
			Arg(s.prefix+"token:").
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	s.logger.Debug("Revoked refresh token",
		"token", safeTruncate(token, tokenLogLength))
	return nil
}
