package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightsales/oauth/storage"
)

// luaMarkCodeUsed atomically claims an authorization code. It re-checks every
// exchange precondition under the single-threaded script execution and marks
// the code used only when all of them hold, so exactly one concurrent caller
// can win the claim.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = requesting client ID
//
// Returns:
//   - original JSON data if the code was successfully claimed
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if the code has expired
//   - "ALREADY_USED" if another caller claimed it first
//   - "CLIENT_MISMATCH" if the code belongs to a different client
const luaMarkCodeUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

if code.used then
    return 'ALREADY_USED'
end

if code.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH'
end

code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// SaveAuthorizationCode saves an issued authorization code with a TTL
// matching its expiry
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateTokenLength(code.Code, "authorization code"); err != nil {
		return err
	}

	if err := s.setJSONWithTTL(ctx, s.codeKey(code.Code), toAuthorizationCodeJSON(code), code.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved authorization code",
		"code", safeTruncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAndUnmarshal(ctx, s, s.codeKey(code),
		fmt.Errorf("%w: %s", storage.ErrCodeNotFound, safeTruncate(code, tokenLogLength)),
		fromAuthorizationCodeJSON)
}

// AtomicExchangeAuthorizationCode executes the exchange state machine for one
// code. The verify callback runs client-side on a snapshot of the record; the
// claim itself is a Lua script that re-validates every precondition and marks
// the code used in one atomic step, so a concurrent duplicate exchange loses
// with ErrCodeUsed and a failed verify never burns the code.
func (s *Store) AtomicExchangeAuthorizationCode(ctx context.Context, code, clientID string, verify func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	ac, err := s.GetAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if ac.Used {
		return nil, storage.ErrCodeUsed
	}
	if ac.ClientID != clientID {
		return nil, storage.ErrCodeClientMismatch
	}

	// Verify before claiming: a bad verifier must leave the code intact.
	// The code's contents are immutable, so the verify outcome cannot change
	// between this check and the claim below.
	if verify != nil {
		if err := verify(ac); err != nil {
			return nil, err
		}
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkCodeUsed).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code exchange: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: %s", storage.ErrCodeNotFound, safeTruncate(code, tokenLogLength))
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	case "ALREADY_USED":
		s.logger.Warn("Authorization code replay detected",
			"code", safeTruncate(code, tokenLogLength),
			"client_id", clientID)
		return nil, storage.ErrCodeUsed
	case "CLIENT_MISMATCH":
		return nil, storage.ErrCodeClientMismatch
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claimed code: %w", err)
	}

	claimed := fromAuthorizationCodeJSON(&j)
	claimed.Used = true
	return claimed, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}
