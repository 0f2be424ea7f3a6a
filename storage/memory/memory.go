// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/brightsales/oauth/instrumentation"
	"github.com/brightsales/oauth/internal/util"
	"github.com/brightsales/oauth/security"
	"github.com/brightsales/oauth/storage"
)

// tokenLogLength is the number of characters to include when logging token
// values. Enough uniqueness for debugging without making logs a credential
// store.
const tokenLogLength = 8

// Store is an in-memory implementation of all storage interfaces. A single
// mutex guards every map so the atomic claim operations see one consistent
// view across codes and tokens.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	challenges    map[string]*storage.Challenge
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	challengesCountAtomic    atomic.Int64
	codesCountAtomic         atomic.Int64
	tokensCountAtomic        atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.ChallengeStore = (*Store)(nil)
	_ storage.FlowStore      = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.Sweeper        = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		challenges:      make(map[string]*storage.Challenge),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.challengesCountAtomic.Store(int64(len(s.challenges)))
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.tokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.challengesCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a confidential client's secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// SECURITY: Always perform the same operations to prevent timing attacks
	// that could reveal whether a client exists or not.

	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test")
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if !client.Confidential {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform the bcrypt comparison, even for unknown or public clients
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}

	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// ChallengeStore Implementation
// ============================================================

// SaveChallenge stores a PKCE challenge under its ID
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.Challenge) error {
	ctx, span := s.startStorageSpan(ctx, "save_challenge")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_challenge", err, startTime)
	}()

	if challenge == nil || challenge.ID == "" {
		err = fmt.Errorf("invalid challenge")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.challenges[challenge.ID]
	s.challenges[challenge.ID] = challenge
	if !existed {
		s.challengesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved challenge", "challenge_id", util.SafeTruncate(challenge.ID, tokenLogLength))
	return nil
}

// GetChallenge retrieves a challenge by ID. Expired challenges are reported
// as not found.
func (s *Store) GetChallenge(ctx context.Context, id string) (*storage.Challenge, error) {
	ctx, span := s.startStorageSpan(ctx, "get_challenge")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_challenge", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	challenge, ok := s.challenges[id]
	if !ok || security.IsExpired(challenge.ExpiresAt) {
		err = fmt.Errorf("%w: %s", storage.ErrChallengeNotFound, util.SafeTruncate(id, tokenLogLength))
		return nil, err
	}

	return challenge, nil
}

// DeleteChallenge removes a challenge. Deleting an unknown ID is a no-op.
func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_challenge")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_challenge", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.challenges[id]; existed {
		delete(s.challenges, id)
		s.challengesCountAtomic.Add(-1)
	}

	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code", util.SafeTruncate(code.Code, tokenLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves an authorization code without modifying it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ac, ok := s.authCodes[code]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrCodeNotFound, util.SafeTruncate(code, tokenLogLength))
		return nil, err
	}

	cp := *ac
	return &cp, nil
}

// AtomicExchangeAuthorizationCode runs the full exchange state machine for a
// code under the store lock: lookup, used check, expiry check, client match,
// verify callback, then mark used. Exactly one of any set of concurrent
// callers can succeed; a failed verify leaves the code unused.
func (s *Store) AtomicExchangeAuthorizationCode(ctx context.Context, code, clientID string, verify func(*storage.AuthorizationCode) error) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_exchange_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_exchange_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.authCodes[code]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrCodeNotFound, util.SafeTruncate(code, tokenLogLength))
		return nil, err
	}

	if ac.Used {
		s.logger.Warn("Authorization code replay detected",
			"code", util.SafeTruncate(code, tokenLogLength),
			"client_id", ac.ClientID)
		err = storage.ErrCodeUsed
		return nil, err
	}

	if security.IsExpired(ac.ExpiresAt) {
		err = storage.ErrCodeExpired
		return nil, err
	}

	if ac.ClientID != clientID {
		err = storage.ErrCodeClientMismatch
		return nil, err
	}

	if verify != nil {
		if err = verify(ac); err != nil {
			return nil, err
		}
	}

	ac.Used = true

	cp := *ac
	return &cp, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_code")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_code", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}

	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken saves an access token metadata record
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("invalid access token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.accessTokens[token.Token]
	s.accessTokens[token.Token] = token
	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token",
		"jti", token.JTI,
		"client_id", token.ClientID)
	return nil
}

// GetAccessToken returns the metadata record even when revoked or expired
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.accessTokens[token]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, util.SafeTruncate(token, tokenLogLength))
		return nil, err
	}

	cp := *at
	return &cp, nil
}

// RevokeAccessToken marks an access token revoked. Unknown or already-revoked
// tokens are a no-op success.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_access_token", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.accessTokens[token]; ok {
		at.Revoked = true
		s.logger.Debug("Revoked access token", "jti", at.JTI)
	}

	return nil
}

// SaveRefreshToken saves a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("invalid refresh token")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.refreshTokens[token.Token]
	s.refreshTokens[token.Token] = token
	if !existed {
		s.refreshTokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved refresh token",
		"token", util.SafeTruncate(token.Token, tokenLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken retrieves a refresh token record
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(token, tokenLogLength))
		return nil, err
	}

	cp := *rt
	return &cp, nil
}

// AtomicClaimRefreshToken validates and consumes a refresh token in one
// critical section. On success the refresh token and its paired access token
// are revoked before returning, so a replay of the same token always fails.
func (s *Store) AtomicClaimRefreshToken(ctx context.Context, token, clientID string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_claim_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_claim_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrRefreshTokenNotFound, util.SafeTruncate(token, tokenLogLength))
		return nil, err
	}

	if rt.Revoked {
		s.logger.Warn("Refresh token replay detected",
			"token", util.SafeTruncate(token, tokenLogLength),
			"client_id", rt.ClientID)
		err = storage.ErrRefreshTokenRevoked
		return nil, err
	}

	if security.IsExpired(rt.ExpiresAt) {
		err = storage.ErrRefreshTokenExpired
		return nil, err
	}

	if rt.ClientID != clientID {
		err = storage.ErrRefreshTokenClientMismatch
		return nil, err
	}

	// Consume: revoke the refresh token and cascade to its access token
	rt.Revoked = true
	if at, ok := s.accessTokens[rt.AccessToken]; ok {
		at.Revoked = true
	}

	cp := *rt
	return &cp, nil
}

// RevokeRefreshToken marks a refresh token revoked and cascades to its paired
// access token. Idempotent.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil
	}

	rt.Revoked = true
	if at, ok := s.accessTokens[rt.AccessToken]; ok {
		at.Revoked = true
	}

	s.logger.Debug("Revoked refresh token",
		"token", util.SafeTruncate(token, tokenLogLength),
		"client_id", rt.ClientID)
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if _, err := s.Cleanup(context.Background()); err != nil {
				s.logger.Warn("Cleanup failed", "error", err)
			}
		}
	}
}

// Cleanup removes expired challenges, authorization codes, and tokens, and
// reports how many records were deleted. Revoked tokens are kept until their
// expiry so revocation state stays observable for the token's lifetime.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "cleanup")
	defer span.End()

	startTime := time.Now()

	defer func() {
		s.recordStorageOperation(ctx, span, "cleanup", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for id, challenge := range s.challenges {
		if security.IsExpired(challenge.ExpiresAt) {
			delete(s.challenges, id)
			s.challengesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for code, ac := range s.authCodes {
		if security.IsExpired(ac.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, at := range s.accessTokens {
		if security.IsExpired(at.ExpiresAt) {
			delete(s.accessTokens, token)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for token, rt := range s.refreshTokens {
		if security.IsExpired(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordSwept(ctx, cleaned)
		}
	}

	return cleaned, nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a trace span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
