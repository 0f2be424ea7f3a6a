// Package server implements the OAuth 2.0 authorization-code-with-PKCE
// protocol core: client validation, challenge generation, code issuance and
// exchange, token sealing and validation, refresh rotation, and revocation.
// It depends only on the storage interfaces, so the same logic runs against
// the in-memory store or the Valkey adapter.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/brightsales/oauth/instrumentation"
	"github.com/brightsales/oauth/security"
	"github.com/brightsales/oauth/storage"
)

// Storage is the composite store the server operates on.
type Storage interface {
	storage.ClientStore
	storage.ChallengeStore
	storage.FlowStore
	storage.TokenStore
}

// Server implements the OAuth protocol logic.
type Server struct {
	store     Storage
	encryptor *security.Encryptor

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
}

// New creates a new OAuth server. The configured token encryption key is
// mandatory: a missing or wrong-length key is a construction error, never a
// silently generated fallback.
func New(store Storage, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	enc, err := security.NewEncryptor(config.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token encryption key: %w", err)
	}

	srv := &Server{
		store:     store,
		encryptor: enc,
		Auditor:   security.NewAuditor(logger, config.AuditEnabled),
		Logger:    logger,
		Config:    config,
	}

	return srv, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and,
// when the store supports it, the storage layer.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.store.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// metrics returns the metrics holder, or nil when instrumentation is unset.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// GetClient looks up a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return client, nil
}

// ValidateClientCredentials authenticates a confidential client's secret.
// Public clients always pass.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.store.ValidateClientSecret(ctx, clientID, clientSecret)
}

// Cleanup triggers an expiry sweep when the store supports it. The memory
// store also runs this on its own timer; the explicit call exists for tests
// and operational tooling.
func (s *Server) Cleanup(ctx context.Context) (int, error) {
	sweeper, ok := s.store.(storage.Sweeper)
	if !ok {
		return 0, nil
	}
	return sweeper.Cleanup(ctx)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// unpadded base64 string carrying 256 bits of entropy.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
