package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/brightsales/oauth/storage"
)

// PKCE constants (RFC 7636). Only S256 is supported; the plain method is
// deprecated and never accepted.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// ChallengeResult is the outcome of GenerateChallenge. The verifier is
// returned to the requesting client alongside the challenge; the server keeps
// its own copy until code issuance binds the challenge to a grant.
type ChallengeResult struct {
	ChallengeID   string
	CodeVerifier  string
	CodeChallenge string
	Method        string
	State         string
	ExpiresAt     time.Time
}

// GenerateChallenge produces a PKCE verifier/challenge pair plus a CSRF state
// token and stores the challenge under a random ID for the configured TTL.
// No client or scope binding happens here; that occurs at code issuance.
func (s *Server) GenerateChallenge(ctx context.Context) (*ChallengeResult, error) {
	verifier := generateRandomToken()
	challenge := computeS256Challenge(verifier)

	now := time.Now()
	record := &storage.Challenge{
		ID:        generateRandomToken(),
		Verifier:  verifier,
		Challenge: challenge,
		Method:    PKCEMethodS256,
		State:     generateRandomToken(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.ChallengeTTL) * time.Second),
	}

	if err := s.store.SaveChallenge(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save challenge: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordChallengeGenerated(ctx, "")
	}

	return &ChallengeResult{
		ChallengeID:   record.ID,
		CodeVerifier:  verifier,
		CodeChallenge: challenge,
		Method:        record.Method,
		State:         record.State,
		ExpiresAt:     record.ExpiresAt,
	}, nil
}

// ChallengeByID retrieves a live challenge for code issuance.
func (s *Server) ChallengeByID(ctx context.Context, id string) (*storage.Challenge, error) {
	return s.store.GetChallenge(ctx, id)
}

// computeS256Challenge derives the PKCE challenge from a verifier:
// base64url(SHA-256(verifier)), unpadded.
func computeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// validateVerifierFormat checks a code_verifier against RFC 7636: 43-128
// characters from [A-Za-z0-9-._~]. Rejecting malformed verifiers up front
// keeps injection and control bytes out of the hash comparison.
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters", MaxCodeVerifierLength)
	}

	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	return nil
}

// verifyChallenge recomputes the S256 challenge for the presented verifier
// and compares it to the stored challenge in constant time. Any failure is
// ErrInvalidCodeVerifier; the caller never learns which check tripped.
func verifyChallenge(storedChallenge, verifier string) error {
	if storedChallenge == "" || verifier == "" {
		return ErrInvalidCodeVerifier
	}
	if err := validateVerifierFormat(verifier); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCodeVerifier, err)
	}

	computed := computeS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		return ErrInvalidCodeVerifier
	}

	return nil
}
