package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/brightsales/oauth/storage"
)

// testStore connects to a local Valkey instance. Tests are skipped when no
// server is reachable. Each test gets its own key prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("oauthtest:%s:", t.Name()),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(store.Close)
	return store
}

func TestClientRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("topsecret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	client := &storage.Client{
		ClientID:         "backend",
		Name:             "Backend",
		RedirectURIs:     []string{"https://app.example.com/cb"},
		Scopes:           []string{"read"},
		Confidential:     true,
		ClientSecretHash: string(hash),
		CreatedAt:        time.Now(),
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "backend")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != client.ClientID || !got.Confidential {
		t.Errorf("GetClient() = %+v", got)
	}

	if err := s.ValidateClientSecret(ctx, "backend", "topsecret"); err != nil {
		t.Errorf("ValidateClientSecret() with correct secret: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "backend", "wrong"); err == nil {
		t.Error("ValidateClientSecret() accepted a wrong secret")
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}
}

func TestChallengeTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch := &storage.Challenge{
		ID:        "ch-1",
		Verifier:  oauth2.GenerateVerifier(),
		Challenge: "challenge-value",
		Method:    "S256",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	if err := s.SaveChallenge(ctx, ch); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}

	got, err := s.GetChallenge(ctx, "ch-1")
	if err != nil {
		t.Fatalf("GetChallenge() error = %v", err)
	}
	if got.Verifier != ch.Verifier {
		t.Error("verifier does not round-trip")
	}

	if err := s.DeleteChallenge(ctx, "ch-1"); err != nil {
		t.Fatalf("DeleteChallenge() error = %v", err)
	}
	if _, err := s.GetChallenge(ctx, "ch-1"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("GetChallenge after delete error = %v, want ErrChallengeNotFound", err)
	}
}

func newTestCode(code string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "web-app",
		UserID:              "user-1",
		Scope:               "read",
		RedirectURI:         "https://app.example.com/cb",
		CodeChallenge:       "challenge-value",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

func TestAtomicExchangeAuthorizationCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	noVerify := func(*storage.AuthorizationCode) error { return nil }

	t.Run("success then reuse", func(t *testing.T) {
		if err := s.SaveAuthorizationCode(ctx, newTestCode("code-1")); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}

		claimed, err := s.AtomicExchangeAuthorizationCode(ctx, "code-1", "web-app", noVerify)
		if err != nil {
			t.Fatalf("AtomicExchangeAuthorizationCode() error = %v", err)
		}
		if !claimed.Used || claimed.UserID != "user-1" {
			t.Errorf("claimed = %+v", claimed)
		}

		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-1", "web-app", noVerify); !errors.Is(err, storage.ErrCodeUsed) {
			t.Errorf("reuse error = %v, want ErrCodeUsed", err)
		}
	})

	t.Run("client mismatch does not burn the code", func(t *testing.T) {
		if err := s.SaveAuthorizationCode(ctx, newTestCode("code-2")); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}

		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-2", "other", noVerify); !errors.Is(err, storage.ErrCodeClientMismatch) {
			t.Fatalf("error = %v, want ErrCodeClientMismatch", err)
		}
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-2", "web-app", noVerify); err != nil {
			t.Errorf("exchange after mismatch error = %v", err)
		}
	})

	t.Run("failed verify does not burn the code", func(t *testing.T) {
		if err := s.SaveAuthorizationCode(ctx, newTestCode("code-3")); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}

		verifyErr := errors.New("verifier mismatch")
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-3", "web-app", func(*storage.AuthorizationCode) error {
			return verifyErr
		}); !errors.Is(err, verifyErr) {
			t.Fatalf("error = %v, want verify error", err)
		}
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-3", "web-app", noVerify); err != nil {
			t.Errorf("exchange after failed verify error = %v", err)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "nope", "web-app", noVerify); !errors.Is(err, storage.ErrCodeNotFound) {
			t.Errorf("error = %v, want ErrCodeNotFound", err)
		}
	})

	t.Run("concurrent exchange has one winner", func(t *testing.T) {
		if err := s.SaveAuthorizationCode(ctx, newTestCode("code-race")); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}

		const attempts = 10
		var wg sync.WaitGroup
		results := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = s.AtomicExchangeAuthorizationCode(ctx, "code-race", "web-app", noVerify)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else if !errors.Is(err, storage.ErrCodeUsed) {
				t.Errorf("loser error = %v, want ErrCodeUsed", err)
			}
		}
		if winners != 1 {
			t.Errorf("winners = %d, want exactly 1", winners)
		}
	})
}

func saveTokenPair(t *testing.T, s *Store, refresh, access string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     access,
		JTI:       "jti-" + access,
		ClientID:  "web-app",
		UserID:    "user-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	if err := s.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:       refresh,
		AccessToken: access,
		ClientID:    "web-app",
		UserID:      "user-1",
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
}

func TestAtomicClaimRefreshToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	t.Run("claim revokes pair and blocks replay", func(t *testing.T) {
		saveTokenPair(t, s, "rt-1", "at-1")

		claimed, err := s.AtomicClaimRefreshToken(ctx, "rt-1", "web-app")
		if err != nil {
			t.Fatalf("AtomicClaimRefreshToken() error = %v", err)
		}
		if !claimed.Revoked || claimed.AccessToken != "at-1" {
			t.Errorf("claimed = %+v", claimed)
		}

		at, err := s.GetAccessToken(ctx, "at-1")
		if err != nil {
			t.Fatalf("GetAccessToken() error = %v", err)
		}
		if !at.Revoked {
			t.Error("paired access token not revoked by claim")
		}

		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-1", "web-app"); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
			t.Errorf("replay error = %v, want ErrRefreshTokenRevoked", err)
		}
	})

	t.Run("client mismatch leaves token live", func(t *testing.T) {
		saveTokenPair(t, s, "rt-2", "at-2")

		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-2", "other"); !errors.Is(err, storage.ErrRefreshTokenClientMismatch) {
			t.Fatalf("error = %v, want ErrRefreshTokenClientMismatch", err)
		}
		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-2", "web-app"); err != nil {
			t.Errorf("claim after mismatch error = %v", err)
		}
	})

	t.Run("concurrent claim has one winner", func(t *testing.T) {
		saveTokenPair(t, s, "rt-race", "at-race")

		const attempts = 10
		var wg sync.WaitGroup
		results := make([]error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = s.AtomicClaimRefreshToken(ctx, "rt-race", "web-app")
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else if !errors.Is(err, storage.ErrRefreshTokenRevoked) {
				t.Errorf("loser error = %v, want ErrRefreshTokenRevoked", err)
			}
		}
		if winners != 1 {
			t.Errorf("winners = %d, want exactly 1", winners)
		}
	})
}

func TestRevocationIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	saveTokenPair(t, s, "rt-revoke", "at-revoke")

	for i := 0; i < 2; i++ {
		if err := s.RevokeRefreshToken(ctx, "rt-revoke"); err != nil {
			t.Fatalf("RevokeRefreshToken() attempt %d error = %v", i+1, err)
		}
	}

	at, err := s.GetAccessToken(ctx, "at-revoke")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !at.Revoked {
		t.Error("cascade did not revoke the access token")
	}

	// Unknown tokens revoke successfully
	if err := s.RevokeAccessToken(ctx, "never-issued"); err != nil {
		t.Errorf("RevokeAccessToken(unknown) error = %v", err)
	}
}
