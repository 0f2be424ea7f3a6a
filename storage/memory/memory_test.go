package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/brightsales/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour)
	t.Cleanup(s.Stop)
	return s
}

func TestClientLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "client-1",
		Name:         "Test Client",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "write"},
		CreatedAt:    time.Now(),
	}

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.Name != "Test Client" {
		t.Errorf("GetClient().Name = %q, want %q", got.Name, "Test Client")
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("ListClients() returned %d clients, want 1", len(clients))
	}

	if err := s.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) should fail")
	}
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	confidential := &storage.Client{
		ClientID:         "conf-client",
		Confidential:     true,
		ClientSecretHash: string(hash),
	}
	public := &storage.Client{
		ClientID: "pub-client",
	}
	if err := s.SaveClient(ctx, confidential); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveClient(ctx, public); err != nil {
		t.Fatal(err)
	}

	if err := s.ValidateClientSecret(ctx, "conf-client", "s3cret"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "conf-client", "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := s.ValidateClientSecret(ctx, "pub-client", ""); err != nil {
		t.Errorf("public client rejected: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "unknown", "anything"); err == nil {
		t.Error("unknown client accepted")
	}
}

func TestChallengeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	challenge := &storage.Challenge{
		ID:        "chal-1",
		Verifier:  "verifier-value",
		Challenge: "challenge-value",
		Method:    "S256",
		State:     "state-1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := s.SaveChallenge(ctx, challenge); err != nil {
		t.Fatalf("SaveChallenge() error = %v", err)
	}

	got, err := s.GetChallenge(ctx, "chal-1")
	if err != nil {
		t.Fatalf("GetChallenge() error = %v", err)
	}
	if got.Verifier != "verifier-value" {
		t.Errorf("GetChallenge().Verifier = %q", got.Verifier)
	}

	if _, err := s.GetChallenge(ctx, "missing"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("GetChallenge(missing) error = %v, want ErrChallengeNotFound", err)
	}

	// Expired challenges read as not found
	expired := &storage.Challenge{
		ID:        "chal-old",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := s.SaveChallenge(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetChallenge(ctx, "chal-old"); !errors.Is(err, storage.ErrChallengeNotFound) {
		t.Errorf("expired challenge error = %v, want ErrChallengeNotFound", err)
	}

	if err := s.DeleteChallenge(ctx, "chal-1"); err != nil {
		t.Fatalf("DeleteChallenge() error = %v", err)
	}
	if _, err := s.GetChallenge(ctx, "chal-1"); err == nil {
		t.Error("challenge still readable after delete")
	}
	if err := s.DeleteChallenge(ctx, "chal-1"); err != nil {
		t.Errorf("repeated DeleteChallenge() error = %v", err)
	}
}

func newAuthCode(code, clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              "user-1",
		Scope:               "read",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

func TestAtomicExchangeAuthorizationCode(t *testing.T) {
	ctx := context.Background()

	t.Run("success marks used", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.SaveAuthorizationCode(ctx, newAuthCode("code-1", "client-1")); err != nil {
			t.Fatal(err)
		}

		got, err := s.AtomicExchangeAuthorizationCode(ctx, "code-1", "client-1", nil)
		if err != nil {
			t.Fatalf("AtomicExchangeAuthorizationCode() error = %v", err)
		}
		if !got.Used {
			t.Error("returned code not marked used")
		}

		// Second exchange is a replay
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-1", "client-1", nil); !errors.Is(err, storage.ErrCodeUsed) {
			t.Errorf("replay error = %v, want ErrCodeUsed", err)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "missing", "client-1", nil); !errors.Is(err, storage.ErrCodeNotFound) {
			t.Errorf("error = %v, want ErrCodeNotFound", err)
		}
	})

	t.Run("expired code", func(t *testing.T) {
		s := newTestStore(t)
		ac := newAuthCode("code-exp", "client-1")
		ac.ExpiresAt = time.Now().Add(-time.Minute)
		if err := s.SaveAuthorizationCode(ctx, ac); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-exp", "client-1", nil); !errors.Is(err, storage.ErrCodeExpired) {
			t.Errorf("error = %v, want ErrCodeExpired", err)
		}
	})

	t.Run("client mismatch", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.SaveAuthorizationCode(ctx, newAuthCode("code-2", "client-1")); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-2", "client-2", nil); !errors.Is(err, storage.ErrCodeClientMismatch) {
			t.Errorf("error = %v, want ErrCodeClientMismatch", err)
		}
		// A mismatch must not burn the code for the legitimate client
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-2", "client-1", nil); err != nil {
			t.Errorf("legitimate exchange after mismatch failed: %v", err)
		}
	})

	t.Run("failed verify leaves code unused", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.SaveAuthorizationCode(ctx, newAuthCode("code-3", "client-1")); err != nil {
			t.Fatal(err)
		}

		verifyErr := errors.New("pkce verification failed")
		if _, err := s.AtomicExchangeAuthorizationCode(ctx, "code-3", "client-1", func(*storage.AuthorizationCode) error {
			return verifyErr
		}); !errors.Is(err, verifyErr) {
			t.Errorf("error = %v, want verify error", err)
		}

		got, err := s.GetAuthorizationCode(ctx, "code-3")
		if err != nil {
			t.Fatal(err)
		}
		if got.Used {
			t.Error("failed verify marked the code used")
		}
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		s := newTestStore(t)
		if err := s.SaveAuthorizationCode(ctx, newAuthCode("code-race", "client-1")); err != nil {
			t.Fatal(err)
		}

		const attempts = 20
		var wg sync.WaitGroup
		results := make(chan error, attempts)

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AtomicExchangeAuthorizationCode(ctx, "code-race", "client-1", nil)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		winners := 0
		for err := range results {
			if err == nil {
				winners++
			} else if !errors.Is(err, storage.ErrCodeUsed) {
				t.Errorf("unexpected error = %v", err)
			}
		}
		if winners != 1 {
			t.Errorf("concurrent exchange winners = %d, want 1", winners)
		}
	})
}

func newTokenPair(access, refresh, clientID string) (*storage.AccessToken, *storage.RefreshToken) {
	now := time.Now()
	at := &storage.AccessToken{
		Token:     access,
		JTI:       "jti-" + access,
		ClientID:  clientID,
		UserID:    "user-1",
		Scope:     "read",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	rt := &storage.RefreshToken{
		Token:       refresh,
		AccessToken: access,
		ClientID:    clientID,
		UserID:      "user-1",
		Scope:       "read",
		CreatedAt:   now,
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
	}
	return at, rt
}

func saveTokenPair(t *testing.T, s *Store, access, refresh, clientID string) {
	t.Helper()
	ctx := context.Background()
	at, rt := newTokenPair(access, refresh, clientID)
	if err := s.SaveAccessToken(ctx, at); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatal(err)
	}
}

func TestAtomicClaimRefreshToken(t *testing.T) {
	ctx := context.Background()

	t.Run("success revokes pair", func(t *testing.T) {
		s := newTestStore(t)
		saveTokenPair(t, s, "at-1", "rt-1", "client-1")

		claimed, err := s.AtomicClaimRefreshToken(ctx, "rt-1", "client-1")
		if err != nil {
			t.Fatalf("AtomicClaimRefreshToken() error = %v", err)
		}
		if claimed.UserID != "user-1" || claimed.Scope != "read" {
			t.Errorf("claimed record = %+v", claimed)
		}

		// Replay of the consumed token fails
		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-1", "client-1"); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
			t.Errorf("replay error = %v, want ErrRefreshTokenRevoked", err)
		}

		// Paired access token is revoked by the cascade
		at, err := s.GetAccessToken(ctx, "at-1")
		if err != nil {
			t.Fatal(err)
		}
		if !at.Revoked {
			t.Error("paired access token not revoked")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.AtomicClaimRefreshToken(ctx, "missing", "client-1"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			t.Errorf("error = %v, want ErrRefreshTokenNotFound", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		s := newTestStore(t)
		_, rt := newTokenPair("at-exp", "rt-exp", "client-1")
		rt.ExpiresAt = time.Now().Add(-time.Minute)
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-exp", "client-1"); !errors.Is(err, storage.ErrRefreshTokenExpired) {
			t.Errorf("error = %v, want ErrRefreshTokenExpired", err)
		}
	})

	t.Run("client mismatch", func(t *testing.T) {
		s := newTestStore(t)
		saveTokenPair(t, s, "at-2", "rt-2", "client-1")
		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-2", "client-2"); !errors.Is(err, storage.ErrRefreshTokenClientMismatch) {
			t.Errorf("error = %v, want ErrRefreshTokenClientMismatch", err)
		}
		// Mismatch must not consume the token
		if _, err := s.AtomicClaimRefreshToken(ctx, "rt-2", "client-1"); err != nil {
			t.Errorf("legitimate claim after mismatch failed: %v", err)
		}
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		s := newTestStore(t)
		saveTokenPair(t, s, "at-race", "rt-race", "client-1")

		const attempts = 20
		var wg sync.WaitGroup
		results := make(chan error, attempts)

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AtomicClaimRefreshToken(ctx, "rt-race", "client-1")
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		winners := 0
		for err := range results {
			if err == nil {
				winners++
			} else if !errors.Is(err, storage.ErrRefreshTokenRevoked) {
				t.Errorf("unexpected error = %v", err)
			}
		}
		if winners != 1 {
			t.Errorf("concurrent claim winners = %d, want 1", winners)
		}
	})
}

func TestRevokeRefreshTokenCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTokenPair(t, s, "at-rev", "rt-rev", "client-1")

	if err := s.RevokeRefreshToken(ctx, "rt-rev"); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}

	rt, err := s.GetRefreshToken(ctx, "rt-rev")
	if err != nil {
		t.Fatal(err)
	}
	if !rt.Revoked {
		t.Error("refresh token not revoked")
	}

	at, err := s.GetAccessToken(ctx, "at-rev")
	if err != nil {
		t.Fatal(err)
	}
	if !at.Revoked {
		t.Error("cascade did not revoke the access token")
	}

	// Idempotent, including for unknown tokens
	if err := s.RevokeRefreshToken(ctx, "rt-rev"); err != nil {
		t.Errorf("repeated RevokeRefreshToken() error = %v", err)
	}
	if err := s.RevokeRefreshToken(ctx, "unknown"); err != nil {
		t.Errorf("RevokeRefreshToken(unknown) error = %v", err)
	}
}

func TestRevokeAccessTokenIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	saveTokenPair(t, s, "at-3", "rt-3", "client-1")

	if err := s.RevokeAccessToken(ctx, "at-3"); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	at, err := s.GetAccessToken(ctx, "at-3")
	if err != nil {
		t.Fatal(err)
	}
	if !at.Revoked {
		t.Error("access token not revoked")
	}

	// Revoking the access token alone does not touch the refresh token
	rt, err := s.GetRefreshToken(ctx, "rt-3")
	if err != nil {
		t.Fatal(err)
	}
	if rt.Revoked {
		t.Error("access token revocation cascaded upward to refresh token")
	}

	if err := s.RevokeAccessToken(ctx, "at-3"); err != nil {
		t.Errorf("repeated RevokeAccessToken() error = %v", err)
	}
	if err := s.RevokeAccessToken(ctx, "unknown"); err != nil {
		t.Errorf("RevokeAccessToken(unknown) error = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	if err := s.SaveChallenge(ctx, &storage.Challenge{ID: "c-old", ExpiresAt: past}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChallenge(ctx, &storage.Challenge{ID: "c-new", ExpiresAt: future}); err != nil {
		t.Fatal(err)
	}

	oldCode := newAuthCode("code-old", "client-1")
	oldCode.ExpiresAt = past
	if err := s.SaveAuthorizationCode(ctx, oldCode); err != nil {
		t.Fatal(err)
	}

	at, rt := newTokenPair("at-old", "rt-old", "client-1")
	at.ExpiresAt = past
	rt.ExpiresAt = past
	if err := s.SaveAccessToken(ctx, at); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatal(err)
	}
	saveTokenPair(t, s, "at-new", "rt-new", "client-1")

	removed, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 4 {
		t.Errorf("Cleanup() removed %d, want 4", removed)
	}

	// Live records survive
	if _, err := s.GetChallenge(ctx, "c-new"); err != nil {
		t.Errorf("live challenge removed: %v", err)
	}
	if _, err := s.GetAccessToken(ctx, "at-new"); err != nil {
		t.Errorf("live access token removed: %v", err)
	}
	if _, err := s.GetRefreshToken(ctx, "rt-new"); err != nil {
		t.Errorf("live refresh token removed: %v", err)
	}

	// Second sweep finds nothing new
	removed, err = s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("second Cleanup() removed %d, want 0", removed)
	}
}

func TestConcurrentMixedAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("c-%d-%d", n, j)
				_ = s.SaveChallenge(ctx, &storage.Challenge{ID: id, ExpiresAt: time.Now().Add(time.Minute)})
				_, _ = s.GetChallenge(ctx, id)
				_ = s.SaveAuthorizationCode(ctx, newAuthCode(id, "client-1"))
				_, _ = s.AtomicExchangeAuthorizationCode(ctx, id, "client-1", nil)
				_, _ = s.Cleanup(ctx)
			}
		}(i)
	}
	wg.Wait()
}
