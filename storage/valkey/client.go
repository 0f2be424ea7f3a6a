package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/brightsales/oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Clients have no TTL; they live until
// deleted out of band.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID),
		fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID),
		fromClientJSON)
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
	pattern := s.clientKey("*")

	// SCAN can return duplicates across iterations; deduplicate by key
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // key deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, client := range clientMap {
		clients = append(clients, client)
	}
	return clients, nil
}

// ============================================================
// ChallengeStore Implementation
// ============================================================

// SaveChallenge stores a PKCE challenge with a TTL matching its expiry
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.Challenge) error {
	if challenge == nil || challenge.ID == "" {
		return fmt.Errorf("invalid challenge")
	}
	if err := validateTokenLength(challenge.ID, "challenge ID"); err != nil {
		return err
	}

	if err := s.setJSONWithTTL(ctx, s.challengeKey(challenge.ID), toChallengeJSON(challenge), challenge.ExpiresAt); err != nil {
		return err
	}

	s.logger.Debug("Saved challenge", "challenge_id", safeTruncate(challenge.ID, tokenLogLength))
	return nil
}

// GetChallenge retrieves a challenge by ID. The TTL handles expiry, so a
// present key is a live challenge.
func (s *Store) GetChallenge(ctx context.Context, id string) (*storage.Challenge, error) {
	return getAndUnmarshal(ctx, s, s.challengeKey(id),
		fmt.Errorf("%w: %s", storage.ErrChallengeNotFound, safeTruncate(id, tokenLogLength)),
		fromChallengeJSON)
}

// DeleteChallenge removes a challenge. Deleting an unknown ID is a no-op.
func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.challengeKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
