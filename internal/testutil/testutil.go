// Package testutil provides shared helpers for package tests.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// GeneratePKCEPair returns a fresh code verifier and its S256 challenge.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge
}
