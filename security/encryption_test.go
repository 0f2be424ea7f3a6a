package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if len(key) != KeySize {
		t.Errorf("GenerateKey() returned key of length %d, want %d", len(key), KeySize)
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	equal := true
	for i := range key {
		if key[i] != key2[i] {
			equal = false
			break
		}
	}
	if equal {
		t.Error("GenerateKey() returned identical keys")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "nil key rejected",
			key:     nil,
			wantErr: true,
		},
		{
			name:    "empty key rejected",
			key:     []byte{},
			wantErr: true,
		},
		{
			name:    "invalid key length (16 bytes)",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid key length (64 bytes)",
			key:     make([]byte, 64),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && enc == nil {
				t.Error("NewEncryptor() returned nil encryptor without error")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := `{"jti":"abc","sub":"user-1","scope":"read write"}`

	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed == plaintext {
		t.Error("Encrypt() returned plaintext unchanged")
	}

	// Output must be URL-safe: usable directly as an opaque token
	if _, err := base64.RawURLEncoding.DecodeString(sealed); err != nil {
		t.Errorf("Encrypt() output is not unpadded base64url: %v", err)
	}
	if strings.ContainsAny(sealed, "+/=") {
		t.Errorf("Encrypt() output contains non-URL-safe characters: %q", sealed)
	}

	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	a, err := enc.Encrypt("same payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := enc.Encrypt("same payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("Encrypt() produced identical ciphertexts for same plaintext; nonce not random")
	}
}

func TestDecryptFailures(t *testing.T) {
	key, _ := GenerateKey()
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		raw, _ := base64.RawURLEncoding.DecodeString(sealed)
		raw[len(raw)-1] ^= 0x01
		tampered := base64.RawURLEncoding.EncodeToString(raw)
		if _, err := enc.Decrypt(tampered); err == nil {
			t.Error("Decrypt() accepted tampered ciphertext")
		}
	})

	t.Run("not base64", func(t *testing.T) {
		if _, err := enc.Decrypt("not!valid!base64!"); err == nil {
			t.Error("Decrypt() accepted invalid base64")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := enc.Decrypt(base64.RawURLEncoding.EncodeToString([]byte("short"))); err == nil {
			t.Error("Decrypt() accepted ciphertext shorter than nonce")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		otherKey, _ := GenerateKey()
		other, err := NewEncryptor(otherKey)
		if err != nil {
			t.Fatalf("NewEncryptor() error = %v", err)
		}
		if _, err := other.Decrypt(sealed); err == nil {
			t.Error("Decrypt() succeeded with wrong key")
		}
	})
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	encoded := KeyToBase64(key)
	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	for i := range key {
		if key[i] != decoded[i] {
			t.Fatal("KeyFromBase64() did not round-trip the key")
		}
	}

	if _, err := KeyFromBase64("@@@not-base64@@@"); err == nil {
		t.Error("KeyFromBase64() accepted invalid base64")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("KeyFromBase64() accepted wrong-length key")
	}
}
