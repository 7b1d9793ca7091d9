package jwt

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	encryptionInfoLabel = "BetterAuth.js Generated Encryption Key"
	signingSalt         = "better-auth-jwt-signing"
)

// Key is a derived symmetric key with its thumbprint key id.
type Key struct {
	KID    string
	Secret []byte
}

// KeyManager derives cookie keys from the configured secrets. The first
// secret is current; the rest remain valid for verification only.
type KeyManager struct {
	secrets []string
}

// NewKeyManager creates a KeyManager over secrets, current first.
func NewKeyManager(secrets []string) *KeyManager {
	return &KeyManager{secrets: secrets}
}

// SigningKeys returns 256-bit HS256 keys, one per secret. Keys are derived
// with HKDF since HS256 rejects keys shorter than the hash output.
func (m *KeyManager) SigningKeys() ([]Key, error) {
	keys := make([]Key, 0, len(m.secrets))
	for _, secret := range m.secrets {
		raw, err := deriveKey(secret, signingSalt, 32)
		if err != nil {
			return nil, err
		}
		key, err := newKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// EncryptionKeys returns 512-bit A256CBC-HS512 keys derived with HKDF for
// the given purpose salt, one per secret.
func (m *KeyManager) EncryptionKeys(salt string) ([]Key, error) {
	keys := make([]Key, 0, len(m.secrets))
	for _, secret := range m.secrets {
		raw, err := deriveKey(secret, salt, 64)
		if err != nil {
			return nil, err
		}
		key, err := newKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func deriveKey(secret, salt string, size int) ([]byte, error) {
	info := fmt.Sprintf("%s (%s)", encryptionInfoLabel, salt)
	reader := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// newKey computes the RFC 7638 thumbprint of secret as an oct JWK. go-jose
// only thumbprints asymmetric keys, so the canonical members are hashed here.
func newKey(secret []byte) (Key, error) {
	canonical := `{"k":"` + base64.RawURLEncoding.EncodeToString(secret) + `","kty":"oct"}`
	sum := sha256.Sum256([]byte(canonical))
	return Key{KID: base64.RawURLEncoding.EncodeToString(sum[:]), Secret: secret}, nil
}

func pick(keys []Key, kid string) []Key {
	if kid == "" {
		return keys
	}
	for _, k := range keys {
		if k.KID == kid {
			return []Key{k}
		}
	}
	return keys
}
