package password

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/smallbiznis/valora-session/internal/crypto"
)

const (
	scryptN      = 16384
	scryptR      = 16
	scryptP      = 1
	scryptKeyLen = 64
	saltLen      = 16
)

var errInvalidHash = errors.New("invalid password hash")

// Hash returns a salted scrypt hash encoded as "<saltHex>:<keyHex>".
func Hash(password string) (string, error) {
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw)

	key, err := deriveKey(password, salt)
	if err != nil {
		return "", err
	}
	return salt + ":" + hex.EncodeToString(key), nil
}

// Verify re-derives the key with the stored salt and compares the raw
// derived bytes in constant time.
func Verify(hash, password string) (bool, error) {
	salt, encodedKey, ok := strings.Cut(hash, ":")
	if !ok || salt == "" || encodedKey == "" {
		return false, errInvalidHash
	}
	expected, err := hex.DecodeString(encodedKey)
	if err != nil {
		return false, errInvalidHash
	}

	actual, err := deriveKey(password, salt)
	if err != nil {
		return false, err
	}
	return crypto.ConstantTimeEqual(actual, expected), nil
}

func deriveKey(password, salt string) ([]byte, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(password)), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
