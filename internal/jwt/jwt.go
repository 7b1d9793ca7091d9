package jwt

import (
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// ErrInvalid is returned for any token that fails verification or decryption.
var ErrInvalid = errors.New("jwt: invalid token")

// Sign produces an HS256 JWT carrying claims, with exp and iat set.
func (m *KeyManager) Sign(claims any, issuedAt, expiresAt time.Time) (string, error) {
	keys, err := m.SigningKeys()
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("sign jwt: no secret configured")
	}
	key := keys[0]

	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: key.Secret}, (&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID))
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	token, err := gojwt.Signed(signer).Claims(stdClaims(issuedAt, expiresAt)).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return token, nil
}

// Verify checks an HS256 JWT and decodes its claims into out. Tokens past
// exp at now are rejected.
func (m *KeyManager) Verify(token string, now time.Time, out any) error {
	keys, err := m.SigningKeys()
	if err != nil {
		return err
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return ErrInvalid
	}
	kid := ""
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}

	for _, key := range pick(keys, kid) {
		var std gojwt.Claims
		if err := parsed.Claims(key.Secret, &std, out); err != nil {
			continue
		}
		if err := std.ValidateWithLeeway(gojwt.Expected{Time: now}, 0); err != nil {
			return ErrInvalid
		}
		return nil
	}
	return ErrInvalid
}

// Encrypt seals claims as a compact JWE (dir, A256CBC-HS512) under the key
// derived for salt.
func (m *KeyManager) Encrypt(salt string, claims any, issuedAt, expiresAt time.Time) (string, error) {
	keys, err := m.EncryptionKeys(salt)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("encrypt jwt: no secret configured")
	}
	key := keys[0]

	enc, err := gojose.NewEncrypter(
		gojose.A256CBC_HS512,
		gojose.Recipient{Algorithm: gojose.DIRECT, Key: key.Secret, KeyID: key.KID},
		(&gojose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("new encrypter: %w", err)
	}

	token, err := gojwt.Encrypted(enc).Claims(stdClaims(issuedAt, expiresAt)).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwe: %w", err)
	}
	return token, nil
}

// Decrypt opens a JWE produced by Encrypt. Any authentication failure or an
// expired token yields ErrInvalid.
func (m *KeyManager) Decrypt(salt, token string, now time.Time, out any) error {
	keys, err := m.EncryptionKeys(salt)
	if err != nil {
		return err
	}

	parsed, err := gojwt.ParseEncrypted(token, []gojose.KeyAlgorithm{gojose.DIRECT}, []gojose.ContentEncryption{gojose.A256CBC_HS512})
	if err != nil {
		return ErrInvalid
	}
	kid := ""
	if len(parsed.Headers) > 0 {
		kid = parsed.Headers[0].KeyID
	}

	for _, key := range pick(keys, kid) {
		var std gojwt.Claims
		if err := parsed.Claims(key.Secret, &std, out); err != nil {
			continue
		}
		if err := std.ValidateWithLeeway(gojwt.Expected{Time: now}, 0); err != nil {
			return ErrInvalid
		}
		return nil
	}
	return ErrInvalid
}

func stdClaims(issuedAt, expiresAt time.Time) gojwt.Claims {
	return gojwt.Claims{
		IssuedAt: gojwt.NewNumericDate(issuedAt),
		Expiry:   gojwt.NewNumericDate(expiresAt),
	}
}
