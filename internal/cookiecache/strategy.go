package cookiecache

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/valora-session/internal/crypto"
	"github.com/smallbiznis/valora-session/internal/jwt"
)

const jweSalt = "better-auth-session"

var strictB64 = base64.RawURLEncoding.Strict()

// compactStrategy is base64url(JSON{session, expiresAt, signature}) with
// signature = HMAC(secret, session + "." + expiresAt).
type compactStrategy struct {
	secrets []string
}

type compactEnvelope struct {
	Session   json.RawMessage `json:"session"`
	ExpiresAt int64           `json:"expiresAt"`
	Signature string          `json:"signature"`
}

func (s compactStrategy) encode(snap Snapshot, _, expiresAt time.Time) (string, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	exp := expiresAt.UnixMilli()
	env := compactEnvelope{
		Session:   raw,
		ExpiresAt: exp,
		Signature: crypto.Sign(s.secrets[0], signingInput(raw, exp)),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return strictB64.EncodeToString(out), nil
}

func (s compactStrategy) decode(value string, _ time.Time) (Snapshot, time.Time, error) {
	decoded, err := strictB64.DecodeString(value)
	if err != nil {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	var env compactEnvelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	// Only the exact bytes this package emits are accepted.
	canonical, err := json.Marshal(env)
	if err != nil || !bytes.Equal(canonical, decoded) {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	if !crypto.VerifySignature(s.secrets, signingInput(env.Session, env.ExpiresAt), env.Signature) {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Session, &snap); err != nil {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	return snap, time.UnixMilli(env.ExpiresAt), nil
}

func signingInput(raw []byte, exp int64) []byte {
	buf := make([]byte, 0, len(raw)+21)
	buf = append(buf, raw...)
	buf = append(buf, '.')
	return strconv.AppendInt(buf, exp, 10)
}

// jwtStrategy signs the snapshot as an HS256 JWT.
type jwtStrategy struct {
	keys *jwt.KeyManager
}

type snapshotClaims struct {
	Snapshot
}

func (s jwtStrategy) encode(snap Snapshot, issuedAt, expiresAt time.Time) (string, error) {
	return s.keys.Sign(snapshotClaims{snap}, issuedAt, expiresAt)
}

func (s jwtStrategy) decode(value string, now time.Time) (Snapshot, time.Time, error) {
	if !canonicalCompact(value, 3) {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	var claims struct {
		snapshotClaims
		Exp int64 `json:"exp"`
	}
	if err := s.keys.Verify(value, now, &claims); err != nil {
		return Snapshot{}, time.Time{}, err
	}
	return claims.Snapshot, time.Unix(claims.Exp, 0), nil
}

// jweStrategy encrypts the snapshot as a dir/A256CBC-HS512 JWE.
type jweStrategy struct {
	keys *jwt.KeyManager
}

func (s jweStrategy) encode(snap Snapshot, issuedAt, expiresAt time.Time) (string, error) {
	return s.keys.Encrypt(jweSalt, snapshotClaims{snap}, issuedAt, expiresAt)
}

func (s jweStrategy) decode(value string, now time.Time) (Snapshot, time.Time, error) {
	if !canonicalCompact(value, 5) {
		return Snapshot{}, time.Time{}, errInvalidPayload
	}
	var claims struct {
		snapshotClaims
		Exp int64 `json:"exp"`
	}
	if err := s.keys.Decrypt(jweSalt, value, now, &claims); err != nil {
		return Snapshot{}, time.Time{}, err
	}
	return claims.Snapshot, time.Unix(claims.Exp, 0), nil
}

// canonicalCompact rejects compact serializations whose segments are not the
// canonical unpadded base64url encoding of their bytes.
func canonicalCompact(value string, segments int) bool {
	parts := strings.Split(value, ".")
	if len(parts) != segments {
		return false
	}
	for _, p := range parts {
		if _, err := strictB64.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}
