package store

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Token hashing parameters. Stored form is "salt:hex" where both halves
// are lowercase hex.
const (
	tokenHashIterations = 100_000
	tokenHashKeyLen     = 64
	tokenSaltLen        = 16
)

// GenerateToken returns a fresh 6-hex-char agent token.
func GenerateToken() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// HashToken derives the stored salt:hex form of a plaintext token.
func HashToken(token string) (string, error) {
	salt := make([]byte, tokenSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLen, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyToken re-derives the hash of token with the stored salt and compares
// in constant time. A malformed stored value never verifies.
func VerifyToken(token, stored string) bool {
	saltHex, keyHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(keyHex)
	if err != nil || len(want) != tokenHashKeyLen {
		return false
	}
	got := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLen, sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
