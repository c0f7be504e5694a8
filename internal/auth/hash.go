package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	rawTokenBytes  = 32
	saltBytes      = 16
	hashBytes      = 32
	hashIterations = 100000
)

// GenerateRawToken returns 256 bits of random material, base64 encoded.
func GenerateRawToken() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// HashToken derives the stored "salt:hash" form of a raw token.
func HashToken(raw string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(raw), salt, hashIterations, hashBytes, sha256.New)
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(key), nil
}

// VerifyToken recomputes the hash of raw with the stored salt and compares
// in constant time. Malformed stored values never match.
func VerifyToken(raw, stored string) bool {
	saltPart, hashPart, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(raw), salt, hashIterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
