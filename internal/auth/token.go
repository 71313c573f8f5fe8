// Package auth resolves caller credentials into a request context:
// api keys for tenant traffic, admin tokens for the control surface,
// and forwarded identity tokens for per-user ACL evaluation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	apiKeyPrefix     = "kb_"
	adminTokenPrefix = "kbadm_"
	secretBytes      = 20

	// PrefixLen is how much of a token is kept for display after the
	// plaintext is discarded.
	PrefixLen = 12
)

// Digest returns the hex SHA-256 of a token. Only digests are stored.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewKey generates a tenant api key. Returns the plaintext (shown to the
// caller exactly once), its digest, and its display prefix.
func NewKey() (plaintext, digest, prefix string, err error) {
	return newSecret(apiKeyPrefix)
}

// NewAdminToken generates an admin token under the same scheme.
func NewAdminToken() (plaintext, digest, prefix string, err error) {
	return newSecret(adminTokenPrefix)
}

func newSecret(tag string) (string, string, string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	plaintext := tag + hex.EncodeToString(buf)
	return plaintext, Digest(plaintext), DisplayPrefix(plaintext), nil
}

// DisplayPrefix truncates a token for logs and listings.
func DisplayPrefix(token string) string {
	if len(token) <= PrefixLen {
		return token
	}
	return token[:PrefixLen]
}

// BearerToken extracts the token from an Authorization header value,
// accepting both "Bearer <token>" and a bare token.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return header
}
