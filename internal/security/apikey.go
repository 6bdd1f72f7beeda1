package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// APIKeyPrefix marks project API keys: fbk_<id>_<secret>.
const APIKeyPrefix = "fbk_"

// ErrMalformedAPIKey is returned when a presented key does not have the fbk_<id>_<secret> shape.
var ErrMalformedAPIKey = errors.New("malformed api key")

// APIKey is a parsed API key. ID is the lookup handle, Secret is checked against the stored hash.
type APIKey struct {
	ID     string
	Secret string
}

// String renders the key in its presented form.
func (k APIKey) String() string {
	return APIKeyPrefix + k.ID + "_" + k.Secret
}

// ParseAPIKey splits a presented key into id and secret. The id must be a UUID.
func ParseAPIKey(raw string) (APIKey, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), APIKeyPrefix)
	if !ok {
		return APIKey{}, ErrMalformedAPIKey
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || secret == "" {
		return APIKey{}, ErrMalformedAPIKey
	}
	if _, err := uuid.Parse(id); err != nil {
		return APIKey{}, ErrMalformedAPIKey
	}
	return APIKey{ID: id, Secret: secret}, nil
}

// GenerateAPIKey returns a fresh key with a random UUID id and a 32-byte hex secret.
func GenerateAPIKey() (APIKey, error) {
	secret, err := RandomSecret(32)
	if err != nil {
		return APIKey{}, err
	}
	return APIKey{ID: uuid.NewString(), Secret: secret}, nil
}

// RandomSecret returns n random bytes hex-encoded. Used for API key and webhook signing secrets.
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ServiceKeyEqual compares a presented service key with the configured one in constant time.
// Both sides are hashed first so the comparison does not leak the configured key's length.
// An empty configured key never matches.
func ServiceKeyEqual(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	a := sha256.Sum256([]byte(configured))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
