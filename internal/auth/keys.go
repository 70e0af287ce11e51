package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks chat-sync API keys so they are recognisable in
	// config files and logs.
	KeyPrefix = "cs_"

	// keyBytes is the number of random bytes in a generated key
	// (hex-encoded to twice this length).
	keyBytes = 32
)

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return KeyPrefix + RandomHex(keyBytes)
}

// HashKey returns the bcrypt hash to put in MCP_API_KEYS for key.
func HashKey(key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", fmt.Errorf("API key must start with %q", KeyPrefix)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(hash), nil
}

// Keys validates presented API keys against configured bcrypt hashes.
// A key that matched once is remembered by its SHA-256 so later
// requests skip bcrypt.
type Keys struct {
	users  []string
	hashes map[string][]byte

	mu       sync.Mutex
	verified map[[sha256.Size]byte]string
}

// NewKeys creates a validator from user -> bcrypt hash, as returned by
// config.ParseMCPAPIKeys.
func NewKeys(hashes map[string]string) *Keys {
	k := &Keys{
		hashes:   make(map[string][]byte, len(hashes)),
		verified: make(map[[sha256.Size]byte]string),
	}

	for user, hash := range hashes {
		k.users = append(k.users, user)
		k.hashes[user] = []byte(hash)
	}

	slices.Sort(k.users)

	return k
}

// Len returns the number of configured keys.
func (k *Keys) Len() int {
	return len(k.users)
}

// Validate returns the user that owns key.
func (k *Keys) Validate(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))

	k.mu.Lock()
	user, ok := k.verified[sum]
	k.mu.Unlock()

	if ok {
		return user, true
	}

	for _, user := range k.users {
		if bcrypt.CompareHashAndPassword(k.hashes[user], []byte(key)) == nil {
			k.mu.Lock()
			k.verified[sum] = user
			k.mu.Unlock()

			return user, true
		}
	}

	return "", false
}
