// Package credential resolves API keys to credentials through a bounded,
// short-lived cache in front of the registry.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// KeyLength is the fixed length of an issued API key.
const KeyLength = 64

// PrefixLength is how much of a key is kept in clear for display.
const PrefixLength = 8

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{64}$`)

// ValidFormat reports whether key has the issued length and alphabet.
func ValidFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// HashKey creates a SHA-256 hash of an API key for storage
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Prefix returns the display prefix of key.
func Prefix(key string) string {
	if len(key) < PrefixLength {
		return key
	}
	return key[:PrefixLength]
}

// GenerateKey returns a new random key in the issued format.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	// 248 is the largest multiple of 62 below 256; rejecting above it keeps the draw uniform.
	out := make([]byte, 0, KeyLength)
	for len(out) < KeyLength {
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			out = append(out, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(out) == KeyLength {
				break
			}
		}
		if len(out) < KeyLength {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("generate key: %w", err)
			}
		}
	}
	return string(out), nil
}
