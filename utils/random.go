package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandomHex returns prefix followed by n cryptographically random bytes
// encoded as lowercase hex.
func RandomHex(prefix string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}
