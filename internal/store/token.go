// SPDX-License-Identifier: MIT

package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MintToken generates a new opaque bearer credential. It is returned to
// the player exactly once; only its salted hash is persisted.
func MintToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken computes the salted hash used for all credential lookups.
func (s *Store) HashToken(raw string) string {
	mac := hmac.New(sha256.New, s.salt)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
