package handler

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// generatePKCE returns a fresh code verifier and its S256 challenge.
// The verifier is stashed in the transaction values rather than its
// own cookie, so it shares the transaction's lifetime and tamper
// protection.
func generatePKCE() (verifier string, challenge string) {
	b := make([]byte, 32)
	_, _ = rand.Read(b)

	verifier = base64.RawURLEncoding.EncodeToString(b)

	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])

	return verifier, challenge
}
