package security

import (
	"crypto/sha256"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	TokenLength = 64
	Alphabet    = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateToken creates a random subscription confirmation token.
func GenerateToken() (string, error) {
	return gonanoid.Generate(Alphabet, TokenLength)
}

// HashToken returns the SHA-256 hex digest under which a token is stored.
// Only the holder of the original token can confirm.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", hash)
}
