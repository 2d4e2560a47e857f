package security

import (
	"strings"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(token) != TokenLength {
			t.Errorf("expected length %d, got %d", TokenLength, len(token))
		}
		for _, r := range token {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("token %q contains %q outside the alphabet", token, r)
			}
		}
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
	}
}

func TestHashToken(t *testing.T) {
	a := HashToken("token")
	if a != HashToken("token") {
		t.Error("expected hashing to be deterministic")
	}
	if a == HashToken("other") {
		t.Error("expected different tokens to hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(a))
	}
}
