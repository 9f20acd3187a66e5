package auth

import (
	"regexp"
	"testing"
)

func TestNewDeviceToken(t *testing.T) {
	token, hash, err := NewDeviceToken()
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}

	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(token) {
		t.Errorf("token %q should be 64 hex characters", token)
	}
	if hash == token || hash == "" {
		t.Errorf("hash should be a bcrypt hash, got %q", hash)
	}
	if !CheckDeviceToken(hash, token) {
		t.Error("CheckDeviceToken should accept the issued token")
	}
}

func TestNewDeviceToken_Unique(t *testing.T) {
	a, _, err := NewDeviceToken()
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := NewDeviceToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two tokens should not be equal")
	}
}

func TestCheckDeviceToken_Rejects(t *testing.T) {
	token, hash, err := NewDeviceToken()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		hash  string
		token string
	}{
		{"wrong token", hash, token + "x"},
		{"empty token", hash, ""},
		{"empty hash", "", token},
		{"garbage hash", "not-a-hash", token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if CheckDeviceToken(tt.hash, tt.token) {
				t.Error("CheckDeviceToken should reject")
			}
		})
	}
}
