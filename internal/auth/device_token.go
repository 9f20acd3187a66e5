// Package auth covers the two kinds of credentials the host deals with.
//
// Operators authenticate to the HTTP API with a bearer JWT issued by the
// control panel (or by `signcast token` during development). Displays never
// hold operator credentials; after registration they receive a random
// reconnect token whose bcrypt hash is kept on the device record.
package auth

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// deviceTokenBytes is the reconnect token size: 32 bytes = 256 bits of entropy.
const deviceTokenBytes = 32

// NewDeviceToken generates a reconnect token and its bcrypt hash.
// The raw token is sent to the display once and never stored.
func NewDeviceToken() (token, hash string, err error) {
	b := make([]byte, deviceTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = fmt.Sprintf("%x", b)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return token, string(h), nil
}

// CheckDeviceToken reports whether token matches hash.
// An empty hash or token never matches.
func CheckDeviceToken(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	// bcrypt.CompareHashAndPassword handles timing-safe comparison
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
