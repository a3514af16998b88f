package store

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	saltSize       = 16
)

// HashPassword derives argon2id material for a group password. An empty
// password yields an unprotected group.
func HashPassword(password string) (salt, hash []byte, err error) {
	if password == "" {
		return nil, nil, nil
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLength), nil
}

// CheckPassword verifies password against the group's stored material.
func CheckPassword(g Group, password string) bool {
	if !g.Protected() {
		return true
	}
	derived := argon2.IDKey([]byte(password), g.PasswordSalt, argonTime, argonMemory, argonThreads, argonKeyLength)
	return subtle.ConstantTimeCompare(derived, g.PasswordHash) == 1
}
