package testutil

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/crypto"
)

// GetTestEncryptor creates a test encryptor with a deterministic key for testing.
// This is shared across all test packages to avoid duplication.
func GetTestEncryptor(t testing.TB) *crypto.Encryptor {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	base64Key := base64.StdEncoding.EncodeToString(key)

	encryptor, err := crypto.NewEncryptor(base64Key)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}

// NewTestTokenStore creates a token store with a fixed secret and a one-hour TTL.
func NewTestTokenStore(t testing.TB) *auth.TokenStore {
	t.Helper()

	store, err := auth.NewTokenStore("test-token-secret", time.Hour, GetTestEncryptor(t))
	if err != nil {
		t.Fatalf("Failed to create token store: %v", err)
	}
	return store
}
