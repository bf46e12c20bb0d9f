package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
)

// APIKeyVerifier is a Verifier backed by an in-memory key table. Keys are
// long-lived credentials typically used for service-to-service access; a
// production deployment would back this with external storage through the
// same Verifier interface.
type APIKeyVerifier struct {
	mu   sync.RWMutex
	keys map[string]*apiKeyInfo

	keyPrefix string
	keyLength int
}

type apiKeyInfo struct {
	identity  *Identity
	createdAt time.Time
	expiresAt *time.Time
	revoked   bool
}

// APIKeyConfig configures the API key verifier.
type APIKeyConfig struct {
	// KeyPrefix added to all issued keys (default "dk_").
	KeyPrefix string
	// KeyLength in random bytes before hex encoding (default 32).
	KeyLength int
}

// NewAPIKeyVerifier creates an API key verifier.
func NewAPIKeyVerifier(config *APIKeyConfig) *APIKeyVerifier {
	if config == nil {
		config = &APIKeyConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "dk_"
	}
	if config.KeyLength == 0 {
		config.KeyLength = 32
	}
	return &APIKeyVerifier{
		keys:      make(map[string]*apiKeyInfo),
		keyPrefix: config.KeyPrefix,
		keyLength: config.KeyLength,
	}
}

// Verify implements Verifier.
func (v *APIKeyVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errors.Authentication("credential required")
	}
	if !strings.HasPrefix(credential, v.keyPrefix) {
		return nil, errors.Authentication("malformed API key")
	}

	v.mu.RLock()
	info := v.lookupConstantTime(credential)
	v.mu.RUnlock()

	if info == nil {
		return nil, errors.Authentication("unknown API key")
	}
	if info.revoked {
		return nil, errors.Authentication("API key revoked")
	}
	if info.expiresAt != nil && time.Now().After(*info.expiresAt) {
		return nil, errors.Authentication("API key expired")
	}
	return info.identity, nil
}

// lookupConstantTime compares the candidate against every stored key with a
// constant-time comparison so lookups do not leak key material through
// timing. Callers hold at least a read lock.
func (v *APIKeyVerifier) lookupConstantTime(candidate string) *apiKeyInfo {
	var found *apiKeyInfo
	for key, info := range v.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			found = info
		}
	}
	return found
}

// Issue generates and stores a new API key bound to the given identity.
func (v *APIKeyVerifier) Issue(identity *Identity, expiresAt *time.Time) (string, error) {
	buf := make([]byte, v.keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "generate API key")
	}
	key := v.keyPrefix + hex.EncodeToString(buf)

	v.mu.Lock()
	v.keys[key] = &apiKeyInfo{
		identity:  identity,
		createdAt: time.Now(),
		expiresAt: expiresAt,
	}
	v.mu.Unlock()

	return key, nil
}

// Revoke invalidates an issued key, preventing further use.
func (v *APIKeyVerifier) Revoke(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	info, exists := v.keys[key]
	if !exists {
		return errors.NotFound("API key", key)
	}
	info.revoked = true
	return nil
}

// CleanupExpired removes revoked and expired keys from the table.
func (v *APIKeyVerifier) CleanupExpired() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	for key, info := range v.keys {
		if info.revoked || (info.expiresAt != nil && now.After(*info.expiresAt)) {
			delete(v.keys, key)
		}
	}
}
