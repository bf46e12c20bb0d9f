// Package auth provides the pluggable authentication and authorization
// surface consumed by the request pipeline. The pipeline resolves a caller
// identity through a Verifier and checks it against an access Policy; the
// concrete credential scheme stays outside the core.
package auth

import "context"

// Identity is the post-authentication caller identity attached to a session.
type Identity struct {
	// ID uniquely names the caller, e.g. "user:alice" or "svc:indexer".
	ID string
	// Class groups identities for cache-key derivation; callers in the
	// same class may share cached results. Defaults to ID when empty.
	Class string
	// Roles feed the access policy.
	Roles []string
}

// CacheClass returns the identity class used in cache keys.
func (id *Identity) CacheClass() string {
	if id == nil {
		return "anonymous"
	}
	if id.Class != "" {
		return id.Class
	}
	return id.ID
}

// Verifier validates a caller-supplied credential and resolves the identity
// behind it. Implementations must be safe for concurrent use.
type Verifier interface {
	// Verify resolves a credential to an identity, or fails with an
	// error when the credential is absent, malformed, expired or
	// revoked.
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(ctx context.Context, credential string) (*Identity, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, credential string) (*Identity, error) {
	return f(ctx, credential)
}

type identityContextKey struct{}

// ContextWithIdentity attaches the caller identity to a context so that
// providers can observe who they are serving without re-authenticating.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the caller identity, if present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}
