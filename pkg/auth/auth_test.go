package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/auth"
	"github.com/dispatchkit/dispatchkit/pkg/errors"
)

func TestAPIKeyIssueAndVerify(t *testing.T) {
	v := auth.NewAPIKeyVerifier(&auth.APIKeyConfig{KeyPrefix: "test_", KeyLength: 16})

	identity := &auth.Identity{ID: "svc:indexer", Roles: []string{"service"}}
	key, err := v.Issue(identity, nil)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	got, err := v.Verify(context.Background(), key)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if got.ID != identity.ID {
		t.Errorf("expected identity %s, got %s", identity.ID, got.ID)
	}
}

func TestAPIKeyRejections(t *testing.T) {
	v := auth.NewAPIKeyVerifier(&auth.APIKeyConfig{KeyPrefix: "test_"})

	if _, err := v.Verify(context.Background(), ""); !errors.IsKind(err, errors.KindAuthentication) {
		t.Errorf("empty credential: expected authentication error, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "wrongprefix_abc"); !errors.IsKind(err, errors.KindAuthentication) {
		t.Errorf("bad prefix: expected authentication error, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "test_deadbeef"); !errors.IsKind(err, errors.KindAuthentication) {
		t.Errorf("unknown key: expected authentication error, got %v", err)
	}
}

func TestAPIKeyRevocationAndExpiry(t *testing.T) {
	v := auth.NewAPIKeyVerifier(&auth.APIKeyConfig{KeyPrefix: "test_"})
	identity := &auth.Identity{ID: "user:alice"}

	key, err := v.Issue(identity, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Revoke(key); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), key); err == nil {
		t.Error("revoked key still verifies")
	}

	past := time.Now().Add(-time.Minute)
	expired, err := v.Issue(identity, &past)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(context.Background(), expired); err == nil {
		t.Error("expired key still verifies")
	}

	v.CleanupExpired()
	if err := v.Revoke(expired); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected expired key to be cleaned up, got %v", err)
	}
}

func TestPolicyWildcardMatching(t *testing.T) {
	p := auth.NewPolicy()
	p.Grant("reader", "resources/*", "prompts/get")
	p.Grant("operator", "tools/call:deploy-*")

	reader := &auth.Identity{ID: "user:r", Roles: []string{"reader"}}
	operator := &auth.Identity{ID: "user:o", Roles: []string{"operator"}}

	cases := []struct {
		identity *auth.Identity
		action   string
		want     bool
	}{
		{reader, "resources/read:file:///x", true},
		{reader, "resources/list", true},
		{reader, "prompts/get", true},
		{reader, "tools/call:echo", false},
		{operator, "tools/call:deploy-web", true},
		{operator, "tools/call:delete-db", false},
		{nil, "resources/list", false},
	}
	for _, tc := range cases {
		if got := p.Allows(tc.identity, tc.action); got != tc.want {
			t.Errorf("Allows(%v, %q) = %v, want %v", tc.identity, tc.action, got, tc.want)
		}
	}
}

func TestPolicyAllowsEverythingUntilConfigured(t *testing.T) {
	p := auth.NewPolicy()
	if !p.Allows(nil, "tools/call:anything") {
		t.Error("empty policy should allow by default")
	}
	p.Grant("admin", "*")
	if p.Allows(nil, "tools/call:anything") {
		t.Error("configured policy should deny unknown identities")
	}
	if !p.Allows(&auth.Identity{ID: "a", Roles: []string{"admin"}}, "tools/call:anything") {
		t.Error("admin wildcard should allow everything")
	}
}

func TestIdentityContext(t *testing.T) {
	identity := &auth.Identity{ID: "user:ctx"}
	ctx := auth.ContextWithIdentity(context.Background(), identity)

	got, ok := auth.IdentityFromContext(ctx)
	if !ok || got.ID != "user:ctx" {
		t.Errorf("identity not round-tripped through context: %v %v", got, ok)
	}
}

func TestCacheClass(t *testing.T) {
	var nilIdentity *auth.Identity
	if nilIdentity.CacheClass() != "anonymous" {
		t.Error("nil identity should fall in the anonymous class")
	}
	id := &auth.Identity{ID: "user:a"}
	if id.CacheClass() != "user:a" {
		t.Error("class should default to ID")
	}
	id.Class = "tenant-1"
	if id.CacheClass() != "tenant-1" {
		t.Error("explicit class should win")
	}
}
