package auth

import (
	"strings"
	"sync"
)

// Policy decides whether an identity may perform an action. Actions are
// "method" or "method:target" strings, e.g. "tools/call:echo". Patterns
// support a trailing wildcard: "tools/*" grants every tools method,
// "tools/call:*" every tool.
type Policy struct {
	mu sync.RWMutex
	// grants maps role -> allowed action patterns.
	grants map[string][]string
	// allowByDefault admits actions when no policy entry mentions the
	// identity's roles. Deny-by-default once any grant is configured.
	allowByDefault bool
}

// NewPolicy creates a policy that allows everything until grants are added.
// Adding the first grant flips it to deny-by-default.
func NewPolicy() *Policy {
	return &Policy{
		grants:         make(map[string][]string),
		allowByDefault: true,
	}
}

// Grant allows a role to perform actions matching the given patterns.
func (p *Policy) Grant(role string, patterns ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[role] = append(p.grants[role], patterns...)
	p.allowByDefault = false
}

// Allows reports whether the identity may perform the action. A nil
// identity is treated as the anonymous caller with no roles.
func (p *Policy) Allows(identity *Identity, action string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.allowByDefault {
		return true
	}
	if identity == nil {
		return false
	}
	for _, role := range identity.Roles {
		for _, pattern := range p.grants[role] {
			if MatchAction(pattern, action) {
				return true
			}
		}
	}
	return false
}

// MatchAction matches an action against a pattern with optional trailing
// wildcard.
func MatchAction(pattern, action string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(action, suffix)
	}
	return pattern == action
}
