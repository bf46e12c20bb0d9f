// Package session tracks the lifecycle of one caller connection: handshake,
// negotiated protocol version and capabilities, attached identity, and
// teardown. Operations arriving out of order are rejected before they reach
// the dispatch pipeline.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchkit/dispatchkit/pkg/auth"
	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
)

// State is the lifecycle position of a session.
type State int

const (
	// StateAwaitingHandshake is the initial state; only initialize is
	// accepted.
	StateAwaitingHandshake State = iota
	// StateNegotiated admits capability operations.
	StateNegotiated
	// StateClosed admits nothing.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one caller connection. All methods are safe for concurrent use.
type Session struct {
	// ID identifies the session in logs and on the HTTP transport.
	ID string
	// CreatedAt is when the connection surfaced, before any handshake.
	CreatedAt time.Time

	mu              sync.RWMutex
	state           State
	protocolVersion string
	capabilities    protocol.CapabilitySet
	identity        *auth.Identity
}

// New creates a session awaiting its handshake.
func New() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     StateAwaitingHandshake,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ProtocolVersion returns the negotiated version, empty before handshake.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// Capabilities returns the negotiated capability set, nil before handshake.
func (s *Session) Capabilities() protocol.CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// Identity returns the authenticated identity, nil for anonymous sessions.
func (s *Session) Identity() *auth.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetIdentity attaches the authenticated identity.
func (s *Session) SetIdentity(identity *auth.Identity) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// Close moves the session to its terminal state.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// Negotiator performs the handshake and enforces operation ordering for
// every session of one server.
type Negotiator struct {
	info         protocol.ServerInfo
	supported    []string
	capabilities protocol.CapabilitySet
}

// NewNegotiator creates a negotiator. supportedVersions is ordered newest
// first; the first entry is the preferred version.
func NewNegotiator(info protocol.ServerInfo, supportedVersions []string, capabilities protocol.CapabilitySet) *Negotiator {
	return &Negotiator{info: info, supported: supportedVersions, capabilities: capabilities}
}

// Handshake runs the version and capability negotiation for sess. A repeated
// handshake fails without touching the negotiated state; an unsupported
// version is fatal to the session.
func (n *Negotiator) Handshake(sess *Session, params *protocol.InitializeParams) (*protocol.InitializeResult, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case StateClosed:
		return nil, errors.ProtocolOrder("session is closed")
	case StateNegotiated:
		return nil, errors.ProtocolOrder("handshake already completed")
	}

	if !n.supportsVersion(params.ProtocolVersion) {
		return nil, errors.UnsupportedVersion(params.ProtocolVersion, n.supported)
	}

	granted := n.capabilities.Intersect(protocol.NewCapabilitySet(params.Capabilities...))

	sess.state = StateNegotiated
	sess.protocolVersion = params.ProtocolVersion
	sess.capabilities = granted

	return &protocol.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		ServerInfo:      n.info,
		Capabilities:    granted.Names(),
	}, nil
}

// Admit checks that method may run on sess in its current state. Handshake
// ordering violations are fatal; a method whose capability was not granted
// fails that request only.
func (n *Negotiator) Admit(sess *Session, method string) error {
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	switch sess.state {
	case StateClosed:
		return errors.ProtocolOrder("session is closed")
	case StateAwaitingHandshake:
		return errors.ProtocolOrder("operation before handshake")
	}

	capability := protocol.MethodCapability(method)
	if capability == "" {
		return errors.NotFound("method", method)
	}
	if !sess.capabilities.Has(capability) {
		return errors.NotFound("capability", capability)
	}
	return nil
}

func (n *Negotiator) supportsVersion(requested string) bool {
	for _, v := range n.supported {
		if v == requested {
			return true
		}
	}
	return false
}
