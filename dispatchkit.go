// Package dispatchkit provides a capability-dispatch runtime: a protocol
// server that exposes resources, tools and prompts over exchangeable
// transports, with capability negotiation, a staged request pipeline and a
// tiered result cache.
package dispatchkit

import (
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
	"github.com/dispatchkit/dispatchkit/pkg/registry"
	"github.com/dispatchkit/dispatchkit/pkg/server"
	"github.com/dispatchkit/dispatchkit/pkg/transport"
)

// Version is the current runtime version.
const Version = "0.1.0"

// Core construction, re-exported for the common case.
var (
	// NewServer creates a dispatch server.
	NewServer = server.New

	// NewRegistry creates a standalone capability registry.
	NewRegistry = registry.New

	// NewStreamTransport creates the byte-stream transport, bound to
	// stdin and stdout by default.
	NewStreamTransport = transport.NewStream

	// NewHTTPHandler creates the HTTP transport handler.
	NewHTTPHandler = transport.NewHTTPHandler
)

// Capability names offered during negotiation.
const (
	CapabilityResources = protocol.CapabilityResources
	CapabilityTools     = protocol.CapabilityTools
	CapabilityPrompts   = protocol.CapabilityPrompts
)

// Tool, Resource and Prompt are the registration types accepted by the
// server.
type (
	Tool     = registry.Tool
	Resource = registry.Resource
	Prompt   = registry.Prompt
)
