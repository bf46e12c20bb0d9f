package protocol

// Method names routable by the pipeline.
const (
	MethodInitialize    = "initialize"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListPrompts   = "prompts/list"
	MethodGetPrompt     = "prompts/get"
)

// Notification methods pushed by the server.
const (
	NotificationResourcesChanged = "notifications/resources/list_changed"
	NotificationToolsChanged     = "notifications/tools/list_changed"
	NotificationPromptsChanged   = "notifications/prompts/list_changed"
)

// Capability names negotiated during the handshake.
const (
	CapabilityResources = "resources"
	CapabilityTools     = "tools"
	CapabilityPrompts   = "prompts"
)

// CapabilitySet is the set of capabilities a peer declares or agrees to.
type CapabilitySet map[string]bool

// NewCapabilitySet builds a set from capability names.
func NewCapabilitySet(names ...string) CapabilitySet {
	set := make(CapabilitySet, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Has reports whether the set contains the named capability.
func (s CapabilitySet) Has(name string) bool { return s[name] }

// Intersect returns the capabilities present in both sets. An empty requested
// set means "everything the server offers".
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	if len(other) == 0 {
		out := make(CapabilitySet, len(s))
		for name := range s {
			out[name] = true
		}
		return out
	}
	out := make(CapabilitySet)
	for name := range s {
		if other[name] {
			out[name] = true
		}
	}
	return out
}

// Names returns the member capability names in unspecified order.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// MethodCapability maps a method to the capability that must have been
// negotiated for it. Initialize needs none.
func MethodCapability(method string) string {
	switch method {
	case MethodListResources, MethodReadResource:
		return CapabilityResources
	case MethodListTools, MethodCallTool:
		return CapabilityTools
	case MethodListPrompts, MethodGetPrompt:
		return CapabilityPrompts
	default:
		return ""
	}
}

// IsListMethod reports whether the method enumerates a catalog. List methods
// skip argument validation, caching, and provider dispatch.
func IsListMethod(method string) bool {
	switch method {
	case MethodListResources, MethodListTools, MethodListPrompts:
		return true
	default:
		return false
	}
}
