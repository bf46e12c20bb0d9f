package protocol

import "encoding/json"

// ServerInfo identifies the server in the handshake acknowledgement.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the client half of the handshake.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	// Capabilities the client wants to use. Empty means all the server
	// offers.
	Capabilities []string `json:"capabilities,omitempty"`
	// Credential optionally authenticates the session at handshake time.
	Credential string `json:"credential,omitempty"`
}

// InitializeResult is the handshake acknowledgement.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    []string   `json:"capabilities"`
}

// ResourceDescriptor describes one registered resource in list results.
type ResourceDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URITemplate string `json:"uriTemplate"`
}

// ToolDescriptor describes one registered tool in list results.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Cacheable   bool            `json:"cacheable,omitempty"`
}

// PromptDescriptor describes one registered prompt in list results.
type PromptDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListResourcesResult enumerates registered resources in insertion order.
type ListResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

// ListToolsResult enumerates registered tools in insertion order.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ListPromptsResult enumerates registered prompts in insertion order.
type ListPromptsResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}

// ReadResourceParams requests the contents behind a concrete URI.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one block of resource data.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult carries the resolved resource contents.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// CallToolParams invokes a named tool with schema-validated arguments.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// TimeoutSeconds optionally bounds the provider call below the
	// server default.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// ToolContent is one block of tool output.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult carries the tool output.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// GetPromptParams renders a named prompt template.
type GetPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PromptMessage is one rendered message of a prompt template.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GetPromptResult carries the rendered prompt.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}
