// Package registry holds the three capability catalogs the server exposes:
// URI-addressed resources, schema-validated tools, and parameterized prompts.
// The catalogs live in an immutable snapshot swapped atomically on every
// registration, so in-flight lookups never observe a partially-updated
// catalog.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dispatchkit/dispatchkit/pkg/errors"
	"github.com/dispatchkit/dispatchkit/pkg/protocol"
)

// Catalog names used in change notifications and error messages.
const (
	CatalogResources = "resources"
	CatalogTools     = "tools"
	CatalogPrompts   = "prompts"
)

// ToolHandler backs one registered tool. Arguments arrive already validated
// against the tool's input schema; the handler must not perform its own
// authentication or authorization and must be safe for concurrent sessions.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)

// ResourceHandler backs one registered resource. vars carries the bindings
// extracted from the matched URI template.
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error)

// PromptHandler backs one registered prompt template.
type PromptHandler func(ctx context.Context, args json.RawMessage) (*protocol.GetPromptResult, error)

// Tool is a named, schema-validated invocable action.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// Cacheable marks the tool's results safe to reuse for identical
	// arguments within the configured TTL.
	Cacheable bool
	Handler   ToolHandler
}

// Resource is readable, URI-addressed data. The template may contain
// {variable} path segments.
type Resource struct {
	Name        string
	Description string
	URITemplate string
	Handler     ResourceHandler

	template *uriTemplate
}

// Prompt is a named, parameterized text template.
type Prompt struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     PromptHandler
}

// ResolvedResource pairs a matched resource with its URI variable bindings.
type ResolvedResource struct {
	Resource *Resource
	Vars     map[string]string
}

// ChangeListener is notified after a catalog changes. The catalog name is
// one of the Catalog constants.
type ChangeListener func(catalog string)

// snapshot is one immutable generation of all three catalogs. Order slices
// preserve insertion order for list operations.
type snapshot struct {
	tools         map[string]*Tool
	toolOrder     []string
	prompts       map[string]*Prompt
	promptOrder   []string
	resources     map[string]*Resource
	resourceOrder []string
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		tools:         make(map[string]*Tool, len(s.tools)+1),
		toolOrder:     append([]string(nil), s.toolOrder...),
		prompts:       make(map[string]*Prompt, len(s.prompts)+1),
		promptOrder:   append([]string(nil), s.promptOrder...),
		resources:     make(map[string]*Resource, len(s.resources)+1),
		resourceOrder: append([]string(nil), s.resourceOrder...),
	}
	for k, v := range s.tools {
		next.tools[k] = v
	}
	for k, v := range s.prompts {
		next.prompts[k] = v
	}
	for k, v := range s.resources {
		next.resources[k] = v
	}
	return next
}

// Registry is the capability lookup structure. Reads are lock-free against
// the current snapshot; writes serialize on an internal mutex and publish a
// new snapshot atomically.
type Registry struct {
	mu        sync.Mutex
	current   atomic.Pointer[snapshot]
	listeners []ChangeListener
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{
		tools:     make(map[string]*Tool),
		prompts:   make(map[string]*Prompt),
		resources: make(map[string]*Resource),
	})
	return r
}

// OnChange registers a listener invoked after every successful mutation.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(catalog string) {
	for _, fn := range r.listeners {
		fn(catalog)
	}
}

// RegisterTool adds a tool. Fails with a DuplicateName error if the name is
// taken. Registered capabilities are never mutated in place; replacing one
// is a remove-then-add.
func (r *Registry) RegisterTool(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.tools[t.Name]; exists {
		return errors.DuplicateName(CatalogTools, t.Name)
	}

	next := cur.clone()
	next.tools[t.Name] = t
	next.toolOrder = append(next.toolOrder, t.Name)
	r.current.Store(next)
	r.notify(CatalogTools)
	return nil
}

// RegisterPrompt adds a prompt. Fails with a DuplicateName error if the name
// is taken.
func (r *Registry) RegisterPrompt(p *Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.prompts[p.Name]; exists {
		return errors.DuplicateName(CatalogPrompts, p.Name)
	}

	next := cur.clone()
	next.prompts[p.Name] = p
	next.promptOrder = append(next.promptOrder, p.Name)
	r.current.Store(next)
	r.notify(CatalogPrompts)
	return nil
}

// RegisterResource adds a resource. Fails with a DuplicateName error if the
// name is taken or if the URI template is ambiguous against an already
// registered template: ambiguity is a registration-time error, never a
// runtime one.
func (r *Registry) RegisterResource(res *Resource) error {
	tpl, err := parseTemplate(res.URITemplate)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "invalid uri template")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.resources[res.Name]; exists {
		return errors.DuplicateName(CatalogResources, res.Name)
	}
	for _, name := range cur.resourceOrder {
		if cur.resources[name].template.ambiguousWith(tpl) {
			return errors.Newf(errors.KindDuplicateName,
				"uri template %q is ambiguous with already registered %q",
				res.URITemplate, cur.resources[name].URITemplate)
		}
	}

	registered := *res
	registered.template = tpl

	next := cur.clone()
	next.resources[res.Name] = &registered
	next.resourceOrder = append(next.resourceOrder, res.Name)
	r.current.Store(next)
	r.notify(CatalogResources)
	return nil
}

// RemoveTool removes a tool by name. Removing an absent name fails with a
// NotFound error.
func (r *Registry) RemoveTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.tools[name]; !exists {
		return errors.NotFound("tool", name)
	}
	next := cur.clone()
	delete(next.tools, name)
	next.toolOrder = removeName(next.toolOrder, name)
	r.current.Store(next)
	r.notify(CatalogTools)
	return nil
}

// RemovePrompt removes a prompt by name.
func (r *Registry) RemovePrompt(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.prompts[name]; !exists {
		return errors.NotFound("prompt", name)
	}
	next := cur.clone()
	delete(next.prompts, name)
	next.promptOrder = removeName(next.promptOrder, name)
	r.current.Store(next)
	r.notify(CatalogPrompts)
	return nil
}

// RemoveResource removes a resource by name.
func (r *Registry) RemoveResource(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.resources[name]; !exists {
		return errors.NotFound("resource", name)
	}
	next := cur.clone()
	delete(next.resources, name)
	next.resourceOrder = removeName(next.resourceOrder, name)
	r.current.Store(next)
	r.notify(CatalogResources)
	return nil
}

// LookupTool returns the named tool or a NotFound error.
func (r *Registry) LookupTool(name string) (*Tool, error) {
	if t, ok := r.current.Load().tools[name]; ok {
		return t, nil
	}
	return nil, errors.NotFound("tool", name)
}

// LookupPrompt returns the named prompt or a NotFound error.
func (r *Registry) LookupPrompt(name string) (*Prompt, error) {
	if p, ok := r.current.Load().prompts[name]; ok {
		return p, nil
	}
	return nil, errors.NotFound("prompt", name)
}

// ResolveResource matches a concrete URI against the registered templates.
// When several templates structurally match, the one with the longest
// literal prefix wins; registration guarantees there is never a tie.
func (r *Registry) ResolveResource(uri string) (*ResolvedResource, error) {
	cur := r.current.Load()

	var best *ResolvedResource
	bestPrefix := -1
	for _, name := range cur.resourceOrder {
		res := cur.resources[name]
		vars, ok := res.template.match(uri)
		if !ok {
			continue
		}
		if prefix := len(res.template.literalPrefix); prefix > bestPrefix {
			best = &ResolvedResource{Resource: res, Vars: vars}
			bestPrefix = prefix
		}
	}
	if best == nil {
		return nil, errors.NotFound("resource", uri)
	}
	return best, nil
}

// ListTools returns descriptors for all tools in insertion order.
func (r *Registry) ListTools() []protocol.ToolDescriptor {
	cur := r.current.Load()
	out := make([]protocol.ToolDescriptor, 0, len(cur.toolOrder))
	for _, name := range cur.toolOrder {
		t := cur.tools[name]
		out = append(out, protocol.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Cacheable:   t.Cacheable,
		})
	}
	return out
}

// ListPrompts returns descriptors for all prompts in insertion order.
func (r *Registry) ListPrompts() []protocol.PromptDescriptor {
	cur := r.current.Load()
	out := make([]protocol.PromptDescriptor, 0, len(cur.promptOrder))
	for _, name := range cur.promptOrder {
		p := cur.prompts[name]
		out = append(out, protocol.PromptDescriptor{
			Name:        p.Name,
			Description: p.Description,
			InputSchema: p.InputSchema,
		})
	}
	return out
}

// ListResources returns descriptors for all resources in insertion order.
func (r *Registry) ListResources() []protocol.ResourceDescriptor {
	cur := r.current.Load()
	out := make([]protocol.ResourceDescriptor, 0, len(cur.resourceOrder))
	for _, name := range cur.resourceOrder {
		res := cur.resources[name]
		out = append(out, protocol.ResourceDescriptor{
			Name:        res.Name,
			Description: res.Description,
			URITemplate: res.URITemplate,
		})
	}
	return out
}

func removeName(order []string, name string) []string {
	out := order[:0]
	for _, n := range order {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
