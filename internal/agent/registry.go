package agent

import (
	"sync"
)

// registryEntry pairs a tool definition with its category.
type registryEntry struct {
	definition ToolDefinition
	category   ToolCategory
}

// Registry is the keyed catalog of tools offered to the LLM.
//
// Registration is an upsert: re-registering a name overwrites both the
// definition and the category atomically, and the new category applies to
// the very next lookup. There is no removal; the registry is built once at
// composition time and treated as read-only during turns, though the type
// itself is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	order   []string // registration order, stable across overwrites
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Register upserts a tool definition under the given category.
func (r *Registry) Register(def ToolDefinition, category ToolCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.entries[def.Name] = &registryEntry{definition: def, category: category}
}

// RegisterAll registers every definition under one shared category.
func (r *Registry) RegisterAll(defs []ToolDefinition, category ToolCategory) {
	for _, def := range defs {
		r.Register(def, category)
	}
}

// Get returns the definition and category for a tool name.
func (r *Registry) Get(name string) (ToolDefinition, ToolCategory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return ToolDefinition{}, "", false
	}
	return entry.definition, entry.category, true
}

// Category returns the category for a tool name.
func (r *Registry) Category(name string) (ToolCategory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return entry.category, true
}

// RequiresApproval reports whether the named tool needs human approval.
// Unknown names return false; the turn loop surfaces them as tool-local
// errors before any approval check matters.
func (r *Registry) RequiresApproval(name string) bool {
	category, ok := r.Category(name)
	return ok && category == CategoryWrite
}

// Definitions returns the full catalog in registration order. The result is
// passed verbatim to the transport as the LLM's tool offer.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].definition)
	}
	return defs
}

// DefinitionsByCategory returns the catalog filtered to one category,
// in registration order.
func (r *Registry) DefinitionsByCategory(category ToolCategory) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ToolDefinition
	for _, name := range r.order {
		if entry := r.entries[name]; entry.category == category {
			defs = append(defs, entry.definition)
		}
	}
	return defs
}

// NamesByCategory returns the tool names of one category, in registration
// order.
func (r *Registry) NamesByCategory(category ToolCategory) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, name := range r.order {
		if r.entries[name].category == category {
			names = append(names, name)
		}
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
