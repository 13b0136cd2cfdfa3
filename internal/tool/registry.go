package tool

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrValidation marks malformed caller input. Surfaced immediately; no
	// execution is created.
	ErrValidation = errors.New("validation error")

	// ErrDuplicateTool and ErrIncompleteContract are startup-fatal: the
	// registry refuses to boot on either.
	ErrDuplicateTool      = errors.New("duplicate tool")
	ErrIncompleteContract = errors.New("incomplete tool contract")

	ErrToolNotFound = errors.New("tool not found")
)

// Registry holds tool definitions indexed by name. It is populated once by
// NewRegistry and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]*Definition
	names []string
}

// NewRegistry builds a registry from a static list of definitions. Any
// duplicate name or incomplete contract fails registration; callers treat
// that as fatal and abort startup.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Definition, len(defs))}
	for i := range defs {
		def := defs[i]
		if err := def.validate(); err != nil {
			return nil, err
		}
		if _, exists := r.tools[def.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, def.Name)
		}
		r.tools[def.Name] = &def
		r.names = append(r.names, def.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get retrieves a tool definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return d, nil
}

// List returns all definitions ordered by name for deterministic listings.
func (r *Registry) List() []*Definition {
	out := make([]*Definition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// ListByCategory returns the definitions in a category, ordered by name.
func (r *Registry) ListByCategory(c Category) []*Definition {
	var out []*Definition
	for _, name := range r.names {
		if d := r.tools[name]; d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
