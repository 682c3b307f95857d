package descriptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arkilian/indexkeeper/internal/config"
	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/script"
)

// Registry holds the descriptors of a process by logical name.
type Registry struct {
	mu      sync.RWMutex
	indices map[string]*Index
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{indices: make(map[string]*Index)}
}

// Register adds ix. Logical names must be unique.
func (r *Registry) Register(ix *Index) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indices[ix.Name()]; ok {
		return ikerrors.NewValidationError(ikerrors.CodeInvalidDescriptor,
			fmt.Sprintf("index %q registered twice", ix.Name()))
	}
	r.indices[ix.Name()] = ix
	return nil
}

// Get looks up a descriptor by logical name.
func (r *Registry) Get(name string) (*Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ix, ok := r.indices[name]
	return ix, ok
}

// All returns every descriptor sorted by name.
func (r *Registry) All() []*Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Index, 0, len(r.indices))
	for _, ix := range r.indices {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// FromConfig builds a descriptor Config from its declaration.
func FromConfig(c config.IndexConfig) (Config, error) {
	b := NewBuilder(c.Name)
	if c.Version > 0 {
		b.Version(c.Version)
	}
	switch c.Period {
	case "daily":
		b.Daily()
	case "monthly":
		b.Monthly()
	}
	if c.DateLayout != "" {
		b.DateLayout(c.DateLayout)
	}
	b.MaxIndexAge(c.MaxIndexAge)
	for _, t := range c.Tiers {
		b.TieredAlias(t.Name, t.MaxAge)
	}
	for _, t := range c.Types {
		b.Type(DocumentType{
			Name:           t.Name,
			Mapping:        t.Mapping,
			TimestampField: t.TimestampField,
			ParentType:     t.ParentType,
			ParentPath:     t.ParentPath,
		})
	}
	for _, s := range c.Scripts {
		b.Script(script.Script{Version: s.Version, DocumentType: s.DocumentType, Steps: s.Steps})
	}
	return b.Build()
}

// BuildRegistry creates a descriptor for every declared index.
func BuildRegistry(decls []config.IndexConfig, deps Deps) (*Registry, error) {
	r := NewRegistry()
	for _, d := range decls {
		cfg, err := FromConfig(d)
		if err != nil {
			return nil, err
		}
		if err := r.Register(New(cfg, deps)); err != nil {
			return nil, err
		}
	}
	return r, nil
}
