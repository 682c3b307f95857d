// Package script holds schema migration scripts.
//
// A script is a list of structured steps applied to a document's source when
// it is copied to a newer schema version. Steps are plain data, so a script
// can be declared in config, queued with a reindex task and applied by the
// reindexer without any store-side scripting engine. Source renders the same
// steps as Painless for stores that execute scripts themselves.
package script

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/arkilian/indexkeeper/internal/store"
)

// Op is the kind of a step.
type Op string

const (
	OpSet     Op = "set"     // Field = Value
	OpRename  Op = "rename"  // Field moves to To
	OpRemove  Op = "remove"  // Field is deleted
	OpCopy    Op = "copy"    // Field is copied to To
	OpDefault Op = "default" // Field = Value when missing or null
)

// Step is one transform on a document source. Field and To are dotted paths.
type Step struct {
	Op    Op     `json:"op" yaml:"op"`
	Field string `json:"field" yaml:"field"`
	To    string `json:"to,omitempty" yaml:"to,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Script migrates documents to Version. When DocumentType is set only
// documents of that type are touched.
type Script struct {
	Version      int    `json:"version" yaml:"version"`
	DocumentType string `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	Steps        []Step `json:"steps" yaml:"steps"`
}

// Validate checks the script is well formed.
func (s Script) Validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("script: version must be positive, got %d", s.Version)
	}
	for i, st := range s.Steps {
		if st.Field == "" {
			return fmt.Errorf("script v%d: step %d has no field", s.Version, i)
		}
		switch st.Op {
		case OpSet, OpRemove, OpDefault:
		case OpRename, OpCopy:
			if st.To == "" {
				return fmt.Errorf("script v%d: step %d (%s) has no target", s.Version, i, st.Op)
			}
		default:
			return fmt.Errorf("script v%d: step %d has unknown op %q", s.Version, i, st.Op)
		}
	}
	return nil
}

// Applies reports whether the script touches documents of docType.
func (s Script) Applies(docType string) bool {
	return s.DocumentType == "" || s.DocumentType == docType
}

// Apply runs the steps against doc in place.
func (s Script) Apply(doc *store.Document) {
	if !s.Applies(doc.Type) {
		return
	}
	if doc.Source == nil {
		doc.Source = map[string]any{}
	}
	for _, st := range s.Steps {
		applyStep(doc.Source, st)
	}
}

func applyStep(src map[string]any, st Step) {
	switch st.Op {
	case OpSet:
		setPath(src, st.Field, clone(st.Value))
	case OpDefault:
		if v, ok := store.ValueAt(src, st.Field); !ok || v == nil {
			setPath(src, st.Field, clone(st.Value))
		}
	case OpRemove:
		deletePath(src, st.Field)
	case OpRename:
		if v, ok := store.ValueAt(src, st.Field); ok {
			deletePath(src, st.Field)
			setPath(src, st.To, v)
		}
	case OpCopy:
		if v, ok := store.ValueAt(src, st.Field); ok {
			setPath(src, st.To, clone(v))
		}
	}
}

func setPath(src map[string]any, dotted string, v any) {
	parts := strings.Split(dotted, ".")
	cur := src
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func deletePath(src map[string]any, dotted string) {
	parts := strings.Split(dotted, ".")
	cur := src
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// clone deep-copies maps and slices so a step value is never shared between documents.
func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = clone(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = clone(x)
		}
		return s
	}
	return v
}

// Select returns the scripts with current < Version <= target, ascending by version.
func Select(scripts []Script, current, target int) []Script {
	var out []Script
	for _, s := range scripts {
		if s.Version > current && s.Version <= target {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Chain is an ordered list of scripts applied in one pass.
type Chain struct {
	scripts []Script
}

// NewChain returns a chain over scripts, or nil when there are none.
func NewChain(scripts []Script) *Chain {
	if len(scripts) == 0 {
		return nil
	}
	return &Chain{scripts: append([]Script(nil), scripts...)}
}

// Scripts returns the chained scripts in application order.
func (c *Chain) Scripts() []Script {
	if c == nil {
		return nil
	}
	return append([]Script(nil), c.scripts...)
}

// Apply runs every script against doc in order. A nil chain is a no-op.
func (c *Chain) Apply(doc *store.Document) {
	if c == nil {
		return
	}
	for _, s := range c.scripts {
		s.Apply(doc)
	}
}

func (c *Chain) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.scripts)
}

func (c *Chain) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.scripts)
}
