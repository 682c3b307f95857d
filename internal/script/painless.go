package script

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/arkilian/indexkeeper/internal/store"
)

// Source renders the script as Painless operating on ctx._source.
func (s Script) Source() string {
	var b strings.Builder
	for _, st := range s.Steps {
		b.WriteString(renderStep(st))
		b.WriteByte('\n')
	}
	body := strings.TrimSuffix(b.String(), "\n")
	if s.DocumentType == "" {
		return body
	}
	return fmt.Sprintf("if (%s) {\n%s\n}", typeGuard(s.DocumentType), indent(body))
}

// Source renders the chain. A single script is rendered as is; several are
// each wrapped in their own function and called in version order.
func (c *Chain) Source() string {
	if c == nil {
		return ""
	}
	if len(c.scripts) == 1 {
		return c.scripts[0].Source()
	}

	var defs, calls strings.Builder
	for i, s := range c.scripts {
		name := fmt.Sprintf("migrate_%d_v%d", i, s.Version)
		fmt.Fprintf(&defs, "void %s(def ctx) {\n%s\n}\n", name, indent(s.Source()))
		fmt.Fprintf(&calls, "%s(ctx);\n", name)
	}
	return defs.String() + calls.String()
}

func typeGuard(docType string) string {
	return fmt.Sprintf("ctx._source[%s] == %s", literal(store.TypeField), literal(docType))
}

func renderStep(st Step) string {
	parent, key := access(st.Field)
	switch st.Op {
	case OpSet:
		return fmt.Sprintf("%s[%s] = %s;", parent, literal(key), literal(st.Value))
	case OpDefault:
		return fmt.Sprintf("if (%s[%s] == null) { %s[%s] = %s; }",
			parent, literal(key), parent, literal(key), literal(st.Value))
	case OpRemove:
		return fmt.Sprintf("%s.remove(%s);", parent, literal(key))
	case OpRename, OpCopy:
		toParent, toKey := access(st.To)
		read := fmt.Sprintf("%s[%s]", parent, literal(key))
		if st.Op == OpRename {
			read = fmt.Sprintf("%s.remove(%s)", parent, literal(key))
		}
		return fmt.Sprintf("if (%s.containsKey(%s)) { %s[%s] = %s; }",
			parent, literal(key), toParent, literal(toKey), read)
	}
	return fmt.Sprintf("// unsupported op %s", st.Op)
}

// access splits a dotted path into the Painless expression of its parent map and the final key.
func access(dotted string) (string, string) {
	parts := strings.Split(dotted, ".")
	expr := "ctx._source"
	for _, p := range parts[:len(parts)-1] {
		expr += "[" + literal(p) + "]"
	}
	return expr, parts[len(parts)-1]
}

// literal renders v as a Painless literal.
func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(t) + "'"
	case map[string]any:
		if len(t) == 0 {
			return "[:]"
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, len(keys))
		for i, k := range keys {
			items[i] = literal(k) + ": " + literal(t[k])
		}
		return "[" + strings.Join(items, ", ") + "]"
	case []any:
		items := make([]string, len(t))
		for i, x := range t {
			items[i] = literal(x)
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
