package script

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/arkilian/indexkeeper/internal/store"
)

var employeeScripts = []Script{
	{Version: 4, Steps: []Step{{Op: OpRemove, Field: "legacy"}}},
	{Version: 2, Steps: []Step{{Op: OpRename, Field: "fullname", To: "name.full"}}},
	{Version: 3, DocumentType: "employee", Steps: []Step{{Op: OpDefault, Field: "status", Value: "active"}}},
	{Version: 5, Steps: []Step{{Op: OpSet, Field: "never", Value: true}}},
}

func TestSelect(t *testing.T) {
	got := Select(employeeScripts, 1, 4)
	if len(got) != 3 {
		t.Fatalf("expected 3 scripts, got %d", len(got))
	}
	for i, want := range []int{2, 3, 4} {
		if got[i].Version != want {
			t.Errorf("script %d: got v%d, want v%d", i, got[i].Version, want)
		}
	}
	if len(Select(employeeScripts, 4, 4)) != 0 {
		t.Error("no scripts when current == target")
	}
	if NewChain(Select(employeeScripts, 4, 4)) != nil {
		t.Error("empty selection should produce a nil chain")
	}
}

func TestChainApplyInOrder(t *testing.T) {
	chain := NewChain(Select(employeeScripts, 1, 4))

	doc := store.Document{ID: "1", Type: "employee", Source: map[string]any{
		"fullname": "Ada Lovelace",
		"legacy":   1,
	}}
	chain.Apply(&doc)

	name, ok := store.StringAt(doc.Source, "name.full")
	if !ok || name != "Ada Lovelace" {
		t.Errorf("rename: got %q", name)
	}
	if _, ok := doc.Source["fullname"]; ok {
		t.Error("renamed field should be gone")
	}
	if doc.Source["status"] != "active" {
		t.Errorf("default: got %v", doc.Source["status"])
	}
	if _, ok := doc.Source["legacy"]; ok {
		t.Error("removed field should be gone")
	}
	if _, ok := doc.Source["never"]; ok {
		t.Error("v5 must not run for target v4")
	}

	other := store.Document{ID: "2", Type: "address", Source: map[string]any{"fullname": "x"}}
	chain.Apply(&other)
	if _, ok := other.Source["status"]; ok {
		t.Error("type-guarded script must skip other types")
	}
	if _, ok := other.Source["fullname"]; ok {
		t.Error("unguarded script must apply to every type")
	}
}

func TestStepValuesAreNotShared(t *testing.T) {
	s := Script{Version: 2, Steps: []Step{{Op: OpSet, Field: "tags", Value: map[string]any{"a": []any{"x"}}}}}
	d1 := store.Document{Source: map[string]any{}}
	d2 := store.Document{Source: map[string]any{}}
	s.Apply(&d1)
	s.Apply(&d2)

	d1.Source["tags"].(map[string]any)["a"] = "changed"
	if _, ok := d2.Source["tags"].(map[string]any)["a"].([]any); !ok {
		t.Error("documents share a step value")
	}
}

func TestSourceSingleScriptAsIs(t *testing.T) {
	s := Script{Version: 2, Steps: []Step{{Op: OpSet, Field: "a.b", Value: "it's"}}}
	chain := NewChain([]Script{s})
	if chain.Source() != s.Source() {
		t.Errorf("single script should render as is:\n%s", chain.Source())
	}
	want := `ctx._source['a']['b'] = 'it\'s';`
	if s.Source() != want {
		t.Errorf("got %q, want %q", s.Source(), want)
	}
}

func TestSourceMultipleScriptsAreFunctions(t *testing.T) {
	src := NewChain(Select(employeeScripts, 1, 4)).Source()

	for _, fn := range []string{"migrate_0_v2", "migrate_1_v3", "migrate_2_v4"} {
		if !strings.Contains(src, "void "+fn+"(def ctx)") {
			t.Errorf("missing definition of %s:\n%s", fn, src)
		}
		if !strings.Contains(src, fn+"(ctx);") {
			t.Errorf("missing call to %s", fn)
		}
	}
	if strings.Index(src, "migrate_0_v2(ctx);") > strings.Index(src, "migrate_2_v4(ctx);") {
		t.Error("calls must be in version order")
	}
	if !strings.Contains(src, `ctx._source['@type'] == 'employee'`) {
		t.Errorf("missing type guard:\n%s", src)
	}
	if strings.LastIndex(src, "void ") > strings.Index(src, "(ctx);") {
		t.Error("definitions must precede calls")
	}
}

func TestChainJSON(t *testing.T) {
	chain := NewChain(Select(employeeScripts, 1, 3))
	data, err := json.Marshal(chain)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back Chain
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Source() != chain.Source() {
		t.Errorf("decoded chain renders differently:\n%s\nvs\n%s", back.Source(), chain.Source())
	}
}

func TestValidate(t *testing.T) {
	bad := []Script{
		{Version: 0},
		{Version: 2, Steps: []Step{{Op: OpSet}}},
		{Version: 2, Steps: []Step{{Op: OpRename, Field: "a"}}},
		{Version: 2, Steps: []Step{{Op: "explode", Field: "a"}}},
	}
	for i, s := range bad {
		if s.Validate() == nil {
			t.Errorf("script %d should be invalid", i)
		}
	}
	for _, s := range employeeScripts {
		if err := s.Validate(); err != nil {
			t.Errorf("v%d: %v", s.Version, err)
		}
	}
}
