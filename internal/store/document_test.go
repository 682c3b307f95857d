package store

import (
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"employees-v*", "employees-v1", true},
		{"employees-v*", "employees-v2-2026.01.01", true},
		{"employees-v*", "employees-archive", false},
		{"employees-v*", "other-v1", false},
		{"*", "anything", true},
		{"logs-v1", "logs-v1", true},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestValueAtAndStringAt(t *testing.T) {
	src := map[string]any{
		"company": map[string]any{"id": "c-1", "seq": float64(42)},
		"name":    "x",
	}
	if v, ok := StringAt(src, "company.id"); !ok || v != "c-1" {
		t.Errorf("company.id: got %q,%v", v, ok)
	}
	if v, ok := StringAt(src, "company.seq"); !ok || v != "42" {
		t.Errorf("company.seq: got %q,%v", v, ok)
	}
	if _, ok := ValueAt(src, "company.missing"); ok {
		t.Error("missing path should not resolve")
	}
	if _, ok := ValueAt(src, "name.deeper"); ok {
		t.Error("path through a scalar should not resolve")
	}
}

func TestFilterMatches(t *testing.T) {
	from := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	f := &Filter{TimestampField: "updated", From: from}

	if !f.Matches(map[string]any{"updated": "2026-10-01T00:00:00Z"}) {
		t.Error("boundary timestamp should match")
	}
	if f.Matches(map[string]any{"updated": "2026-09-30T23:59:59Z"}) {
		t.Error("earlier timestamp should not match")
	}
	if !f.Matches(map[string]any{"updated": float64(from.Add(time.Hour).UnixMilli())}) {
		t.Error("epoch millis should be understood")
	}
	if f.Matches(map[string]any{"other": 1}) {
		t.Error("document without timestamp should not match")
	}

	var nilFilter *Filter
	if !nilFilter.Matches(map[string]any{}) {
		t.Error("nil filter matches everything")
	}
}

func TestBulkResultOK(t *testing.T) {
	if !(BulkResult{ID: "1"}).OK() {
		t.Error("nil error is OK")
	}
	if !(BulkResult{ID: "1", Err: ErrVersionConflict, Conflict: true}).OK() {
		t.Error("conflicts count as OK")
	}
	if (BulkResult{ID: "1", Err: ErrIndexNotFound}).OK() {
		t.Error("plain errors are not OK")
	}
}
