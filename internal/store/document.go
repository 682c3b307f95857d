package store

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// Match reports whether name matches a catalog pattern where '*' matches any
// run of characters.
func Match(pattern, name string) bool {
	// path.Match treats '/' specially and understands '[', neither of which
	// occurs in index names; escape brackets to keep them literal.
	escaped := strings.NewReplacer("[", `\[`, "]", `\]`, "?", `\?`).Replace(pattern)
	ok, err := path.Match(escaped, name)
	return err == nil && ok
}

// ValueAt returns the value at a dotted path ("parent.id") inside source.
func ValueAt(source map[string]any, dotted string) (any, bool) {
	var cur any = source
	for _, part := range strings.Split(dotted, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringAt returns the value at dotted as a string. Numbers are formatted
// without exponent so numeric ids survive.
func StringAt(source map[string]any, dotted string) (string, bool) {
	v, ok := ValueAt(source, dotted)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return fmt.Sprintf("%.0f", t), true
	case int:
		return fmt.Sprintf("%d", t), true
	case int64:
		return fmt.Sprintf("%d", t), true
	case json.Number:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// TimestampAt interprets the value at dotted as a point in time. RFC 3339
// strings and epoch milliseconds are accepted.
func TimestampAt(source map[string]any, dotted string) (time.Time, bool) {
	v, ok := ValueAt(source, dotted)
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

// Matches reports whether doc passes filter. A nil filter matches everything;
// documents without a readable timestamp never match a non-nil filter.
func (f *Filter) Matches(source map[string]any) bool {
	if f == nil || f.TimestampField == "" {
		return true
	}
	ts, ok := TimestampAt(source, f.TimestampField)
	if !ok {
		return false
	}
	return !ts.Before(f.From)
}
