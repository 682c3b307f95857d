package naming

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestVersionedName(t *testing.T) {
	if got := VersionedName("employees", 3); got != "employees-v3" {
		t.Errorf("got %q, want employees-v3", got)
	}
}

func TestPartitionedName(t *testing.T) {
	d := time.Date(2026, time.October, 7, 15, 4, 5, 0, time.UTC)
	if got := PartitionedName("logs", 2, d, DailyLayout); got != "logs-v2-2026.10.07" {
		t.Errorf("daily: got %q", got)
	}
	if got := PartitionedName("logs", 2, d, MonthlyLayout); got != "logs-v2-2026.10" {
		t.Errorf("monthly: got %q", got)
	}
	if got := DateAlias("logs", d, DailyLayout); got != "logs-2026.10.07" {
		t.Errorf("date alias: got %q", got)
	}
	if got := ErrorIndex("logs-v2-2026.10.07"); got != "logs-v2-2026.10.07-error" {
		t.Errorf("error index: got %q", got)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		physical string
		version  int
		ok       bool
	}{
		{"employees-v1", 1, true},
		{"employees-v12-2026.01.02", 12, true},
		{"my-values-v4", 4, true},
		{"a-v12-v3", 3, true},
		{"employees", 0, false},
		{"employees-vx", 0, false},
		{"employees-v", 0, false},
		{"employees-v2x", 0, false},
	}
	for _, tt := range tests {
		v, ok := ParseVersion(tt.physical)
		if ok != tt.ok || v != tt.version {
			t.Errorf("ParseVersion(%q) = %d,%v want %d,%v", tt.physical, v, ok, tt.version, tt.ok)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	if got := ParseDate("employees-v12-2026.01.02", DailyLayout); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := ParseDate("employees-v12", DailyLayout); !got.Equal(MaxDate) {
		t.Errorf("unpartitioned name should yield MaxDate, got %v", got)
	}
	if got := ParseDate("employees-v12-garbage", DailyLayout); !got.Equal(MaxDate) {
		t.Errorf("unparseable suffix should yield MaxDate, got %v", got)
	}
	if got := ParseDate("employees-v12-2026.01", DailyLayout); !got.Equal(MaxDate) {
		t.Errorf("monthly suffix with daily layout should yield MaxDate, got %v", got)
	}
	if IsPartitioned(MaxDate) {
		t.Error("MaxDate must not count as partitioned")
	}
}

func TestLogicalName(t *testing.T) {
	name, ok := LogicalName("web-events-v3-2026.01")
	if !ok || name != "web-events" {
		t.Errorf("got %q,%v", name, ok)
	}
	if _, ok := LogicalName("plain"); ok {
		t.Error("plain name has no logical part")
	}
}

// TestProperty_NameRoundTrip checks that every generated physical name parses
// back to the version, date and logical name it was built from.
func TestProperty_NameRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	epoch := time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("daily partition names round-trip", prop.ForAll(
		func(head, tail string, version int, days int) bool {
			name := head + "-" + tail
			date := epoch.AddDate(0, 0, days)
			physical := PartitionedName(name, version, date, DailyLayout)

			v, ok := ParseVersion(physical)
			if !ok || v != version {
				return false
			}
			if !ParseDate(physical, DailyLayout).Equal(date) {
				return false
			}
			logical, ok := LogicalName(physical)
			return ok && logical == name
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(1, 10000),
		gen.IntRange(0, 20000),
	))

	properties.Property("monthly partition names round-trip", prop.ForAll(
		func(name string, version int, months int) bool {
			date := epoch.AddDate(0, months, 0)
			physical := PartitionedName(name, version, date, MonthlyLayout)
			v, ok := ParseVersion(physical)
			return ok && v == version && ParseDate(physical, MonthlyLayout).Equal(date)
		},
		gen.Identifier(),
		gen.IntRange(1, 10000),
		gen.IntRange(0, 1200),
	))

	properties.Property("versioned names are not partitioned", prop.ForAll(
		func(name string, version int) bool {
			physical := VersionedName(name, version)
			v, ok := ParseVersion(physical)
			return ok && v == version && !IsPartitioned(ParseDate(physical, DailyLayout))
		},
		gen.Identifier(),
		gen.IntRange(1, 10000),
	))

	properties.TestingRun(t)
}
