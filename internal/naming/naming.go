// Package naming derives physical index names from a logical name, a schema
// version and an optional partition date, and parses them back.
//
// Physical names follow the convention other tooling relies on:
//
//	{name}-v{version}
//	{name}-v{version}-{yyyy.MM.dd|yyyy.MM}
//
// plus the shadow error index {index}-error.
package naming

import (
	"strconv"
	"strings"
	"time"
)

// Date layouts for time-partitioned indices.
const (
	DailyLayout   = "2006.01.02"
	MonthlyLayout = "2006.01"
)

// ErrorSuffix is appended to a destination index to form its error index.
const ErrorSuffix = "-error"

// MaxDate is the sentinel returned for names without a partition date.
// It means "not time-partitioned" and also serves as an unbounded expiration.
var MaxDate = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// VersionedName returns name + "-v" + version.
func VersionedName(name string, version int) string {
	return name + "-v" + strconv.Itoa(version)
}

// PartitionedName returns the physical name of the partition for date.
func PartitionedName(name string, version int, date time.Time, layout string) string {
	return VersionedName(name, version) + "-" + date.UTC().Format(layout)
}

// DateAlias is the alias that always resolves to the current physical
// partition for date.
func DateAlias(name string, date time.Time, layout string) string {
	return name + "-" + date.UTC().Format(layout)
}

// TierAlias returns the alias name for a tiered retention alias such as "last7days".
func TierAlias(name, tier string) string {
	return name + "-" + tier
}

// ErrorIndex returns the shadow index that receives documents that could not be migrated.
func ErrorIndex(index string) string {
	return index + ErrorSuffix
}

// Pattern returns the catalog pattern matching every physical index of name.
func Pattern(name string) string {
	return name + "-v*"
}

// versionMarker finds the last "-v<digits>" segment terminated by '-' or end of string.
// It returns the index of the '-' and the end of the digits, or -1.
func versionMarker(physical string) (int, int) {
	for i := strings.LastIndex(physical, "-v"); i >= 0; i = strings.LastIndex(physical[:i], "-v") {
		j := i + 2
		for j < len(physical) && physical[j] >= '0' && physical[j] <= '9' {
			j++
		}
		if j > i+2 && (j == len(physical) || physical[j] == '-') {
			return i, j
		}
	}
	return -1, -1
}

// ParseVersion extracts the schema version from a physical index name.
func ParseVersion(physical string) (int, bool) {
	start, end := versionMarker(physical)
	if start < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(physical[start+2 : end])
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseDate extracts the partition date from a physical index name using layout.
// Names without a parseable date suffix yield MaxDate.
func ParseDate(physical, layout string) time.Time {
	_, end := versionMarker(physical)
	if end < 0 || end >= len(physical) {
		return MaxDate
	}
	d, err := time.ParseInLocation(layout, physical[end+1:], time.UTC)
	if err != nil {
		return MaxDate
	}
	return d
}

// LogicalName returns the part of a physical name preceding its version segment.
func LogicalName(physical string) (string, bool) {
	start, _ := versionMarker(physical)
	if start < 0 {
		return "", false
	}
	return physical[:start], true
}

// IsPartitioned reports whether date is a real partition date rather than the sentinel.
func IsPartitioned(date time.Time) bool {
	return !date.Equal(MaxDate)
}
