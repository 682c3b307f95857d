// Package reindex implements the resumable two-pass migration engine that
// copies documents between physical indices, cuts aliases over and removes
// the source once the destination has caught up.
package reindex

import (
	"fmt"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/script"
	"github.com/spaolacci/murmur3"
)

// Task is one migration job. It is JSON-serializable so it can travel through a queue.
type Task struct {
	SourceIndex string `json:"source_index"`
	DestIndex   string `json:"dest_index"`
	Alias       string `json:"alias,omitempty"`

	// Script transforms every copied document; nil copies as is.
	Script *script.Chain `json:"script,omitempty"`

	// TimestampField names the last-modified field used to scope the second pass.
	TimestampField string `json:"timestamp_field,omitempty"`

	// ParentPathByType maps a document type to the source path holding its parent id.
	ParentPathByType map[string]string `json:"parent_path_by_type,omitempty"`

	DeleteSourceOnSuccess bool `json:"delete_source_on_success"`

	// WindowStart limits the first pass to documents at or after it.
	WindowStart *time.Time `json:"window_start,omitempty"`

	// Expires bounds the checkpoint lifetime for partitions that expire.
	Expires *time.Time `json:"expires,omitempty"`
}

// Identity is a stable hash of (SourceIndex, DestIndex, Alias). At most one
// task per identity should be in flight.
func (t Task) Identity() string {
	h1, h2 := murmur3.Sum128([]byte(t.SourceIndex + "\x00" + t.DestIndex + "\x00" + t.Alias))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Validate checks the task can run.
func (t Task) Validate() error {
	if t.SourceIndex == "" || t.DestIndex == "" {
		return ikerrors.NewValidationError(ikerrors.CodeInvalidTask, "source and destination index are required")
	}
	if t.WindowStart != nil && t.TimestampField == "" {
		return ikerrors.NewValidationError(ikerrors.CodeInvalidTask, "window start requires a timestamp field")
	}
	return nil
}

func (t Task) String() string {
	return fmt.Sprintf("%s -> %s (alias %q)", t.SourceIndex, t.DestIndex, t.Alias)
}
