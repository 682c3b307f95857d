// Package store defines the document store contract consumed by descriptors
// and the reindexer: index and alias CRUD, catalog listing, repeatable cursors
// and versioned bulk writes. Implementations live in sub-packages (sqlite,
// elastic).
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	ErrIndexExists      = errors.New("index already exists")
	ErrIndexNotFound    = errors.New("index not found")
	ErrAliasNotFound    = errors.New("alias not found")
	ErrCursorExpired    = errors.New("cursor expired")
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionConflict  = errors.New("version conflict")
)

// Reserved source fields for stores without native document types or parents.
const (
	TypeField   = "@type"
	ParentField = "@parent"
)

// Store abstracts the document store.
type Store interface {
	// IndexExists reports whether a physical index exists.
	IndexExists(ctx context.Context, name string) (bool, error)

	// CreateIndex creates a physical index with its mappings and initial aliases.
	// Returns ErrIndexExists when the index is already present.
	CreateIndex(ctx context.Context, name string, def Definition) error

	// DeleteIndex removes a physical index and every alias pointing at it.
	// Returns ErrIndexNotFound when the index does not exist.
	DeleteIndex(ctx context.Context, name string) error

	// AliasExists reports whether an alias points at any index.
	AliasExists(ctx context.Context, alias string) (bool, error)

	// GetAliasTargets returns the physical indices an alias points at.
	GetAliasTargets(ctx context.Context, alias string) ([]string, error)

	// UpdateAliases applies all actions atomically.
	UpdateAliases(ctx context.Context, actions []AliasAction) error

	// ListIndices returns every physical index matching pattern ('*' wildcard)
	// together with the aliases attached to it.
	ListIndices(ctx context.Context, pattern string) ([]IndexInfo, error)

	// ScrollOpen opens a cursor over index and returns the first page.
	ScrollOpen(ctx context.Context, index string, filter *Filter, size int) (*Page, error)

	// ScrollNext returns the page following the position encoded in cursor.
	// Re-reading from the same cursor returns the same page.
	// Returns ErrCursorExpired when the server-side state is gone.
	ScrollNext(ctx context.Context, cursor string) (*Page, error)

	// ScrollClose releases server-side cursor state. Closing an expired cursor is not an error.
	ScrollClose(ctx context.Context, cursor string) error

	// BulkWrite writes docs into index with external versioning and returns
	// one result per document, in input order.
	BulkWrite(ctx context.Context, index string, docs []Document) ([]BulkResult, error)

	// Count returns the number of documents in index matching filter (nil = all).
	Count(ctx context.Context, index string, filter *Filter) (int64, error)

	// GetDocument fetches a document by id. Returns ErrDocumentNotFound.
	GetDocument(ctx context.Context, index, id string) (*Document, error)

	// IndexDocument writes a single document. A zero Version writes unversioned;
	// otherwise an existing version >= doc.Version yields ErrVersionConflict.
	IndexDocument(ctx context.Context, index string, doc Document) error
}

// Definition describes a physical index at creation time.
type Definition struct {
	// Mappings maps document type name to its mapping body.
	Mappings map[string]map[string]any `json:"mappings,omitempty"`
	// Aliases are attached atomically with creation.
	Aliases []string `json:"aliases,omitempty"`
}

// IndexInfo is one catalog entry.
type IndexInfo struct {
	Name    string
	Aliases []string
}

// AliasOp is the kind of an alias action.
type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

// AliasAction adds or removes one alias on one index.
type AliasAction struct {
	Op    AliasOp `json:"op"`
	Index string  `json:"index"`
	Alias string  `json:"alias"`
}

// Document is a stored document with its store-side metadata.
type Document struct {
	ID      string         `json:"id"`
	Type    string         `json:"type,omitempty"`
	Version int64          `json:"version,omitempty"`
	Parent  string         `json:"parent,omitempty"`
	Source  map[string]any `json:"source"`
}

// Filter restricts a scroll or count to documents whose timestamp field is
// at or after From.
type Filter struct {
	TimestampField string
	From           time.Time
}

// Page is one cursor page. Cursor encodes the position after the last
// document of Docs; an empty Docs slice means the cursor is exhausted.
type Page struct {
	Cursor string
	Docs   []Document
}

// BulkResult is the outcome for one document of a BulkWrite.
type BulkResult struct {
	ID       string
	Err      error
	Conflict bool
}

// OK reports whether the write took effect or was superseded by a newer version.
func (r BulkResult) OK() bool {
	return r.Err == nil || r.Conflict
}

// AddAlias attaches alias to index.
func AddAlias(ctx context.Context, s Store, alias, index string) error {
	return s.UpdateAliases(ctx, []AliasAction{{Op: AliasAdd, Index: index, Alias: alias}})
}

// RemoveAlias detaches alias from index.
func RemoveAlias(ctx context.Context, s Store, alias, index string) error {
	return s.UpdateAliases(ctx, []AliasAction{{Op: AliasRemove, Index: index, Alias: alias}})
}

// IsExists reports whether err means the index already exists.
func IsExists(err error) bool {
	return errors.Is(err, ErrIndexExists)
}

// IsNotFound reports whether err means the index or alias does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIndexNotFound) || errors.Is(err, ErrAliasNotFound)
}
