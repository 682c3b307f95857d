// Package sqlite implements store.Store as an embedded document store on
// SQLite. It is used for single-node deployments and throughout the tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arkilian/indexkeeper/internal/store"
	_ "github.com/mattn/go-sqlite3"
)

// Options configures the SQLite store.
type Options struct {
	// ScrollKeepAlive is how long an idle cursor survives (default: 5m).
	ScrollKeepAlive time.Duration

	// Now returns the current time; tests replace it to expire cursors.
	Now func() time.Time
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		ScrollKeepAlive: 5 * time.Minute,
		Now:             time.Now,
	}
}

// Store implements store.Store using SQLite.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	opts   Options
	mu     sync.Mutex // Write-only lock
}

var _ store.Store = (*Store)(nil)

// Open creates or opens a store at dbPath.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.ScrollKeepAlive <= 0 {
		opts.ScrollKeepAlive = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, dbPath: dbPath, opts: opts}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to initialize schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes both connections.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

// IndexExists reports whether a physical index exists.
func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	return exists(ctx, s.readDB, "SELECT 1 FROM indices WHERE name = ?", name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: %w", err)
	}
	return true, nil
}

// CreateIndex creates a physical index with its aliases in one transaction.
func (s *Store) CreateIndex(ctx context.Context, name string, def store.Definition) error {
	mappings, err := json.Marshal(def.Mappings)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal mappings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, "SELECT 1 FROM indices WHERE name = ?", name)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", store.ErrIndexExists, name)
	}
	isAlias, err := exists(ctx, tx, "SELECT 1 FROM aliases WHERE alias = ? LIMIT 1", name)
	if err != nil {
		return err
	}
	if isAlias {
		return fmt.Errorf("sqlite: index name %s is already used by an alias", name)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO indices (name, mappings, created_at) VALUES (?, ?, ?)",
		name, string(mappings), s.opts.Now().Unix(),
	); err != nil {
		return fmt.Errorf("sqlite: failed to insert index %s: %w", name, err)
	}

	for _, alias := range def.Aliases {
		if err := addAlias(ctx, tx, alias, name); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit index %s: %w", name, err)
	}
	return nil
}

// DeleteIndex removes an index, its documents and its alias bindings.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := exists(ctx, tx, "SELECT 1 FROM indices WHERE name = ?", name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
	}

	for _, stmt := range []string{
		"DELETE FROM documents WHERE index_name = ?",
		"DELETE FROM aliases WHERE index_name = ?",
		"DELETE FROM indices WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("sqlite: failed to delete index %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit delete of %s: %w", name, err)
	}
	return nil
}

// AliasExists reports whether alias points at any index.
func (s *Store) AliasExists(ctx context.Context, alias string) (bool, error) {
	return exists(ctx, s.readDB, "SELECT 1 FROM aliases WHERE alias = ? LIMIT 1", alias)
}

// GetAliasTargets returns the indices alias points at, sorted by name.
func (s *Store) GetAliasTargets(ctx context.Context, alias string) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT index_name FROM aliases WHERE alias = ? ORDER BY index_name", alias)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query alias %s: %w", alias, err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan alias target: %w", err)
		}
		targets = append(targets, name)
	}
	return targets, rows.Err()
}

// UpdateAliases applies every action in one transaction; any failure rolls back all of them.
func (s *Store) UpdateAliases(ctx context.Context, actions []store.AliasAction) error {
	if len(actions) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range actions {
		switch a.Op {
		case store.AliasAdd:
			if err := addAlias(ctx, tx, a.Alias, a.Index); err != nil {
				return err
			}
		case store.AliasRemove:
			res, err := tx.ExecContext(ctx,
				"DELETE FROM aliases WHERE alias = ? AND index_name = ?", a.Alias, a.Index)
			if err != nil {
				return fmt.Errorf("sqlite: failed to remove alias %s: %w", a.Alias, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s on %s", store.ErrAliasNotFound, a.Alias, a.Index)
			}
		default:
			return fmt.Errorf("sqlite: unknown alias op %q", a.Op)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit alias update: %w", err)
	}
	return nil
}

func addAlias(ctx context.Context, tx *sql.Tx, alias, index string) error {
	found, err := exists(ctx, tx, "SELECT 1 FROM indices WHERE name = ?", index)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", store.ErrIndexNotFound, index)
	}
	clash, err := exists(ctx, tx, "SELECT 1 FROM indices WHERE name = ?", alias)
	if err != nil {
		return err
	}
	if clash {
		return fmt.Errorf("sqlite: alias %s clashes with an index name", alias)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO aliases (alias, index_name) VALUES (?, ?)", alias, index,
	); err != nil {
		return fmt.Errorf("sqlite: failed to add alias %s: %w", alias, err)
	}
	return nil
}

// ListIndices returns every index matching pattern with its aliases.
func (s *Store) ListIndices(ctx context.Context, pattern string) ([]store.IndexInfo, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT i.name, COALESCE(a.alias, '')
		FROM indices i LEFT JOIN aliases a ON a.index_name = i.name
		ORDER BY i.name, a.alias`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list indices: %w", err)
	}
	defer rows.Close()

	var infos []store.IndexInfo
	for rows.Next() {
		var name, alias string
		if err := rows.Scan(&name, &alias); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan index: %w", err)
		}
		if !store.Match(pattern, name) {
			continue
		}
		if n := len(infos); n == 0 || infos[n-1].Name != name {
			infos = append(infos, store.IndexInfo{Name: name})
		}
		if alias != "" {
			last := &infos[len(infos)-1]
			last.Aliases = append(last.Aliases, alias)
		}
	}
	return infos, rows.Err()
}

// resolve maps an index or alias name to physical indices.
func (s *Store) resolve(ctx context.Context, name string) ([]string, error) {
	found, err := s.IndexExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if found {
		return []string{name}, nil
	}
	targets, err := s.GetAliasTargets(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrIndexNotFound, name)
	}
	return targets, nil
}

// resolveWrite maps name to exactly one physical index.
func (s *Store) resolveWrite(ctx context.Context, name string) (string, error) {
	targets, err := s.resolve(ctx, name)
	if err != nil {
		return "", err
	}
	if len(targets) != 1 {
		return "", fmt.Errorf("sqlite: alias %s points at %d indices, cannot write", name, len(targets))
	}
	return targets[0], nil
}

// BulkWrite writes docs into index in one transaction, reporting per-document results.
func (s *Store) BulkWrite(ctx context.Context, index string, docs []store.Document) ([]store.BulkResult, error) {
	target, err := s.resolveWrite(ctx, index)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]store.BulkResult, len(docs))
	for i, doc := range docs {
		results[i].ID = doc.ID
		if err := writeDocument(ctx, tx, target, doc); err != nil {
			results[i].Err = err
			results[i].Conflict = errors.Is(err, store.ErrVersionConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit bulk write: %w", err)
	}
	return results, nil
}

// IndexDocument writes a single document.
func (s *Store) IndexDocument(ctx context.Context, index string, doc store.Document) error {
	target, err := s.resolveWrite(ctx, index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writeDocument(ctx, tx, target, doc); err != nil {
		return err
	}
	return tx.Commit()
}

// writeDocument applies external-version semantics: a document is written
// only when its version is strictly greater than the stored one. Version 0
// means unversioned and increments the stored version.
func writeDocument(ctx context.Context, tx *sql.Tx, index string, doc store.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("sqlite: document id is required")
	}
	source, err := json.Marshal(doc.Source)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal document %s: %w", doc.ID, err)
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM documents WHERE index_name = ? AND doc_id = ?", index, doc.ID,
	).Scan(&current)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: failed to read document %s: %w", doc.ID, err)
	}

	version := doc.Version
	if version == 0 {
		version = current + 1
	} else if found && current >= version {
		return fmt.Errorf("%w: %s has version %d, got %d", store.ErrVersionConflict, doc.ID, current, version)
	}

	if found {
		_, err = tx.ExecContext(ctx,
			"UPDATE documents SET doc_type = ?, version = ?, parent = ?, source = ? WHERE index_name = ? AND doc_id = ?",
			doc.Type, version, doc.Parent, string(source), index, doc.ID)
	} else {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO documents (index_name, doc_id, doc_type, version, parent, source) VALUES (?, ?, ?, ?, ?, ?)",
			index, doc.ID, doc.Type, version, doc.Parent, string(source))
	}
	if err != nil {
		return fmt.Errorf("sqlite: failed to write document %s: %w", doc.ID, err)
	}
	return nil
}

// Count returns the number of documents in index matching filter.
func (s *Store) Count(ctx context.Context, index string, filter *store.Filter) (int64, error) {
	names, err := s.resolve(ctx, index)
	if err != nil {
		return 0, err
	}
	in, args := inClause(names)

	if filter == nil || filter.TimestampField == "" {
		var n int64
		if err := s.readDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM documents WHERE index_name IN "+in, args...,
		).Scan(&n); err != nil {
			return 0, fmt.Errorf("sqlite: failed to count %s: %w", index, err)
		}
		return n, nil
	}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT source FROM documents WHERE index_name IN "+in, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count %s: %w", index, err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, fmt.Errorf("sqlite: failed to scan source: %w", err)
		}
		var src map[string]any
		if err := json.Unmarshal([]byte(raw), &src); err != nil {
			return 0, fmt.Errorf("sqlite: corrupt document source in %s: %w", index, err)
		}
		if filter.Matches(src) {
			n++
		}
	}
	return n, rows.Err()
}

// GetDocument fetches a document by id from index (or the indices behind an alias).
func (s *Store) GetDocument(ctx context.Context, index, id string) (*store.Document, error) {
	names, err := s.resolve(ctx, index)
	if err != nil {
		return nil, err
	}
	in, args := inClause(names)
	args = append(args, id)

	var doc store.Document
	var raw string
	err = s.readDB.QueryRowContext(ctx,
		"SELECT doc_id, doc_type, version, parent, source FROM documents WHERE index_name IN "+in+" AND doc_id = ? LIMIT 1",
		args...,
	).Scan(&doc.ID, &doc.Type, &doc.Version, &doc.Parent, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrDocumentNotFound, index, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw), &doc.Source); err != nil {
		return nil, fmt.Errorf("sqlite: failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

func inClause(names []string) (string, []any) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	args := make([]any, len(sorted))
	for i, n := range sorted {
		args[i] = n
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(sorted)), ",") + ")", args
}
