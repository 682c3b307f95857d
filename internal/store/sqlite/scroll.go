package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/google/uuid"
)

// scrollState is the server-side state of one cursor. Positions are carried
// in the token itself, so re-reading a token yields the same page.
type scrollState struct {
	id      string
	indices []string
	filter  *store.Filter
	size    int
}

// ScrollOpen opens a cursor over index and returns its first page.
func (s *Store) ScrollOpen(ctx context.Context, index string, filter *store.Filter, size int) (*store.Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("sqlite: scroll size must be positive, got %d", size)
	}
	names, err := s.resolve(ctx, index)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to encode scroll indices: %w", err)
	}

	st := &scrollState{id: uuid.New().String(), indices: names, filter: filter, size: size}
	var field string
	var from int64
	if filter != nil && filter.TimestampField != "" {
		field = filter.TimestampField
		from = filter.From.UnixNano()
	}

	s.mu.Lock()
	now := s.opts.Now()
	_, err = s.db.ExecContext(ctx, "DELETE FROM scrolls WHERE expires_at < ?", now.UnixNano())
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO scrolls (scroll_id, index_names, filter_field, filter_from, size, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
			st.id, string(encoded), field, from, size, now.Add(s.opts.ScrollKeepAlive).UnixNano())
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open scroll: %w", err)
	}

	return s.fetch(ctx, st, 0)
}

// ScrollNext returns the page after the position encoded in cursor.
func (s *Store) ScrollNext(ctx context.Context, cursor string) (*store.Page, error) {
	id, after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st, err := s.touch(ctx, id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, st, after)
}

// ScrollClose drops the cursor state. Unknown cursors are ignored.
func (s *Store) ScrollClose(ctx context.Context, cursor string) error {
	id, _, err := parseCursor(cursor)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scrolls WHERE scroll_id = ?", id); err != nil {
		return fmt.Errorf("sqlite: failed to close scroll: %w", err)
	}
	return nil
}

// touch loads a live cursor and extends its keep-alive. Caller holds s.mu.
func (s *Store) touch(ctx context.Context, id string) (*scrollState, error) {
	var names, field string
	var from, expires int64
	st := &scrollState{id: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT index_names, filter_field, filter_from, size, expires_at FROM scrolls WHERE scroll_id = ?", id,
	).Scan(&names, &field, &from, &st.size, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrCursorExpired, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load scroll: %w", err)
	}

	now := s.opts.Now()
	if expires < now.UnixNano() {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM scrolls WHERE scroll_id = ?", id)
		return nil, fmt.Errorf("%w: %s", store.ErrCursorExpired, id)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE scrolls SET expires_at = ? WHERE scroll_id = ?",
		now.Add(s.opts.ScrollKeepAlive).UnixNano(), id,
	); err != nil {
		return nil, fmt.Errorf("sqlite: failed to extend scroll: %w", err)
	}

	if err := json.Unmarshal([]byte(names), &st.indices); err != nil {
		return nil, fmt.Errorf("sqlite: corrupt scroll state: %w", err)
	}
	if field != "" {
		st.filter = &store.Filter{TimestampField: field, From: time.Unix(0, from).UTC()}
	}
	return st, nil
}

// fetch collects up to st.size matching documents with seq > after.
func (s *Store) fetch(ctx context.Context, st *scrollState, after int64) (*store.Page, error) {
	in, args := inClause(st.indices)
	page := &store.Page{}
	last := after

	for len(page.Docs) < st.size {
		batch := append(append([]any(nil), args...), last, st.size)
		rows, err := s.readDB.QueryContext(ctx,
			"SELECT seq, doc_id, doc_type, version, parent, source FROM documents WHERE index_name IN "+in+
				" AND seq > ? ORDER BY seq LIMIT ?",
			batch...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to read scroll page: %w", err)
		}

		scanned := 0
		for len(page.Docs) < st.size && rows.Next() {
			var seq int64
			var raw string
			var doc store.Document
			if err := rows.Scan(&seq, &doc.ID, &doc.Type, &doc.Version, &doc.Parent, &raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite: failed to scan document: %w", err)
			}
			scanned++
			last = seq
			if err := json.Unmarshal([]byte(raw), &doc.Source); err != nil {
				rows.Close()
				return nil, fmt.Errorf("sqlite: corrupt source of document %s: %w", doc.ID, err)
			}
			if !st.filter.Matches(doc.Source) {
				continue
			}
			page.Docs = append(page.Docs, doc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to read scroll page: %w", err)
		}
		if scanned == 0 {
			break
		}
	}

	page.Cursor = formatCursor(st.id, last)
	return page, nil
}

func formatCursor(id string, after int64) string {
	return id + ":" + strconv.FormatInt(after, 10)
}

func parseCursor(cursor string) (string, int64, error) {
	i := strings.LastIndexByte(cursor, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: malformed cursor %q", store.ErrCursorExpired, cursor)
	}
	after, err := strconv.ParseInt(cursor[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed cursor %q", store.ErrCursorExpired, cursor)
	}
	return cursor[:i], after, nil
}
