package elastic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/elastic/go-elasticsearch/v7/esapi"
)

// cursorToken is the decoded form of a page cursor.
type cursorToken struct {
	PIT   string `json:"p"`
	After []any  `json:"a,omitempty"`
	Size  int    `json:"s"`
	Field string `json:"f,omitempty"`
	From  int64  `json:"t,omitempty"`
}

func (c cursorToken) filter() *store.Filter {
	if c.Field == "" {
		return nil
	}
	return &store.Filter{TimestampField: c.Field, From: time.Unix(0, c.From).UTC()}
}

func encodeCursor(c cursorToken) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursorToken, error) {
	var c cursorToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		d := json.NewDecoder(bytes.NewReader(b))
		d.UseNumber()
		err = d.Decode(&c)
	}
	if err != nil || c.PIT == "" {
		return c, fmt.Errorf("%w: malformed cursor", store.ErrCursorExpired)
	}
	return c, nil
}

func (s *Store) keepAlive() string {
	return fmt.Sprintf("%ds", int(s.opts.KeepAlive/time.Second))
}

// ScrollOpen opens a point-in-time over index and returns the first page.
func (s *Store) ScrollOpen(ctx context.Context, index string, filter *store.Filter, size int) (*store.Page, error) {
	if size <= 0 {
		return nil, fmt.Errorf("elastic: scroll size must be positive, got %d", size)
	}
	var resp struct {
		ID string `json:"id"`
	}
	req := esapi.OpenPointInTimeRequest{Index: []string{index}, KeepAlive: s.keepAlive()}
	if _, err := s.do(ctx, req, &resp); err != nil {
		return nil, err
	}

	tok := cursorToken{PIT: resp.ID, Size: size}
	if filter != nil && filter.TimestampField != "" {
		tok.Field = filter.TimestampField
		tok.From = filter.From.UnixNano()
	}
	return s.search(ctx, tok)
}

// ScrollNext returns the page after the position in cursor.
func (s *Store) ScrollNext(ctx context.Context, cursor string) (*store.Page, error) {
	tok, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	return s.search(ctx, tok)
}

// ScrollClose releases the point-in-time. Already expired ones are ignored.
func (s *Store) ScrollClose(ctx context.Context, cursor string) error {
	tok, err := decodeCursor(cursor)
	if err != nil {
		return nil
	}
	r, err := body(map[string]string{"id": tok.PIT})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, esapi.ClosePointInTimeRequest{Body: r}, nil)
	if err != nil && !errors.Is(err, store.ErrIndexNotFound) && !errors.Is(err, store.ErrCursorExpired) {
		return err
	}
	return nil
}

func (s *Store) search(ctx context.Context, tok cursorToken) (*store.Page, error) {
	q := query(tok.filter())
	if q == nil {
		q = map[string]any{"match_all": map[string]any{}}
	}
	req := map[string]any{
		"size":    tok.Size,
		"query":   q,
		"version": true,
		"pit":     map[string]string{"id": tok.PIT, "keep_alive": s.keepAlive()},
		"sort":    []map[string]string{{"_shard_doc": "asc"}},
	}
	if len(tok.After) > 0 {
		req["search_after"] = tok.After
	}
	r, err := body(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		PitID string `json:"pit_id"`
		Hits  struct {
			Hits []struct {
				ID      string         `json:"_id"`
				Version int64          `json:"_version"`
				Routing string         `json:"_routing"`
				Source  map[string]any `json:"_source"`
				Sort    []any          `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if _, err := s.do(ctx, esapi.SearchRequest{Body: r}, &resp); err != nil {
		if errors.Is(err, store.ErrIndexNotFound) {
			return nil, fmt.Errorf("%w: %v", store.ErrCursorExpired, err)
		}
		return nil, err
	}

	next := tok
	if resp.PitID != "" {
		next.PIT = resp.PitID
	}
	page := &store.Page{Docs: make([]store.Document, 0, len(resp.Hits.Hits))}
	for _, h := range resp.Hits.Hits {
		doc := fromSource(h.ID, h.Source)
		doc.Version = h.Version
		if doc.Parent == "" {
			doc.Parent = h.Routing
		}
		page.Docs = append(page.Docs, doc)
		next.After = h.Sort
	}
	page.Cursor = encodeCursor(next)
	return page, nil
}
