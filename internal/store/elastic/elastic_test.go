package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   string
}

// fakeTransport answers requests from a handler and records them.
type fakeTransport struct {
	handler  func(r recorded) (int, string)
	requests []recorded
}

func (f *fakeTransport) Perform(req *http.Request) (*http.Response, error) {
	rec := recorded{method: req.Method, path: req.URL.Path}
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		rec.body = string(b)
	}
	f.requests = append(f.requests, rec)
	status, body := f.handler(rec)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func TestStore_ErrorMapping(t *testing.T) {
	ft := &fakeTransport{handler: func(r recorded) (int, string) {
		switch {
		case r.method == http.MethodPut && r.path == "/logs-v1":
			return 400, `{"error":{"type":"resource_already_exists_exception","reason":"index [logs-v1] already exists"},"status":400}`
		case r.method == http.MethodHead && r.path == "/logs-v1":
			return 404, ``
		case r.method == http.MethodDelete:
			return 404, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`
		case r.path == "/_aliases":
			return 404, `{"error":{"type":"aliases_not_found_exception","reason":"aliases [x] missing"},"status":404}`
		}
		return 500, `{"error":{"type":"internal","reason":"boom"}}`
	}}
	s := New(ft, Options{})
	ctx := context.Background()

	err := s.CreateIndex(ctx, "logs-v1", store.Definition{})
	assert.ErrorIs(t, err, store.ErrIndexExists)

	ok, err := s.IndexExists(ctx, "logs-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteIndex(ctx, "logs-v1"), store.ErrIndexNotFound)
	assert.ErrorIs(t, store.RemoveAlias(ctx, s, "x", "logs-v1"), store.ErrAliasNotFound)
}

func TestStore_CreateIndexBody(t *testing.T) {
	ft := &fakeTransport{handler: func(r recorded) (int, string) {
		return 200, `{"acknowledged":true}`
	}}
	s := New(ft, Options{})

	err := s.CreateIndex(context.Background(), "emp-v2", store.Definition{
		Mappings: map[string]map[string]any{
			"employee": {"properties": map[string]any{"name": map[string]any{"type": "keyword"}}},
			"address":  {"properties": map[string]any{"city": map[string]any{"type": "text"}}},
		},
		Aliases: []string{"emp"},
	})
	require.NoError(t, err)
	require.Len(t, ft.requests, 1)

	var sent struct {
		Mappings struct {
			Properties map[string]any `json:"properties"`
		} `json:"mappings"`
		Aliases map[string]any `json:"aliases"`
	}
	require.NoError(t, json.Unmarshal([]byte(ft.requests[0].body), &sent))
	assert.Contains(t, sent.Mappings.Properties, "name")
	assert.Contains(t, sent.Mappings.Properties, "city")
	assert.Contains(t, sent.Mappings.Properties, TypeField)
	assert.Contains(t, sent.Aliases, "emp")
}

func TestStore_BulkWriteResults(t *testing.T) {
	ft := &fakeTransport{handler: func(r recorded) (int, string) {
		return 200, `{"errors":true,"items":[
			{"index":{"_id":"1","status":201}},
			{"index":{"_id":"2","status":409,"error":{"type":"version_conflict_engine_exception","reason":"newer"}}},
			{"index":{"_id":"3","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}
		]}`
	}}
	s := New(ft, Options{})

	results, err := s.BulkWrite(context.Background(), "dst-v2", []store.Document{
		{ID: "1", Version: 3, Type: "employee", Source: map[string]any{"a": 1}},
		{ID: "2", Version: 1, Source: map[string]any{"a": 2}},
		{ID: "3", Parent: "p1", Source: map[string]any{"a": 3}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, results[1].Conflict)
	assert.True(t, results[1].OK())
	assert.False(t, results[2].OK())

	lines := strings.Split(strings.TrimSpace(ft.requests[0].body), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], `"version_type":"external"`)
	assert.Contains(t, lines[1], `"@type":"employee"`)
	assert.NotContains(t, lines[4], "version_type")
	assert.Contains(t, lines[4], `"routing":"p1"`)
}

func TestStore_CursorCarriesSearchAfter(t *testing.T) {
	searches := 0
	ft := &fakeTransport{handler: func(r recorded) (int, string) {
		switch {
		case strings.HasSuffix(r.path, "/_pit"):
			return 200, `{"id":"pit-1"}`
		case r.path == "/_search":
			searches++
			if searches == 1 {
				return 200, `{"pit_id":"pit-2","hits":{"hits":[
					{"_id":"a","_version":2,"_source":{"x":1,"@type":"employee"},"sort":[7]},
					{"_id":"b","_version":1,"_routing":"p9","_source":{"x":2},"sort":[8]}]}}`
			}
			return 404, `{"error":{"type":"search_context_missing_exception","reason":"No search context found"},"status":404}`
		}
		return 200, `{}`
	}}
	s := New(ft, Options{KeepAlive: time.Minute})
	ctx := context.Background()

	from := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	page, err := s.ScrollOpen(ctx, "src-v1", &store.Filter{TimestampField: "updated", From: from}, 2)
	require.NoError(t, err)
	require.Len(t, page.Docs, 2)
	assert.Equal(t, "employee", page.Docs[0].Type)
	assert.NotContains(t, page.Docs[0].Source, TypeField)
	assert.Equal(t, int64(2), page.Docs[0].Version)
	assert.Equal(t, "p9", page.Docs[1].Parent)

	search := ft.requests[1].body
	assert.Contains(t, search, `"keep_alive":"60s"`)
	assert.Contains(t, search, `"updated"`)

	tok, err := decodeCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, "pit-2", tok.PIT)
	assert.Len(t, tok.After, 1)
	assert.Equal(t, "updated", tok.filter().TimestampField)

	_, err = s.ScrollNext(ctx, page.Cursor)
	assert.ErrorIs(t, err, store.ErrCursorExpired)
	assert.Contains(t, ft.requests[2].body, `"search_after":[7]`)

	_, err = s.ScrollNext(ctx, "not-a-cursor")
	assert.ErrorIs(t, err, store.ErrCursorExpired)
	assert.NoError(t, s.ScrollClose(ctx, page.Cursor))
}

func TestStore_GetDocument(t *testing.T) {
	ft := &fakeTransport{handler: func(r recorded) (int, string) {
		if strings.HasSuffix(r.path, "/missing") {
			return 404, `{"_index":"e-v1","_id":"missing","found":false}`
		}
		if strings.HasPrefix(r.path, "/gone") {
			return 404, `{"error":{"type":"index_not_found_exception","reason":"no such index [gone]"},"status":404}`
		}
		return 200, `{"_index":"e-v1","_id":"1","_version":4,"found":true,"_source":{"n":1,"@parent":"p"}}`
	}}
	s := New(ft, Options{})
	ctx := context.Background()

	doc, err := s.GetDocument(ctx, "e-v1", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, "p", doc.Parent)

	_, err = s.GetDocument(ctx, "e-v1", "missing")
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)

	_, err = s.GetDocument(ctx, "gone", "1")
	assert.ErrorIs(t, err, store.ErrIndexNotFound)
}
