// Package elastic implements store.Store against Elasticsearch 7.x.
//
// Cursors are point-in-time searches paged with search_after; the token
// carries the PIT id and the sort values of the last hit, so re-reading a
// token returns the same page. Document type and parent are kept in the
// reserved source fields TypeField and ParentField, and parent is also used
// as the routing key.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arkilian/indexkeeper/internal/store"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
)

const (
	// TypeField holds the document type inside _source.
	TypeField = store.TypeField
	// ParentField holds the parent id inside _source.
	ParentField = store.ParentField
)

// Options configures the adapter.
type Options struct {
	// KeepAlive is the point-in-time keep-alive (default: 5m).
	KeepAlive time.Duration
	// Refresh is passed to write requests ("true", "false", "wait_for").
	Refresh string
}

// Store implements store.Store over an Elasticsearch transport.
type Store struct {
	transport esapi.Transport
	opts      Options
}

var _ store.Store = (*Store)(nil)

// New creates a store over transport. *elasticsearch.Client satisfies esapi.Transport.
func New(transport esapi.Transport, opts Options) *Store {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 5 * time.Minute
	}
	if opts.Refresh == "" {
		opts.Refresh = "wait_for"
	}
	return &Store{transport: transport, opts: opts}
}

// Dial creates a client for addresses and wraps it.
func Dial(addresses []string, username, password string, opts Options) (*Store, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: failed to create client: %w", err)
	}
	return New(client, opts), nil
}

// esError is the error envelope returned by Elasticsearch.
type esError struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// do executes req and decodes a 2xx body into out (when non-nil). Error
// responses are mapped onto the store sentinels where one applies.
func (s *Store) do(ctx context.Context, req esapi.Request, out any) (int, error) {
	res, err := req.Do(ctx, s.transport)
	if err != nil {
		return 0, fmt.Errorf("elastic: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return res.StatusCode, mapError(res.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("elastic: failed to decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func mapError(status int, body []byte) error {
	var e esError
	_ = json.Unmarshal(body, &e)
	reason := e.Error.Reason
	if reason == "" {
		reason = strings.TrimSpace(string(body))
	}

	switch e.Error.Type {
	case "resource_already_exists_exception":
		return fmt.Errorf("%w: %s", store.ErrIndexExists, reason)
	case "index_not_found_exception":
		return fmt.Errorf("%w: %s", store.ErrIndexNotFound, reason)
	case "aliases_not_found_exception":
		return fmt.Errorf("%w: %s", store.ErrAliasNotFound, reason)
	case "search_context_missing_exception":
		return fmt.Errorf("%w: %s", store.ErrCursorExpired, reason)
	case "version_conflict_engine_exception":
		return fmt.Errorf("%w: %s", store.ErrVersionConflict, reason)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", store.ErrIndexNotFound, reason)
	}
	return fmt.Errorf("elastic: status %d: %s: %s", status, e.Error.Type, reason)
}

func body(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("elastic: failed to encode request: %w", err)
	}
	return bytes.NewReader(b), nil
}

// IndexExists reports whether a physical index exists.
func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	status, err := s.do(ctx, esapi.IndicesExistsRequest{Index: []string{name}}, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

// CreateIndex creates name with mappings and aliases. Mappings of several
// document types are merged into a single typeless mapping.
func (s *Store) CreateIndex(ctx context.Context, name string, def store.Definition) error {
	properties := map[string]any{
		TypeField:   map[string]any{"type": "keyword"},
		ParentField: map[string]any{"type": "keyword"},
	}
	types := make([]string, 0, len(def.Mappings))
	for t := range def.Mappings {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if props, ok := def.Mappings[t]["properties"].(map[string]any); ok {
			for field, m := range props {
				properties[field] = m
			}
		}
	}

	aliases := make(map[string]any, len(def.Aliases))
	for _, a := range def.Aliases {
		aliases[a] = map[string]any{}
	}
	r, err := body(map[string]any{
		"mappings": map[string]any{"properties": properties},
		"aliases":  aliases,
	})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, esapi.IndicesCreateRequest{Index: name, Body: r}, nil)
	return err
}

// DeleteIndex removes name.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	_, err := s.do(ctx, esapi.IndicesDeleteRequest{Index: []string{name}}, nil)
	return err
}

// AliasExists reports whether alias points at any index.
func (s *Store) AliasExists(ctx context.Context, alias string) (bool, error) {
	status, err := s.do(ctx, esapi.IndicesExistsAliasRequest{Name: []string{alias}}, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

type aliasListing map[string]struct {
	Aliases map[string]json.RawMessage `json:"aliases"`
}

// GetAliasTargets returns the indices alias points at.
func (s *Store) GetAliasTargets(ctx context.Context, alias string) ([]string, error) {
	var listing aliasListing
	status, err := s.do(ctx, esapi.IndicesGetAliasRequest{Name: []string{alias}}, &listing)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(listing))
	for index := range listing {
		targets = append(targets, index)
	}
	sort.Strings(targets)
	return targets, nil
}

// UpdateAliases submits all actions in one _aliases request.
func (s *Store) UpdateAliases(ctx context.Context, actions []store.AliasAction) error {
	if len(actions) == 0 {
		return nil
	}
	list := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		list = append(list, map[string]any{
			string(a.Op): map[string]string{"index": a.Index, "alias": a.Alias},
		})
	}
	r, err := body(map[string]any{"actions": list})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, esapi.IndicesUpdateAliasesRequest{Body: r}, nil)
	return err
}

// ListIndices returns indices matching pattern with their aliases.
func (s *Store) ListIndices(ctx context.Context, pattern string) ([]store.IndexInfo, error) {
	var listing aliasListing
	status, err := s.do(ctx, esapi.IndicesGetAliasRequest{Index: []string{pattern}}, &listing)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	infos := make([]store.IndexInfo, 0, len(listing))
	for name, entry := range listing {
		if !store.Match(pattern, name) {
			continue
		}
		info := store.IndexInfo{Name: name}
		for a := range entry.Aliases {
			info.Aliases = append(info.Aliases, a)
		}
		sort.Strings(info.Aliases)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// BulkWrite sends docs in one _bulk request with external versioning.
func (s *Store) BulkWrite(ctx context.Context, index string, docs []store.Document) ([]store.BulkResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]any{"_index": index, "_id": d.ID}
		if d.Version > 0 {
			meta["version"] = d.Version
			meta["version_type"] = "external"
		}
		if d.Parent != "" {
			meta["routing"] = d.Parent
		}
		if err := enc.Encode(map[string]any{"index": meta}); err != nil {
			return nil, fmt.Errorf("elastic: failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(withMeta(d)); err != nil {
			return nil, fmt.Errorf("elastic: failed to encode document %s: %w", d.ID, err)
		}
	}

	var resp struct {
		Items []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if _, err := s.do(ctx, esapi.BulkRequest{Body: &buf, Refresh: s.opts.Refresh}, &resp); err != nil {
		return nil, err
	}

	results := make([]store.BulkResult, len(docs))
	for i := range docs {
		results[i].ID = docs[i].ID
		if i >= len(resp.Items) {
			results[i].Err = fmt.Errorf("elastic: missing bulk item for %s", docs[i].ID)
			continue
		}
		for _, item := range resp.Items[i] {
			if item.Error == nil {
				continue
			}
			if item.Status == http.StatusConflict {
				results[i].Conflict = true
				results[i].Err = fmt.Errorf("%w: %s", store.ErrVersionConflict, item.Error.Reason)
			} else {
				results[i].Err = fmt.Errorf("elastic: %s: %s", item.Error.Type, item.Error.Reason)
			}
		}
	}
	return results, nil
}

// IndexDocument writes a single document.
func (s *Store) IndexDocument(ctx context.Context, index string, doc store.Document) error {
	r, err := body(withMeta(doc))
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: doc.ID,
		Body:       r,
		Routing:    doc.Parent,
		Refresh:    s.opts.Refresh,
	}
	if doc.Version > 0 {
		v := int(doc.Version)
		req.Version = &v
		req.VersionType = "external"
	}
	_, err = s.do(ctx, req, nil)
	return err
}

// Count returns the number of documents matching filter.
func (s *Store) Count(ctx context.Context, index string, filter *store.Filter) (int64, error) {
	req := esapi.CountRequest{Index: []string{index}}
	if q := query(filter); q != nil {
		r, err := body(map[string]any{"query": q})
		if err != nil {
			return 0, err
		}
		req.Body = r
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	if _, err := s.do(ctx, req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, index, id string) (*store.Document, error) {
	res, err := esapi.GetRequest{Index: index, DocumentID: id}.Do(ctx, s.transport)
	if err != nil {
		return nil, fmt.Errorf("elastic: request failed: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("elastic: failed to read response: %w", err)
	}

	var resp struct {
		Found   bool            `json:"found"`
		Version int64           `json:"_version"`
		Source  map[string]any  `json:"_source"`
		Error   json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &resp)
	if res.IsError() && (res.StatusCode != http.StatusNotFound || len(resp.Error) > 0) {
		return nil, mapError(res.StatusCode, raw)
	}
	if !resp.Found {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrDocumentNotFound, index, id)
	}
	doc := fromSource(id, resp.Source)
	doc.Version = resp.Version
	return &doc, nil
}

func withMeta(d store.Document) map[string]any {
	src := make(map[string]any, len(d.Source)+2)
	for k, v := range d.Source {
		src[k] = v
	}
	if d.Type != "" {
		src[TypeField] = d.Type
	}
	if d.Parent != "" {
		src[ParentField] = d.Parent
	}
	return src
}

func fromSource(id string, src map[string]any) store.Document {
	doc := store.Document{ID: id, Source: src}
	if t, ok := src[TypeField].(string); ok {
		doc.Type = t
		delete(src, TypeField)
	}
	if p, ok := src[ParentField].(string); ok {
		doc.Parent = p
		delete(src, ParentField)
	}
	return doc
}

func query(filter *store.Filter) map[string]any {
	if filter == nil || filter.TimestampField == "" {
		return nil
	}
	return map[string]any{
		"range": map[string]any{
			filter.TimestampField: map[string]any{"gte": filter.From.UTC().Format(time.RFC3339Nano)},
		},
	}
}
