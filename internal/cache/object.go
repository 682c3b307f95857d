package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/storage"
	"github.com/golang/snappy"
)

// envelope is the stored form of an object cache entry.
type envelope struct {
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nanos, 0 = never
	Value     []byte `json:"value"`
}

// Object is a Cache kept in object storage (local directory or S3 bucket).
// Each entry is a snappy-compressed JSON envelope; expiry is checked on read.
type Object struct {
	storage storage.ObjectStorage
	prefix  string
	now     func() time.Time
}

// NewObject stores entries under prefix in st.
func NewObject(st storage.ObjectStorage, prefix string) *Object {
	return &Object{storage: st, prefix: prefix, now: time.Now}
}

func (o *Object) path(key string) string {
	return o.prefix + url.PathEscape(key)
}

func (o *Object) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := o.storage.Get(ctx, o.path(key))
	if errors.Is(err, storage.ErrObjectNotFound) {
		observe("object", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ikerrors.NewCacheError("object get "+key, err)
	}

	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, false, ikerrors.NewCacheError("object decode "+key, err)
	}
	var env envelope
	if err := json.Unmarshal(decoded, &env); err != nil {
		return nil, false, ikerrors.NewCacheError("object decode "+key, err)
	}

	if env.ExpiresAt != 0 && o.now().UnixNano() >= env.ExpiresAt {
		observe("object", false)
		_ = o.storage.Delete(ctx, o.path(key))
		return nil, false, nil
	}
	observe("object", true)
	return env.Value, true, nil
}

func (o *Object) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = o.now().Add(ttl).UnixNano()
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return ikerrors.NewCacheError("object encode "+key, err)
	}
	if err := o.storage.Put(ctx, o.path(key), snappy.Encode(nil, encoded)); err != nil {
		return ikerrors.NewCacheError("object put "+key, err)
	}
	return nil
}

func (o *Object) Remove(ctx context.Context, key string) error {
	if err := o.storage.Delete(ctx, o.path(key)); err != nil {
		return ikerrors.NewCacheError("object delete "+key, err)
	}
	return nil
}
