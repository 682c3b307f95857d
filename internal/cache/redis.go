package cache

import (
	"context"
	"errors"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared by every process pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps client. Keys are stored as prefix+key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("redis", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ikerrors.NewCacheError("redis get "+key, err)
	}
	observe("redis", true)
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return ikerrors.NewCacheError("redis set "+key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return ikerrors.NewCacheError("redis del "+key, err)
	}
	return nil
}
