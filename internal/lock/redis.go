package lock

import (
	"context"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker for deployments running several maintenance processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedis creates a locker storing keys under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, owner: newOwner()}
}

func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, r.owner, ttl).Result()
	if err != nil {
		return false, ikerrors.NewQueueError(ikerrors.CodeLockFailed, "failed to acquire lock "+key, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, r.owner).Err(); err != nil && err != redis.Nil {
		return ikerrors.NewQueueError(ikerrors.CodeLockFailed, "failed to release lock "+key, err)
	}
	return nil
}
