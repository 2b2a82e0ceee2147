package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as SET NX PX keys.
type Redis struct {
	client *redis.Client
	prefix string
	owner  string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "pvp:lock:"
	}
	return &Redis{client: client, prefix: prefix, owner: Owner()}
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+name, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (r *Redis) Unlock(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + name}, r.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
