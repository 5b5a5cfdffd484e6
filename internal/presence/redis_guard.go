package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "voice:conn:"

// Scripts run the compare step server-side so two instances racing on the
// same user cannot stomp each other's claim.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisGuard implements Guard on a shared Redis.
type RedisGuard struct {
	rdb *redis.Client
}

func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb}
}

func (g *RedisGuard) Acquire(ctx context.Context, userID, instanceID string, ttl time.Duration) (bool, string, error) {
	key := keyPrefix + userID
	ok, err := g.rdb.SetNX(ctx, key, instanceID, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	prev, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Claim expired between SetNX and Get; retry once.
		ok, err = g.rdb.SetNX(ctx, key, instanceID, ttl).Result()
		return ok, "", err
	}
	if err != nil {
		return false, "", err
	}
	if prev == instanceID {
		return true, prev, g.rdb.PExpire(ctx, key, ttl).Err()
	}
	return false, prev, nil
}

func (g *RedisGuard) Refresh(ctx context.Context, userID, instanceID string, ttl time.Duration) error {
	return refreshScript.Run(ctx, g.rdb, []string{keyPrefix + userID}, instanceID, ttl.Milliseconds()).Err()
}

func (g *RedisGuard) Release(ctx context.Context, userID, instanceID string) error {
	return releaseScript.Run(ctx, g.rdb, []string{keyPrefix + userID}, instanceID).Err()
}
