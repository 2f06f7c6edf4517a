package suggest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/DuvanRCuero/SmartFlow-Ai/utils"
)

// Claims is the per-task mutual-exclusion token behind the at-most-one
// in-flight generation guarantee. Acquire returns false when another owner
// holds the claim; a claim expires after ttl so a crashed owner cannot wedge
// a task forever.
type Claims interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// LocalClaims keeps claims in process memory. Used by tests and single-node
// deployments without redis.
type LocalClaims struct {
	mu    sync.Mutex
	clock utils.Clock
	held  map[string]localClaim
}

type localClaim struct {
	owner   string
	expires time.Time
}

func NewLocalClaims(clock utils.Clock) *LocalClaims {
	return &LocalClaims{clock: clock, held: make(map[string]localClaim)}
}

func (c *LocalClaims) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if cur, ok := c.held[key]; ok && cur.expires.After(now) && cur.owner != owner {
		return false, nil
	}
	c.held[key] = localClaim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (c *LocalClaims) Release(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.held[key]; ok && cur.owner == owner {
		delete(c.held, key)
	}
	return nil
}

// RedisClaims holds claims in redis so the guarantee spans engine instances.
type RedisClaims struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisClaims(rdb *redis.Client) *RedisClaims {
	return &RedisClaims{rdb: rdb, prefix: "smartflow:claim:"}
}

func (c *RedisClaims) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim acquire: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the claim only when the caller still owns it, so an
// expired-and-reacquired claim is never released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (c *RedisClaims) Release(ctx context.Context, key, owner string) error {
	err := releaseScript.Run(ctx, c.rdb, []string{c.prefix + key}, owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("claim release: %w", err)
	}
	return nil
}
