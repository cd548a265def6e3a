package syncloop

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// leaseTTL bounds how long a held lease survives a crashed holder.
const leaseTTL = 90 * time.Second

// RedisLease backs the sync loop's "one tick across replicas" guarantee
// with a SETNX-style leader lock, renewed on every successful acquire.
type RedisLease struct {
	client     *redis.Client
	key        string
	instanceID string
}

// NewRedisLease connects to addr and returns a Lease keyed by key. The
// connection is checked eagerly so misconfiguration fails at startup
// rather than on the first tick.
func NewRedisLease(addr, password string, db int, key string) (*RedisLease, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("syncloop: redis lease connection failed: %w", err)
	}
	if key == "" {
		key = "broker:syncloop:leader"
	}
	return &RedisLease{client: client, key: key, instanceID: uuid.NewString()}, nil
}

// Close releases the underlying Redis connection.
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// TryAcquire claims or renews the lease. SetNX establishes ownership;
// a holder that already owns the key extends its TTL via the Lua
// script below so a live leader never loses the lock to its own clock.
func (l *RedisLease) TryAcquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, leaseTTL).Result()
	if err != nil {
		return false
	}
	if ok {
		return true
	}

	renewed, err := renewIfOwnerScript.Run(ctx, l.client, []string{l.key}, l.instanceID, leaseTTL.Milliseconds()).Result()
	if err != nil {
		return false
	}
	held, _ := renewed.(int64)
	return held == 1
}

// renewIfOwnerScript extends the lease TTL only if this instance still
// holds it, avoiding a renew race against a different holder that
// acquired the key after this one's lease expired.
var renewIfOwnerScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
