// README: Redis SET NX lock so only one instance runs a ride's matching session.
package ride

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ridehail/internal/types"
)

const sessionLockKey = "dispatch:ride:%s:session"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLock struct {
	redis *redis.Client
	owner string

	mu     sync.Mutex
	tokens map[types.ID]string
}

func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{redis: rdb, owner: uuid.NewString(), tokens: make(map[types.ID]string)}
}

func (l *RedisLock) TryLock(ctx context.Context, rideID types.ID, ttl time.Duration) (bool, error) {
	token := l.owner + ":" + uuid.NewString()
	ok, err := l.redis.SetNX(ctx, lockKey(rideID), token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.tokens[rideID] = token
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *RedisLock) Unlock(ctx context.Context, rideID types.ID) error {
	l.mu.Lock()
	token, ok := l.tokens[rideID]
	delete(l.tokens, rideID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.redis, []string{lockKey(rideID)}, token).Err()
}

func lockKey(rideID types.ID) string {
	return fmt.Sprintf(sessionLockKey, string(rideID))
}
