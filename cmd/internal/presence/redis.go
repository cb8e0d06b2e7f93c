package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSetPrefix  = "presence:scope:"
	redisLivePrefix = "presence:live:"
	redisScopesKey  = "presence:scopes"
)

// RedisStore is a Store backed by Redis, for deployments where presence is
// shared across processes.
//
// Key shape:
//
//	presence:scope:{scope}        set of online user IDs (no TTL; stale
//	                              members are filtered and pruned on read)
//	presence:live:{scope}:{user}  liveness marker with TTL
//	presence:scopes               set of known scope names
//
// Set add/remove are atomic server-side, so concurrent writers merge
// rather than overwrite.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore constructs a Redis-backed presence store. The caller owns
// the client lifecycle.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Add inserts userID into scope's set and stamps its liveness key.
func (s *RedisStore) Add(ctx context.Context, scope, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, redisSetPrefix+scope, userID)
	pipe.SAdd(ctx, redisScopesKey, scope)
	pipe.Set(ctx, liveKey(scope, userID), "1", s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes userID from scope's set and its liveness key.
func (s *RedisStore) Remove(ctx context.Context, scope, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, redisSetPrefix+scope, userID)
	pipe.Del(ctx, liveKey(scope, userID))
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh re-arms the liveness TTL. Re-adding the set member keeps the set
// convergent when a refresh races a remove from another process.
func (s *RedisStore) Refresh(ctx context.Context, scope, userID string) error {
	return s.Add(ctx, scope, userID)
}

// Members returns scope members whose liveness key is still alive, pruning
// stale set entries as it goes.
func (s *RedisStore) Members(ctx context.Context, scope string) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, redisSetPrefix+scope).Result()
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(users))
	for _, uid := range users {
		n, err := s.rdb.Exists(ctx, liveKey(scope, uid)).Result()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			out = append(out, uid)
			continue
		}
		// Stale: TTL lapsed but the set member survived.
		_ = s.rdb.SRem(ctx, redisSetPrefix+scope, uid).Err()
	}
	return out, nil
}

// Scopes lists every known scope.
func (s *RedisStore) Scopes(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, redisScopesKey).Result()
}

func liveKey(scope, userID string) string {
	return redisLivePrefix + scope + ":" + userID
}
