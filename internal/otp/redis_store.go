package otp

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps challenges in Redis hashes with a TTL.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed challenge store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func codeKey(phone string) string     { return "otp:code:" + phone }
func cooldownKey(phone string) string { return "otp:cooldown:" + phone }

func (r *RedisStore) AcquireCooldown(ctx context.Context, phone string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, cooldownKey(phone), "1", ttl).Result()
}

func (r *RedisStore) Save(ctx context.Context, phone string, c Challenge, ttl time.Duration) error {
	key := codeKey(phone)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "user_id", c.UserID, "hash", c.CodeHash, "attempts", c.Attempts)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (r *RedisStore) Get(ctx context.Context, phone string) (*Challenge, error) {
	vals, err := r.rdb.HGetAll(ctx, codeKey(phone)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return nil, ErrNoCode
	}
	if err != nil {
		return nil, err
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	return &Challenge{UserID: vals["user_id"], CodeHash: vals["hash"], Attempts: attempts}, nil
}

// incrAttempts bumps the counter only on a live challenge, so an expired
// key is never recreated without a TTL.
var incrAttempts = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

func (r *RedisStore) IncrAttempts(ctx context.Context, phone string) (int, error) {
	n, err := incrAttempts.Run(ctx, r.rdb, []string{codeKey(phone)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNoCode
	}
	return n, nil
}

func (r *RedisStore) Delete(ctx context.Context, phone string) error {
	return r.rdb.Del(ctx, codeKey(phone)).Err()
}
