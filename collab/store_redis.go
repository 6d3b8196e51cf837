package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redis-backed shared store. Update is a WATCH/MULTI compare-and-swap
// with bounded retry, so two processes racing on the same key never
// interleave a read-modify-write.

const redisUpdateRetries = 16

type RedisStoreSettings struct {
	Addr      string
	Password  string
	Db        int
	KeyPrefix string
}

func DefaultRedisStoreSettings() *RedisStoreSettings {
	return &RedisStoreSettings{
		Addr:      "127.0.0.1:6379",
		KeyPrefix: "collab:",
	}
}

type RedisStore struct {
	client   *redis.Client
	settings *RedisStoreSettings
}

func NewRedisStoreWithDefaults() *RedisStore {
	return NewRedisStore(DefaultRedisStoreSettings())
}

func NewRedisStore(settings *RedisStoreSettings) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     settings.Addr,
		Password: settings.Password,
		DB:       settings.Db,
	})
	return &RedisStore{
		client:   client,
		settings: settings,
	}
}

func (self *RedisStore) key(key string) string {
	return self.settings.KeyPrefix + key
}

func redisExpiration(ttl time.Duration) time.Duration {
	switch ttl {
	case KeepTtl:
		return redis.KeepTTL
	case NoTtl:
		return 0
	default:
		return ttl
	}
}

func (self *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := self.client.Get(ctx, self.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (self *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return self.client.Set(ctx, self.key(key), value, redisExpiration(ttl)).Err()
}

func (self *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	expiration := redisExpiration(ttl)
	if expiration == redis.KeepTTL {
		// an absent key has no expiry to keep
		expiration = 0
	}
	return self.client.SetNX(ctx, self.key(key), value, expiration).Result()
}

func (self *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, mutate UpdateFunc) error {
	storeKey := self.key(key)

	txf := func(tx *redis.Tx) error {
		var current []byte
		value, err := tx.Get(ctx, storeKey).Bytes()
		if err == nil {
			current = value
		} else if err != redis.Nil {
			return err
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, storeKey)
			} else {
				pipe.Set(ctx, storeKey, next, redisExpiration(ttl))
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i += 1 {
		err := self.client.Watch(ctx, txf, storeKey)
		if err == redis.TxFailedErr {
			// another writer raced the key
			continue
		}
		return err
	}
	return fmt.Errorf("update reached max retries on %s", key)
}

func (self *RedisStore) Delete(ctx context.Context, key string) error {
	return self.client.Del(ctx, self.key(key)).Err()
}

func (self *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	return self.client.Incr(ctx, self.key(key)).Result()
}

func (self *RedisStore) SetAdd(ctx context.Context, key string, member string) error {
	return self.client.SAdd(ctx, self.key(key), member).Err()
}

func (self *RedisStore) SetRemove(ctx context.Context, key string, member string) error {
	return self.client.SRem(ctx, self.key(key), member).Err()
}

func (self *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return self.client.SMembers(ctx, self.key(key)).Result()
}

func (self *RedisStore) ListAppend(ctx context.Context, key string, value []byte) error {
	return self.client.RPush(ctx, self.key(key), value).Err()
}

func (self *RedisStore) ListRange(ctx context.Context, key string, start int64, stop int64) ([][]byte, error) {
	values, err := self.client.LRange(ctx, self.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(values))
	for _, value := range values {
		out = append(out, []byte(value))
	}
	return out, nil
}

func (self *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	return self.client.LLen(ctx, self.key(key)).Result()
}

func (self *RedisStore) Close() {
	self.client.Close()
}

// the gateway and daemon can share one client between the store and the
// broadcast fabric
func (self *RedisStore) Client() *redis.Client {
	return self.client
}
