package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes a lock only while it still holds the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache holds short-lived locks in Redis so several API instances
// share them
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new Redis cache client
func NewRedisCache(redisURL string, log *logrus.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.WithField("component", "redis").Info("Redis connection established")
	return &RedisCache{client: client, prefix: "chapter_dues:"}, nil
}

func (c *RedisCache) lockKey(key string) string {
	return c.prefix + "lock:" + key
}

// Reserve takes the lock for key under a fresh token
func (c *RedisCache) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, c.lockKey(key), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Release drops the lock for key if token still owns it
func (c *RedisCache) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, c.client, []string{c.lockKey(key)}, token).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
