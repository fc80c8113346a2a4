package middleware

import (
	"context"
	"errors"
	"time"

	"mailpilot/utils"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// UserRateLimiter allows max requests per user and route every window.
// A nil storage keeps counters in process memory.
func UserRateLimiter(max int, window time.Duration, storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			user := CurrentUser(c)
			if user == nil {
				return "rl:ip:" + c.IP() + ":" + c.Route().Path
			}
			return utils.GenerateRateLimitKey(user.ID, c.Params("id"), c.Route().Path)
		},
		LimitReached: func(c *fiber.Ctx) error {
			fields := map[string]interface{}{
				"endpoint":   c.Path(),
				"ip":         c.IP(),
				"user_agent": c.Get("User-Agent"),
			}
			if user := CurrentUser(c); user != nil {
				fields["user_id"] = user.ID
			}
			utils.LogEvent("rate_limit_hit", fields)

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"message":     "Too many requests. Please wait before trying again.",
				"retry_after": window.String(),
			})
		},
		Storage: storage,
	})
}

// RedisStorage implements fiber.Storage on a shared Redis client
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	if key == "" || len(val) == 0 {
		return nil
	}
	return r.client.Set(context.Background(), r.prefix+key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), r.prefix+key).Err()
}

// Reset removes only keys under the prefix; the client is shared with the queue
func (r *RedisStorage) Reset() error {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close is a no-op; the owner of the client closes it
func (r *RedisStorage) Close() error {
	return nil
}
