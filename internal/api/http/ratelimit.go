package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/product-service/internal/config"
	apperrors "github.com/spec-kit/product-service/pkg/util"
)

// atomic INCR plus expiry set on first hit in the window
var incrExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RateLimiter returns a fixed-window limiter keyed by client IP and path.
// It fails open: a nil client or a Redis error never blocks a request.
func RateLimiter(client *redis.Client, cfg config.RateLimitConfig) fiber.Handler {
	if client == nil || cfg.Max <= 0 || cfg.WindowSeconds <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		key := "rl:path:" + c.Path() + ":ip:" + c.IP()
		count, err := incrExpireScript.Run(c.Context(), client, []string{key}, cfg.Window().Milliseconds()).Int64()
		if err != nil {
			return c.Next()
		}
		if count > int64(cfg.Max) {
			return apperrors.NewTooManyRequests("Too many requests. Please try again later.")
		}
		return c.Next()
	}
}
