package middleware

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// GlobalLimit is the coarse per-IP ceiling applied before identity
// resolution and quota classes. It only exists to shed floods; the
// quota guard does the per-class accounting.
type GlobalLimit struct {
	Max        int
	Expiration time.Duration
}

// LoadGlobalLimit reads the outer limit from the environment with
// production-safe defaults
func LoadGlobalLimit() GlobalLimit {
	limit := GlobalLimit{Max: 200, Expiration: 1 * time.Minute}

	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit.Max = n
		}
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		limit.Max = 1000
		slog.Info("Development mode: using relaxed global rate limit", "max", limit.Max)
	}

	return limit
}

// GlobalRateLimiter creates the outer per-IP limiter for all API requests
func GlobalRateLimiter(limit GlobalLimit) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        limit.Max,
		Expiration: limit.Expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			slog.Warn("Global rate limit reached", "ip", c.IP(), "path", c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(limit.Expiration.Seconds()),
			})
		},
	})
}
