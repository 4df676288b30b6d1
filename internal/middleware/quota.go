package middleware

import (
	"log/slog"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"pulsecrm/internal/metrics"
	"pulsecrm/internal/quota"
)

// Quota gates a route group behind one operation class. Denials carry
// retry_after in seconds so well-behaved clients can back off instead
// of hammering the window.
func Quota(guard *quota.Guard, class quota.Class, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		decision := guard.Admit(c.UserContext(), CallerIdentity(c), class)
		if decision.Allowed {
			return c.Next()
		}

		if m != nil {
			m.QuotaDenials.WithLabelValues(string(class)).Inc()
		}
		slog.Warn("Quota denied",
			"class", class,
			"identity", CallerIdentity(c),
			"path", c.Path(),
		)

		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set("Retry-After", strconv.Itoa(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success":     false,
			"message":     decision.Reason,
			"retry_after": retryAfter,
		})
	}
}
