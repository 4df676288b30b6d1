package middleware

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity resolves who the caller is for quota accounting and ownership.
// A valid bearer token yields the authenticated user ID; anything else
// falls back to the client IP so anonymous traffic is still accounted
// per caller rather than pooled into one shared bucket.
func Identity() fiber.Handler {
	secret := os.Getenv("JWT_SECRET")

	return func(c *fiber.Ctx) error {
		c.Locals("user_role", "user")

		token := extractBearer(c.Get("Authorization"))
		if token == "" || secret == "" {
			c.Locals("user_id", "")
			c.Locals("identity", "ip:"+c.IP())
			return c.Next()
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			slog.Debug("Token validation failed, continuing as anonymous", "error", err)
			c.Locals("user_id", "")
			c.Locals("identity", "ip:"+c.IP())
			return c.Next()
		}

		userID, _ := claims["sub"].(string)
		if userID == "" {
			userID, _ = claims["user_id"].(string)
		}
		if role, ok := claims["role"].(string); ok && role != "" {
			c.Locals("user_role", role)
		}

		if userID == "" {
			c.Locals("user_id", "")
			c.Locals("identity", "ip:"+c.IP())
			return c.Next()
		}

		c.Locals("user_id", userID)
		c.Locals("identity", "user:"+userID)
		return c.Next()
	}
}

// CallerIdentity returns the quota identity set by Identity
func CallerIdentity(c *fiber.Ctx) string {
	if identity, ok := c.Locals("identity").(string); ok && identity != "" {
		return identity
	}
	return "ip:" + c.IP()
}

// CallerUserID returns the authenticated user ID, or "" for anonymous callers
func CallerUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

// RequireAdmin rejects callers who neither carry the admin role nor
// appear in the configured admin allowlist
func RequireAdmin(adminUserIDs []string) fiber.Handler {
	allowed := make(map[string]struct{}, len(adminUserIDs))
	for _, id := range adminUserIDs {
		if id != "" {
			allowed[id] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("user_role").(string)
		_, listed := allowed[CallerUserID(c)]
		if role != "admin" && !listed {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Admin access required",
			})
		}
		return c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
