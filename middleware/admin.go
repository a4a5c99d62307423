// middleware/admin.go
package middleware

import (
	"log"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminAuthMiddleware validates the service token on operational endpoints
// (stats, manual room eviction). Player traffic never passes through here.
func AdminAuthMiddleware() fiber.Handler {
	expectedToken := os.Getenv("ADMIN_SERVICE_TOKEN")
	if expectedToken == "" {
		log.Fatal("❌ ADMIN_SERVICE_TOKEN is not set — admin endpoints cannot authenticate")
	}

	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			log.Printf("🚫 [ADMIN_AUTH] Missing Authorization header for %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin token missing",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != expectedToken {
			log.Printf("❌ [ADMIN_AUTH] Invalid token for %s (got prefix: %.10s...)", c.Path(), token)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin token",
			})
		}

		return c.Next()
	}
}
