package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outcraftly/utils"
)

// TeamScopeKey is the Locals key holding the *uint team scope of a request.
// A nil scope grants access to every team.
const TeamScopeKey = "teamID"

type TriggerAuthConfig struct {
	// Secret is a static shared secret, typically used by cron.
	Secret string
	// JWTSecret verifies signed trigger tokens that may carry a team scope.
	JWTSecret string
}

// TriggerAuth guards the engine entry points. With neither secret
// configured every request is let through unscoped.
func TriggerAuth(cfg TriggerAuthConfig) fiber.Handler {
	if cfg.Secret == "" && cfg.JWTSecret == "" {
		logrus.Warn("Trigger authentication disabled: no trigger or JWT secret configured")
	}

	return func(c *fiber.Ctx) error {
		if cfg.Secret == "" && cfg.JWTSecret == "" {
			c.Locals(TeamScopeKey, (*uint)(nil))
			return c.Next()
		}

		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}

		if cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Secret)) == 1 {
			c.Locals(TeamScopeKey, (*uint)(nil))
			return c.Next()
		}

		if cfg.JWTSecret != "" {
			claims, err := utils.ParseTriggerToken(cfg.JWTSecret, token)
			if err == nil {
				c.Locals(TeamScopeKey, claims.TeamID)
				return c.Next()
			}
		}

		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}
}

// bearerToken reads the Authorization header, then X-Trigger-Secret, then
// the token query parameter used by websocket clients.
func bearerToken(c *fiber.Ctx) string {
	if header := c.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if secret := c.Get("X-Trigger-Secret"); secret != "" {
		return secret
	}
	return c.Query("token")
}

// TeamScope returns the team a request is limited to, or nil.
func TeamScope(c *fiber.Ctx) *uint {
	scope, _ := c.Locals(TeamScopeKey).(*uint)
	return scope
}
