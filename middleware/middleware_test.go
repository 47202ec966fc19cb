package middleware

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/utils"
)

func scopeApp(h fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(h)
	app.Get("/", func(c *fiber.Ctx) error {
		if team := TeamScope(c); team != nil {
			return c.SendString(fmt.Sprintf("team:%d", *team))
		}
		return c.SendString("all")
	})
	return app
}

func TestTriggerAuth(t *testing.T) {
	app := scopeApp(TriggerAuth(TriggerAuthConfig{Secret: "cron-secret", JWTSecret: "jwt-secret"}))
	team := uint(7)
	token, err := utils.GenerateTriggerToken("jwt-secret", &team, time.Hour, time.Now())
	require.NoError(t, err)
	expired, err := utils.GenerateTriggerToken("jwt-secret", &team, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	cases := []struct {
		name   string
		target string
		header map[string]string
		status int
		body   string
	}{
		{"missing", "/", nil, fiber.StatusUnauthorized, ""},
		{"static bearer", "/", map[string]string{"Authorization": "Bearer cron-secret"}, fiber.StatusOK, "all"},
		{"static header", "/", map[string]string{"X-Trigger-Secret": "cron-secret"}, fiber.StatusOK, "all"},
		{"scoped jwt", "/", map[string]string{"Authorization": "Bearer " + token}, fiber.StatusOK, "team:7"},
		{"query token", "/?token=" + token, nil, fiber.StatusOK, "team:7"},
		{"expired jwt", "/", map[string]string{"Authorization": "Bearer " + expired}, fiber.StatusUnauthorized, ""},
		{"wrong secret", "/", map[string]string{"Authorization": "Bearer nope"}, fiber.StatusUnauthorized, ""},
		{"bad scheme", "/", map[string]string{"Authorization": "Basic cron-secret"}, fiber.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.body != "" {
				raw, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tc.body, string(raw))
			}
		})
	}
}

func TestTriggerAuth_DisabledWithoutSecrets(t *testing.T) {
	app := scopeApp(TriggerAuth(TriggerAuthConfig{}))
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestEventRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Use(EventRateLimiter(2, nil))
	app.Post("/events", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })

	var codes []int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/events", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusAccepted, fiber.StatusAccepted, fiber.StatusTooManyRequests}, codes)
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(fiber.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.test")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
