package routes

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/config"
	controller "outcraftly/controllers"
	"outcraftly/testutil"
	"outcraftly/worker"
)

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	db := testutil.NewDB(t)
	reconciler := worker.NewReconciler(db, nil)

	cfg := &config.Config{TriggerSecret: "cron-secret"}
	cfg.Engine.EventsPerMinute = 1

	app := fiber.New()
	SetupRoutes(app, db, cfg, Services{
		Reconciler: reconciler,
		Cleaner:    worker.NewCleaner(db, nil),
		Hub:        controller.NewProgressHub(nil),
	})
	return app
}

func send(t *testing.T, app *fiber.App, method, target, body string, authorized bool) int {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if authorized {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer cron-secret")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestSetupRoutes(t *testing.T) {
	app := newApp(t)

	assert.Equal(t, fiber.StatusOK, send(t, app, fiber.MethodGet, "/health", "", false))
	assert.Equal(t, fiber.StatusNotFound, send(t, app, fiber.MethodGet, "/nope", "", false))

	assert.Equal(t, fiber.StatusUnauthorized, send(t, app, fiber.MethodGet, "/api/v1/delivery-logs", "", false))
	assert.Equal(t, fiber.StatusOK, send(t, app, fiber.MethodGet, "/api/v1/delivery-logs", "", true))

	assert.Equal(t, fiber.StatusUpgradeRequired, send(t, app, fiber.MethodGet, "/api/v1/ws/progress", "", true))

	// tracking links are public but signed
	assert.Equal(t, fiber.StatusBadRequest, send(t, app, fiber.MethodGet, "/track/open/abc@acme.test/bad", "", false))
}

func TestSetupRoutes_EventsAreRateLimited(t *testing.T) {
	app := newApp(t)
	body := `{"events":[{"type":"reply","message_id":"<a@acme.test>","occurred_at":"2026-03-02T10:00:00Z"}]}`

	assert.Equal(t, fiber.StatusOK, send(t, app, fiber.MethodPost, "/api/v1/events", body, true))
	assert.Equal(t, fiber.StatusTooManyRequests, send(t, app, fiber.MethodPost, "/api/v1/events", body, true))
}
