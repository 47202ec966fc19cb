package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outcraftly/config"
	controller "outcraftly/controllers"
	"outcraftly/middleware"
	"outcraftly/worker"
)

// Services are the engine components shared by the HTTP surface and the
// background runner.
type Services struct {
	Dispatcher *worker.Dispatcher
	Detector   *worker.ReplyDetector
	Reconciler *worker.Reconciler
	Cleaner    *worker.Cleaner
	Hub        *controller.ProgressHub
	Logger     logrus.FieldLogger
}

func SetupRoutes(app *fiber.App, db *gorm.DB, cfg *config.Config, svc Services) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	engineController := controller.NewEngineController(svc.Dispatcher, svc.Detector, svc.Reconciler, svc.Cleaner, svc.Hub, svc.Logger)
	sequenceController := controller.NewSequenceController(db, svc.Cleaner, svc.Logger)
	logController := controller.NewDeliveryLogController(db)
	trackingController := controller.NewTrackingController(db, cfg.EncryptionKey)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.TriggerAuth(middleware.TriggerAuthConfig{
		Secret:    cfg.TriggerSecret,
		JWTSecret: cfg.JWTSecret,
	}))

	// Engine passes
	api.Post("/dispatch/run", engineController.RunDispatch)
	api.Post("/replies/run", engineController.RunReplyDetection)
	api.Post("/cleanup/run", engineController.RunCleanup)
	api.Post("/events",
		middleware.EventRateLimiter(cfg.Engine.EventsPerMinute, middleware.NewRateLimitStorage(cfg.Redis)),
		engineController.IngestEvents,
	)

	sequences := api.Group("/sequences")
	sequences.Post("/:id/enrollments", sequenceController.Enroll)
	sequences.Delete("/:id", sequenceController.DeleteSequence)
	sequences.Get("/:id/summary", sequenceController.GetSummary)
	sequences.Get("/:id/steps/stats", sequenceController.GetStepStats)

	api.Get("/delivery-logs", logController.ListDeliveryLogs)

	// Pass results as they happen
	if svc.Hub != nil {
		api.Get("/ws/progress", svc.Hub.Upgrade, websocket.New(svc.Hub.Handle))
	}

	// Tracking links are embedded in mail and carry their own token
	app.Get("/track/open/:messageID/:token", trackingController.HandleOpen)
	app.Get("/track/click/:messageID/:token", trackingController.HandleClick)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Endpoint not found",
		})
	})
}
