package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"outcraftly/middleware"
	"outcraftly/routes"
	"outcraftly/worker"
)

func serveCmd(configPath *string) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the background passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			app := fiber.New(fiber.Config{DisableStartupMessage: true})
			app.Use(middleware.CORS())
			routes.SetupRoutes(app, rt.db, rt.cfg, rt.services)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if !noWorkers {
				runner := worker.NewRunner(rt.services.Dispatcher, rt.services.Detector, rt.services.Cleaner, worker.RunnerConfig{
					DispatchInterval: rt.cfg.Engine.DispatchInterval,
					ReplyInterval:    rt.cfg.Engine.ReplyInterval,
					CleanupInterval:  rt.cfg.Engine.CleanupInterval,
					DispatchLimit:    rt.cfg.Engine.DispatchLimit,
				}, rt.services.Hub, rt.services.Logger)
				go runner.Start(ctx)
			}

			go func() {
				if err := app.Listen(":" + rt.cfg.ServerPort); err != nil {
					logrus.WithError(err).Fatal("Failed to start server")
				}
			}()

			logrus.WithFields(logrus.Fields{
				"version": version,
				"port":    rt.cfg.ServerPort,
				"workers": !noWorkers,
				"driver":  rt.cfg.Database.Driver,
			}).Info("Server started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logrus.Info("Shutting down")
			cancel()
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				logrus.WithError(err).Error("Server shutdown error")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve HTTP only, without the periodic passes")
	return cmd
}
