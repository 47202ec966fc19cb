package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"outcraftly/config"
	controller "outcraftly/controllers"
	"outcraftly/routes"
	"outcraftly/telemetry"
	"outcraftly/utils"
	"outcraftly/worker"
)

var version = "1.0.0"

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "outcraftly",
		Short:        "Outcraftly sequence delivery engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(dispatchCmd(&configPath))
	root.AddCommand(repliesCmd(&configPath))
	root.AddCommand(cleanupCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(tokenCmd(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

// runtime is everything a command needs after start-up.
type runtime struct {
	cfg      *config.Config
	db       *gorm.DB
	services routes.Services
	shutdown func()
}

// bootstrap loads configuration, then logging, error reporting, tracing and
// the database, and builds the engine services.
func bootstrap(configPath string) (*runtime, error) {
	if err := config.LoadConfig(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := &config.AppConfig

	if err := config.InitLogger(cfg.Log); err != nil {
		return nil, err
	}
	if err := config.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry initialization failed")
	}

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	if err := config.ConnectDB(); err != nil {
		shutdownTracing()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		db:       config.DB,
		services: newServices(cfg, config.DB),
		shutdown: func() {
			shutdownTracing()
			if sqlDB, err := config.DB.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}, nil
}

func newServices(cfg *config.Config, db *gorm.DB) routes.Services {
	logger := logrus.StandardLogger()

	reconciler := worker.NewReconciler(db, logger)
	return routes.Services{
		Dispatcher: worker.NewDispatcher(db, utils.NewSMTPMailer(cfg.Engine.SendTimeout), worker.DispatcherConfig{
			MaxAttempts:     cfg.Engine.MaxAttempts,
			RetryBackoff:    cfg.Engine.RetryBackoff,
			DefaultLimit:    cfg.Engine.DispatchLimit,
			CredentialKey:   cfg.EncryptionKey,
			TrackingBaseURL: cfg.Engine.TrackingBaseURL,
			TrackingKey:     cfg.EncryptionKey,
		}, logger),
		Detector: worker.NewReplyDetector(db, reconciler, worker.ReplyDetectorConfig{
			CredentialKey: cfg.EncryptionKey,
			FetchLimit:    cfg.Engine.IMAPFetchLimit,
			Timeout:       cfg.Engine.IMAPTimeout,
		}, logger),
		Reconciler: reconciler,
		Cleaner:    worker.NewCleaner(db, logger),
		Hub:        controller.NewProgressHub(logger),
		Logger:     logger,
	}
}
