package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"outcraftly/config"
	"outcraftly/utils"
	"outcraftly/worker"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// teamFlag maps an unset --team to all teams.
func teamFlag(cmd *cobra.Command, team uint) *uint {
	if !cmd.Flags().Changed("team") {
		return nil
	}
	return utils.Pointer(team)
}

func dispatchCmd(configPath *string) *cobra.Command {
	var (
		team  uint
		limit int
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over due enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			summary, err := rt.services.Dispatcher.RunDispatch(cmd.Context(), worker.DispatchOptions{
				TeamID: teamFlag(cmd, team),
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().UintVar(&team, "team", 0, "only dispatch enrollments of this team")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum enrollments to process (default from config)")
	return cmd
}

func repliesCmd(configPath *string) *cobra.Command {
	var team uint
	cmd := &cobra.Command{
		Use:   "replies",
		Short: "Poll sender mailboxes for replies and bounces",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			reports, err := rt.services.Detector.RunReplyDetection(cmd.Context(), teamFlag(cmd, team))
			if err != nil {
				return fmt.Errorf("reply detection failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().UintVar(&team, "team", 0, "only poll senders of this team")
	return cmd
}

func cleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reset enrollments and archive replies of deleted sequences",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			report, err := rt.services.Cleaner.CleanupDeletedSequences(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(*configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := config.InitLogger(config.AppConfig.Log); err != nil {
				return err
			}
			if err := config.ConnectDB(); err != nil {
				return err
			}
			logrus.Info("Migrations applied")
			return nil
		},
	}
}

// tokenCmd mints a trigger token, optionally scoped to one team.
func tokenCmd(configPath *string) *cobra.Command {
	var (
		team uint
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a signed trigger token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(*configPath); err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if config.AppConfig.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			token, err := utils.GenerateTriggerToken(config.AppConfig.JWTSecret, teamFlag(cmd, team), ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().UintVar(&team, "team", 0, "restrict the token to this team")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
