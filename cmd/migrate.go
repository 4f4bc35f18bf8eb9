package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/answerability-auditor/internal/config"
	"github.com/JakeFAU/answerability-auditor/internal/logging"
	pgstore "github.com/JakeFAU/answerability-auditor/internal/storage/postgres"
)

var (
	migrateUp   = pgstore.MigrateUp
	migrateDown = pgstore.MigrateDown
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Apply or roll back the Postgres schema",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}

	up := &cobra.Command{
		Use:         "up",
		Short:       "Apply all pending migrations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := migrationConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			return migrateUp(cfg.Database.DSN, logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:         "down",
		Short:       "Roll back migrations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps <= 0 {
				return errors.New("steps must be > 0")
			}
			cfg, err := migrationConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			return migrateDown(cfg.Database.DSN, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func migrationConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn must be set to run migrations")
	}
	return cfg, nil
}
