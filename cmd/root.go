// Package cmd defines the auditor CLI.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/api"
	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/config"
	"github.com/JakeFAU/answerability-auditor/internal/logging"
	"github.com/JakeFAU/answerability-auditor/internal/server"
)

// skipAppAnnotation marks commands that only need configuration.
const skipAppAnnotation = "skip-app"

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
)

// App is the slice of the built application the commands use. Tests swap in
// a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Store() audit.Store
	Ticker() api.Ticker
	Sweeper() api.Sweeper
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "auditor",
		Short: "Answerability audit orchestration engine",
		Long: `auditor crawls a site, asks answer engines about it, and scores how
answerable the site is. Audits advance one bounded tick at a time.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, &cfg)
			if cmd.Annotations[skipAppAnnotation] == "" {
				app, err := newApp(ctx, &cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, app)
			}
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if app, ok := cmd.Context().Value(appKey).(App); ok && app != nil {
				return app.Close(cmd.Context())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newTickCmd(),
		newSweepCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	logger, err := logging.New(logging.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger.Fatal("command execution failed", zap.Error(err))
	}
}

func appFrom(cmd *cobra.Command) (App, error) {
	app, ok := cmd.Context().Value(appKey).(App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
