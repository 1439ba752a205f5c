// Package cmd defines the recipecrawler CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/app"
	"github.com/JakeFAU/recipe-crawler/internal/config"
	"github.com/JakeFAU/recipe-crawler/internal/logging"
)

// envKey stores the loaded *env in the command context.
type envKey struct{}

// env is what every subcommand starts from.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp builds the components a subcommand needs. Tests replace it to
// inject stores and stubs.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, want app.Components) (*app.App, error) {
	return app.New(ctx, cfg, logger, want)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "recipecrawler",
		Short: "Crawls recipe sitemaps and extracts structured dishes with an LLM.",
		Long: `recipecrawler walks the sitemaps of registered recipe sites, fetches and
classifies every page it finds, and asks an LLM to turn recipe pages into
structured dishes. Each stage runs as its own loop against a shared store.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey{}).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newWalkCmd(),
		newCrawlCmd(),
		newExtractCmd(),
		newMenuCmd(),
		newExportCmd(),
		newServeCmd(),
		newSitesCmd(),
		newStatsCmd(),
		newResetCmd(),
		newReclaimCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute runs the CLI until it finishes or receives SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "recipecrawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the app for want, runs fn, and closes the app.
func withApp(cmd *cobra.Command, want app.Components, fn func(ctx context.Context, a *app.App) error) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger, want)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
