package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/event-catalog-crawler/internal/config"
	"github.com/JakeFAU/event-catalog-crawler/internal/ingest"
	"github.com/JakeFAU/event-catalog-crawler/internal/server"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is what subcommands need from the wired application. Tests swap in a
// fake through newApp.
type App interface {
	Close() error
	Registry() *source.Registry
	RunSource(ctx context.Context, name string) (ingest.RunReport, error)
	RunAll(ctx context.Context) ([]ingest.RunReport, error)
	Migrate(ctx context.Context) error
	Serve(ctx context.Context) error
}

// newApp loads configuration from path and builds the application.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "eventcrawler",
		Short: "Crawls ticket listing sites into the event catalog.",
		Long: `eventcrawler walks configured listing sources, enriches and normalizes
their events, and merges them into the catalog without duplicates.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment only when empty)")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newMigrateCmd(), newSourcesCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	app, ok := ctx.Value(appKey).(App)
	if !ok || app == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return app, nil
}

// withApp hands the App to fn and closes it afterwards, whether fn fails or not.
func withApp(fn func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, app.Close()) }()
		return fn(cmd, app, args)
	}
}
