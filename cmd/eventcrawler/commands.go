package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/event-catalog-crawler/internal/ingest"
)

func newRunCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Runs sources once and prints their reports",
		Long: `Runs the named sources one after another, or every registered source
with --all. Each run's report is printed as JSON; the command fails if any
run failed.`,
		Args: func(_ *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no source names")
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one source or pass --all")
			}
			return nil
		},
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				reports []ingest.RunReport
				err     error
			)
			if all {
				reports, err = app.RunAll(ctx)
			} else {
				reports, err = runEach(ctx, app, args)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, rep := range reports {
				if encErr := enc.Encode(rep); encErr != nil {
					return fmt.Errorf("print report: %w", encErr)
				}
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every registered source")
	return cmd
}

func runEach(ctx context.Context, app App, names []string) ([]ingest.RunReport, error) {
	var (
		reports []ingest.RunReport
		errs    []error
	)
	for _, name := range names {
		rep, err := app.RunSource(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if errors.Is(err, ingest.ErrBusy) || rep.RunID == "" {
				continue
			}
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API",
		Long: `Starts the HTTP API for listing sources and triggering runs, with
health, readiness and Prometheus endpoints. SIGINT or SIGTERM drains in-flight
runs and shuts down.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			return app.Serve(cmd.Context())
		}),
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the catalog schema",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			return app.Migrate(cmd.Context())
		}),
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists registered sources",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			for _, d := range app.Registry().All() {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.Name, d.Mode, d.City); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}
