package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/weather-domain-etl/internal/adapter/httpadapter"
	"github.com/couchcryptid/weather-domain-etl/internal/artifact"
	"github.com/couchcryptid/weather-domain-etl/internal/config"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/pipeline"
	"github.com/couchcryptid/weather-domain-etl/internal/scheduler"
)

// withApp wires the app under a signal-aware context and tears it down after fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newServeCmd() *cobra.Command {
	var runOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and run status, and run the pipeline on SCHEDULE.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return serve(ctx, a, runOnStart)
			})
		},
	}
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "trigger a run immediately after startup")
	return cmd
}

func serve(ctx context.Context, a *app, runOnStart bool) error {
	logger := a.logger
	srv := httpadapter.NewServer(a.cfg.HTTPAddr, a.pipeline, a.pipeline, logger)

	sched, err := scheduler.New(a.cfg.Schedule, a.pipeline, logger)
	if err != nil {
		return err
	}

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	sched.Start(ctx)
	if runOnStart {
		go func() {
			if _, err := a.pipeline.Run(ctx, domain.TriggerManual); err != nil {
				logger.Error("startup run failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newRunCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once over the configured window or a sub-range of it.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if start == "" && end == "" {
					return report(a.pipeline.Run(ctx, domain.TriggerManual))
				}
				dr, err := runRange(a.cfg, start, end)
				if err != nil {
					return err
				}
				return report(a.pipeline.RunFor(ctx, domain.TriggerManual, dr))
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD (default START_DATE)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD (default END_DATE)")
	return cmd
}

// runRange overrides either end of the configured window. The result must
// stay within the window.
func runRange(cfg *config.Config, start, end string) (domain.DateRange, error) {
	window, err := cfg.DateRange()
	if err != nil {
		return domain.DateRange{}, err
	}
	if start == "" {
		start = window.Start.Format(domain.DateLayout)
	}
	if end == "" {
		end = window.End.Format(domain.DateLayout)
	}
	dr, err := domain.ParseDateRange(start, end)
	if err != nil {
		return domain.DateRange{}, err
	}
	if !window.Contains(dr) {
		return domain.DateRange{}, fmt.Errorf("%w: %s not within %s", pipeline.ErrOutsideWindow, dr, window)
	}
	return dr, nil
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry RUN_ID",
		Short: "Reload the failed stores of a run from its persisted partition.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return report(a.pipeline.RetryStores(ctx, args[0]))
			})
		},
	}
}

func newRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun RUN_ID ASSET",
		Short: "Start a new run from an asset of an earlier run.",
		Long: "Start a new run from an asset of an earlier run. ASSET is one of: " +
			strings.Join(artifact.Assets, ", ") + ". The stage producing ASSET is " +
			"skipped and its output is read from the earlier run.",
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return report(a.pipeline.Rerun(ctx, args[0], args[1]))
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Print one run, or the most recent runs, as JSON.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var v any
				if len(args) == 1 {
					run, err := a.pipeline.Status(ctx, args[0])
					if err != nil {
						return err
					}
					v = run
				} else {
					runs, err := a.pipeline.Runs(ctx, limit)
					if err != nil {
						return err
					}
					v = runs
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of runs to list")
	return cmd
}

// report prints the run and converts its status into the command result.
func report(run domain.Run, err error) error {
	if run.ID != "" {
		if perr := printJSON(run); perr != nil {
			return perr
		}
	}
	return runOutcome(run, err)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
