package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-domain-etl/internal/adapter/document"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/geocoding"
	kafkaadapter "github.com/couchcryptid/weather-domain-etl/internal/adapter/kafka"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/openmeteo"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/relational"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/runstore"
	"github.com/couchcryptid/weather-domain-etl/internal/artifact"
	"github.com/couchcryptid/weather-domain-etl/internal/config"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
	"github.com/couchcryptid/weather-domain-etl/internal/pipeline"
)

const (
	startupAttempts = 8
	placeCacheSize  = 64
)

// errPartialRun marks a command whose run finished with some stores failed.
var errPartialRun = errors.New("run finished partial")

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	pipeline *pipeline.Pipeline
	closers  []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	a := &app{cfg: cfg, logger: logger, metrics: metrics}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create ETL_HOME: %w", err)
	}

	if cfg.ResolveLocation {
		places := geocoding.NewCachedResolver(
			geocoding.NewClient(cfg.GeocodingAPIURL, cfg.WeatherTimeout, a.logger), placeCacheSize)
		if err := resolveSite(ctx, cfg, places); err != nil {
			return err
		}
		a.logger.Info("resolved site", "location", cfg.Location().String())
	}

	archive, err := artifact.NewRawArchive(filepath.Join(cfg.HomeDir, "raw"))
	if err != nil {
		return err
	}
	source := openmeteo.NewClient(openmeteo.Options{
		BaseURL:           cfg.WeatherAPIURL,
		Timeout:           cfg.WeatherTimeout,
		MaxDaysPerRequest: cfg.WeatherMaxDaysPerRequest,
		Concurrency:       cfg.WeatherFetchConcurrency,
		RateLimit:         cfg.WeatherRateLimit,
		MaxAttempts:       cfg.WeatherMaxAttempts,
	}, archive, a.logger, a.metrics)

	rel, err := a.openRelational(ctx)
	if err != nil {
		return err
	}
	doc, err := a.openDocument(ctx)
	if err != nil {
		return err
	}

	runs, err := runstore.Open(filepath.Join(cfg.HomeDir, "runs.db"), a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return runs.Close() })

	clock := clockwork.NewRealClock()
	if _, err := runs.ExpireStale(ctx, clock.Now()); err != nil {
		return err
	}
	artifacts := artifact.NewStore(cfg.HomeDir, clock.Now)

	var notifier pipeline.Notifier
	if cfg.EventsEnabled() {
		w := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaRunTopic, a.logger)
		a.closers = append(a.closers, func(context.Context) error { return w.Close() })
		notifier = w
		a.logger.Info("run events enabled", "topic", cfg.KafkaRunTopic, "brokers", cfg.KafkaBrokers)
	}

	loader := pipeline.NewLoader([]pipeline.Store{rel, doc}, pipeline.LoaderOptions{
		Timeout:     cfg.StoreTimeout,
		MaxAttempts: cfg.StoreMaxAttempts,
	}, a.logger, a.metrics)

	dr, err := cfg.DateRange()
	if err != nil {
		return err
	}
	policy := domain.DefaultRepairPolicy()
	policy.FenceK = cfg.OutlierFenceK

	a.pipeline = pipeline.New(source, loader, artifacts, runs, pipeline.Options{
		Location: cfg.Location(),
		Range:    dr,
		Repair:   policy,
		Clock:    clock,
		Notifier: notifier,
		LeaseTTL: cfg.RunLeaseTTL,
	}, a.logger, a.metrics)
	return nil
}

// resolveSite replaces the configured coordinates with the lookup of
// LOCATION_NAME. The marine point is kept as configured.
func resolveSite(ctx context.Context, cfg *config.Config, places geocoding.Resolver) error {
	loc, err := places.Resolve(ctx, cfg.LocationName)
	if err != nil {
		return fmt.Errorf("resolve LOCATION_NAME %q: %w", cfg.LocationName, err)
	}
	cfg.Latitude, cfg.Longitude = loc.Latitude, loc.Longitude
	return nil
}

func (a *app) openRelational(ctx context.Context) (*relational.Store, error) {
	dsn := a.cfg.PostgresDSN()
	if a.cfg.RelationalDriver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(a.cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = a.cfg.SQLitePath + "?_foreign_keys=1&_busy_timeout=5000"
	}

	var rel *relational.Store
	err := a.startupRetry(ctx, "relational store", func(ctx context.Context) error {
		s, err := relational.Open(a.cfg.RelationalDriver, dsn, a.logger)
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return err
		}
		rel = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return rel.Close() })
	return rel, nil
}

func (a *app) openDocument(ctx context.Context) (*document.Store, error) {
	var doc *document.Store
	err := a.startupRetry(ctx, "document store", func(ctx context.Context) error {
		s, err := document.Connect(ctx, a.cfg.MongoURI, a.cfg.MongoDB, a.cfg.MongoUsername, a.cfg.MongoPassword, a.logger)
		if err != nil {
			return err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close(ctx)
			return err
		}
		doc = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, doc.Close)
	return doc, nil
}

// startupRetry retries fn with exponential backoff (200ms doubling to 5s) so
// the service tolerates stores that come up after it.
func (a *app) startupRetry(ctx context.Context, what string, fn func(context.Context) error) error {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= startupAttempts || !domain.IsRetryable(err) {
			return fmt.Errorf("connect %s: %w", what, err)
		}
		a.logger.Warn("store not reachable, retrying", "store", what, "attempt", attempt, "backoff", backoff, "error", err)
		if !sharedretry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = sharedretry.NextBackoff(backoff, maxBackoff)
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("close error", "error", err)
		}
	}
}

// exitCode maps command errors to process exit codes: 2 for a partial run,
// 3 when another run holds the lock, 1 otherwise.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errPartialRun):
		return 2
	case errors.Is(err, pipeline.ErrRunInProgress):
		return 3
	default:
		return 1
	}
}

// runOutcome converts a finished run into the command result.
func runOutcome(run domain.Run, err error) error {
	if err != nil {
		return err
	}
	if run.Status == domain.RunPartial {
		return fmt.Errorf("%w: run %s, inconsistent stores %v", errPartialRun, run.ID, run.InconsistentStores)
	}
	return nil
}
