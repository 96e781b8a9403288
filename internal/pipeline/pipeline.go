package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-domain-etl/internal/artifact"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
)

// DefaultLeaseTTL is how long a run claim lives without renewal.
const DefaultLeaseTTL = 2 * time.Minute

var (
	// ErrRunInProgress is returned when a running run, in this process or
	// another sharing the run store, covers part of the requested range.
	ErrRunInProgress = domain.ErrRunInProgress
	// ErrForeignLocation is returned for runs at a site other than the
	// configured one.
	ErrForeignLocation = errors.New("location differs from the configured site")
	// ErrOutsideWindow is returned for ranges not contained in the configured
	// window.
	ErrOutsideWindow = errors.New("range outside the configured window")
	// ErrNothingToRetry is returned by RetryStores for runs with no failed stores.
	ErrNothingToRetry = errors.New("run has no failed stores to retry")
)

// Source fetches the dense hourly grid for a location and range.
type Source interface {
	Fetch(ctx context.Context, loc domain.Location, dr domain.DateRange) ([]domain.RawObservation, error)
}

// ArtifactStore materializes stage outputs per run.
type ArtifactStore interface {
	Write(runID, asset string, v any) (domain.Materialization, error)
	Read(runID, asset string, v any) error
}

// RunStore persists run metadata. Claim fails with domain.ErrRunInProgress
// when a live running run overlaps run.Range.
type RunStore interface {
	Claim(ctx context.Context, run domain.Run, now time.Time, ttl time.Duration) error
	Renew(ctx context.Context, id string, until time.Time) error
	Save(ctx context.Context, run domain.Run) error
	RecordAsset(ctx context.Context, runID string, m domain.Materialization) error
	Get(ctx context.Context, id string) (domain.Run, error)
	List(ctx context.Context, limit int) ([]domain.Run, error)
}

// Notifier announces finished runs.
type Notifier interface {
	RunCompleted(ctx context.Context, run domain.Run) error
}

// Options configures a Pipeline. Zero values select defaults.
type Options struct {
	Location domain.Location
	Range    domain.DateRange
	Repair   domain.RepairPolicy
	Clock    clockwork.Clock
	Notifier Notifier
	NewID    func() string
	LeaseTTL time.Duration
}

// Pipeline sequences source, repair, enrich, partition and load for one run,
// materializing each stage output and persisting the run record.
type Pipeline struct {
	source    Source
	loader    *Loader
	artifacts ArtifactStore
	runs      RunStore
	notifier  Notifier

	location domain.Location
	dr       domain.DateRange
	repair   domain.RepairPolicy
	clock    clockwork.Clock
	newID    func() string
	leaseTTL time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Pipeline.
func New(src Source, loader *Loader, artifacts ArtifactStore, runs RunStore, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Repair.Variables == nil {
		opts.Repair = domain.DefaultRepairPolicy()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Pipeline{
		source:    src,
		loader:    loader,
		artifacts: artifacts,
		runs:      runs,
		notifier:  opts.Notifier,
		location:  opts.Location,
		dr:        opts.Range,
		repair:    opts.Repair,
		clock:     opts.Clock,
		newID:     opts.NewID,
		leaseTTL:  opts.LeaseTTL,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckReadiness pings every store that supports it.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	return p.loader.Ping(ctx)
}

// Run executes a full run over the configured location and range.
func (p *Pipeline) Run(ctx context.Context, trigger string) (domain.Run, error) {
	return p.RunFor(ctx, trigger, p.dr)
}

// RunFor executes a full run at the configured location over dr, which must
// lie within the configured window. The returned error is non-nil when the
// run could not start or ended failed; partial runs return the run with a nil
// error.
func (p *Pipeline) RunFor(ctx context.Context, trigger string, dr domain.DateRange) (domain.Run, error) {
	run := domain.Run{Trigger: trigger, Location: p.location, Range: dr}
	if !p.dr.Contains(dr) {
		return run, fmt.Errorf("%w: %s not within %s", ErrOutsideWindow, dr, p.dr)
	}
	return p.execute(ctx, run, nil)
}

// Rerun starts a new run from asset of a parent run. The stage that produces
// asset is skipped and its output is read from the parent's artifact.
func (p *Pipeline) Rerun(ctx context.Context, parentID, asset string) (domain.Run, error) {
	if !artifact.IsAsset(asset) {
		return domain.Run{}, fmt.Errorf("unknown asset %q", asset)
	}
	parent, err := p.runs.Get(ctx, parentID)
	if err != nil {
		return domain.Run{}, err
	}
	if _, ok := parent.Asset(asset); !ok {
		return domain.Run{}, fmt.Errorf("run %s has no %s asset", parentID, asset)
	}

	run := domain.Run{
		ParentID:   parent.ID,
		Trigger:    domain.TriggerRerun,
		Location:   parent.Location,
		Range:      parent.Range,
		StartAsset: asset,
	}
	return p.execute(ctx, run, &parent)
}

// RetryStores reloads the failed stores of a finished run from its persisted
// partition and updates the run in place.
func (p *Pipeline) RetryStores(ctx context.Context, runID string) (domain.Run, error) {
	run, err := p.runs.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if !run.Finished() || len(run.InconsistentStores) == 0 {
		return run, fmt.Errorf("%w: %s", ErrNothingToRetry, runID)
	}
	if _, ok := run.Asset(artifact.AssetPartition); !ok {
		return run, fmt.Errorf("run %s has no partition to retry from", runID)
	}

	var part domain.Partition
	if err := p.artifacts.Read(run.ID, artifact.AssetPartition, &part); err != nil {
		return run, err
	}

	prev := run
	run.Status = domain.RunRunning
	if err := p.runs.Claim(ctx, run, p.clock.Now(), p.leaseTTL); err != nil {
		return prev, err
	}
	logger := p.logger.With("run_id", run.ID)
	stop := p.keepAlive(ctx, logger, run.ID)

	logger.Info("retrying stores", "stores", run.InconsistentStores)
	start := p.clock.Now()
	res, err := p.loader.LoadOnly(ctx, part, run.InconsistentStores...)
	if err != nil {
		stop()
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := p.runs.Save(saveCtx, prev); serr != nil {
			logger.Error("restore run after retry failed", "error", serr)
		}
		return prev, err
	}
	p.observeStage(logger, domain.StageLoad, start)

	run.Stores = mergeOutcomes(run.Stores, res.Records())
	run.InconsistentStores = res.Failed()
	p.settleLoad(&run, len(run.Stores))

	stop()
	return p.finish(ctx, logger, run)
}

// Status returns a persisted run.
func (p *Pipeline) Status(ctx context.Context, runID string) (domain.Run, error) {
	return p.runs.Get(ctx, runID)
}

// Runs returns the most recent runs first.
func (p *Pipeline) Runs(ctx context.Context, limit int) ([]domain.Run, error) {
	return p.runs.List(ctx, limit)
}

func (p *Pipeline) execute(ctx context.Context, run domain.Run, parent *domain.Run) (domain.Run, error) {
	if err := run.Location.Validate(); err != nil {
		return run, err
	}
	if !run.Location.SameSite(p.location) {
		return run, fmt.Errorf("%w: %s, configured %s", ErrForeignLocation, run.Location, p.location)
	}

	claimed := run
	claimed.ID = p.newID()
	claimed.Status = domain.RunRunning
	claimed.StartedAt = p.clock.Now().UTC()
	if err := p.runs.Claim(ctx, claimed, claimed.StartedAt, p.leaseTTL); err != nil {
		return run, err
	}
	run = claimed

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	logger := p.logger.With("run_id", run.ID)
	logger.Info("run started",
		"trigger", run.Trigger,
		"location", run.Location.String(),
		"range", run.Range.String(),
		"start_asset", run.StartAsset,
	)

	stop := p.keepAlive(ctx, logger, run.ID)
	p.stages(ctx, logger, &run, parent)
	stop()
	return p.finish(ctx, logger, run)
}

// keepAlive renews the run's claim every third of the lease until stop is
// called. A lost lease is logged; the run carries on.
func (p *Pipeline) keepAlive(ctx context.Context, logger *slog.Logger, runID string) (stop func()) {
	ctx = context.WithoutCancel(ctx)
	done := make(chan struct{})
	exited := make(chan struct{})
	ticker := p.clock.NewTicker(p.leaseTTL / 3)

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				renewCtx, cancel := context.WithTimeout(ctx, p.leaseTTL/3)
				err := p.runs.Renew(renewCtx, runID, p.clock.Now().Add(p.leaseTTL))
				cancel()
				if err != nil {
					logger.Warn("renew run lease failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// stages runs the pipeline from run.StartAsset onwards. A stage failure marks
// run failed and stops.
func (p *Pipeline) stages(ctx context.Context, logger *slog.Logger, run *domain.Run, parent *domain.Run) {
	from := -1
	if parent != nil {
		from = slices.Index(artifact.Assets, run.StartAsset)
		run.Repair = parent.Repair
		run.DegradedColumns = parent.DegradedColumns
		run.Warnings = parent.Warnings
	}
	resume := func(asset string) bool { return parent != nil && slices.Index(artifact.Assets, asset) <= from }

	var raw []domain.RawObservation
	if resume(artifact.AssetRaw) {
		if run.StartAsset == artifact.AssetRaw {
			if err := p.adopt(ctx, run, parent.ID, artifact.AssetRaw, &raw); err != nil {
				p.fail(logger, run, domain.StageSource, err)
				return
			}
		}
	} else {
		err := p.stage(logger, domain.StageSource, func() error {
			var err error
			raw, err = p.source.Fetch(ctx, run.Location, run.Range)
			if err != nil {
				return err
			}
			return p.materialize(ctx, run, artifact.AssetRaw, raw)
		})
		if err != nil {
			p.fail(logger, run, domain.StageSource, err)
			return
		}
	}

	var repaired []domain.RepairedObservation
	if resume(artifact.AssetRepaired) {
		if run.StartAsset == artifact.AssetRepaired {
			if err := p.adopt(ctx, run, parent.ID, artifact.AssetRepaired, &repaired); err != nil {
				p.fail(logger, run, domain.StageRepair, err)
				return
			}
		}
	} else {
		err := p.stage(logger, domain.StageRepair, func() error {
			var report domain.RepairReport
			repaired, report = p.repair.Repair(raw)
			p.recordRepair(logger, run, len(repaired), report)
			return p.materialize(ctx, run, artifact.AssetRepaired, repaired)
		})
		if err != nil {
			p.fail(logger, run, domain.StageRepair, err)
			return
		}
	}

	var records []domain.EnrichedRecord
	if resume(artifact.AssetEnriched) {
		if run.StartAsset == artifact.AssetEnriched {
			if err := p.adopt(ctx, run, parent.ID, artifact.AssetEnriched, &records); err != nil {
				p.fail(logger, run, domain.StageEnrich, err)
				return
			}
		}
	} else {
		err := p.stage(logger, domain.StageEnrich, func() error {
			var err error
			records, err = domain.Enrich(repaired)
			if err != nil {
				return err
			}
			return p.materialize(ctx, run, artifact.AssetEnriched, records)
		})
		if err != nil {
			p.fail(logger, run, domain.StageEnrich, err)
			return
		}
	}

	var part domain.Partition
	if resume(artifact.AssetPartition) {
		if err := p.adopt(ctx, run, parent.ID, artifact.AssetPartition, &part); err != nil {
			p.fail(logger, run, domain.StagePartition, err)
			return
		}
		if err := part.Validate(); err != nil {
			p.fail(logger, run, domain.StagePartition, err)
			return
		}
	} else {
		err := p.stage(logger, domain.StagePartition, func() error {
			part = domain.PartitionRecords(records)
			if err := part.Validate(); err != nil {
				return err
			}
			return p.materialize(ctx, run, artifact.AssetPartition, part)
		})
		if err != nil {
			p.fail(logger, run, domain.StagePartition, err)
			return
		}
	}
	run.Rows = part.Len()

	loadStart := p.clock.Now()
	res := p.loader.Load(ctx, part)
	p.observeStage(logger, domain.StageLoad, loadStart)
	run.Stores = res.Records()
	run.InconsistentStores = res.Failed()
	p.settleLoad(run, len(res.Outcomes))
}

// stage times fn and logs its outcome.
func (p *Pipeline) stage(logger *slog.Logger, s domain.Stage, fn func() error) error {
	start := p.clock.Now()
	err := fn()
	elapsed := p.clock.Since(start)
	p.metrics.StageDuration.WithLabelValues(string(s)).Observe(elapsed.Seconds())
	if err == nil {
		logger.Debug("stage finished", "stage", s, "duration", elapsed)
	}
	return err
}

// observeStage records the duration of a stage that cannot fail.
func (p *Pipeline) observeStage(logger *slog.Logger, s domain.Stage, start time.Time) {
	elapsed := p.clock.Since(start)
	p.metrics.StageDuration.WithLabelValues(string(s)).Observe(elapsed.Seconds())
	logger.Debug("stage finished", "stage", s, "duration", elapsed)
}

func (p *Pipeline) fail(logger *slog.Logger, run *domain.Run, s domain.Stage, err error) {
	run.Status = domain.RunFailed
	run.FailedStage = s
	run.Error = err.Error()
	logger.Error("stage failed", "stage", s, "error", err)
}

// settleLoad derives run status from the load outcomes.
func (p *Pipeline) settleLoad(run *domain.Run, stores int) {
	failed := len(run.InconsistentStores)
	switch {
	case failed == 0:
		run.Status = domain.RunSucceeded
		run.FailedStage = ""
		run.Error = ""
	case failed == stores:
		run.Status = domain.RunFailed
		run.FailedStage = domain.StageLoad
		run.Error = fmt.Sprintf("all stores failed: %v", run.InconsistentStores)
	default:
		run.Status = domain.RunPartial
		run.FailedStage = domain.StageLoad
		run.Error = fmt.Sprintf("stores failed: %v", run.InconsistentStores)
	}
}

func (p *Pipeline) recordRepair(logger *slog.Logger, run *domain.Run, rows int, report domain.RepairReport) {
	run.Repair = report.Variables
	run.DegradedColumns = report.Degraded()
	run.Warnings = nil
	for _, w := range report.Warnings {
		run.Warnings = append(run.Warnings, w.Error())
		var ide *domain.InsufficientDataError
		if errors.As(w, &ide) {
			logger.Warn("insufficient data", "stage", domain.StageRepair,
				"variable", ide.Variable, "start", ide.Start, "end", ide.End)
		}
	}
	for _, v := range report.Variables {
		if v.Imputed > 0 {
			p.metrics.ImputedValues.WithLabelValues(v.Variable).Add(float64(v.Imputed))
		}
		if n := v.Clipped + v.Clamped; n > 0 {
			p.metrics.ClippedValues.WithLabelValues(v.Variable).Add(float64(n))
		}
	}
	p.metrics.DegradedColumns.Set(float64(len(run.DegradedColumns)))

	imputed, clipped := report.Totals()
	logger.Info("repair finished", "stage", domain.StageRepair, "rows", rows,
		"imputed", imputed, "clipped", clipped, "degraded", len(run.DegradedColumns))
}

// materialize writes v as asset of run and records it.
func (p *Pipeline) materialize(ctx context.Context, run *domain.Run, asset string, v any) error {
	m, err := p.artifacts.Write(run.ID, asset, v)
	if err != nil {
		return err
	}
	if err := p.runs.RecordAsset(ctx, run.ID, m); err != nil {
		return err
	}
	run.Assets = append(run.Assets, m)
	return nil
}

// adopt reads asset from the parent run and materializes it under run so the
// new run is self-contained.
func (p *Pipeline) adopt(ctx context.Context, run *domain.Run, parentID, asset string, v any) error {
	if err := p.artifacts.Read(parentID, asset, v); err != nil {
		return err
	}
	return p.materialize(ctx, run, asset, v)
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, run domain.Run) (domain.Run, error) {
	now := p.clock.Now().UTC()
	run.FinishedAt = &now

	p.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	if run.Status == domain.RunSucceeded {
		p.metrics.LastSuccessTimestamp.Set(float64(now.Unix()))
	}

	// A fresh context so a cancelled run is still recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.runs.Save(saveCtx, run); err != nil {
		return run, err
	}

	logger.Info("run finished",
		"status", run.Status,
		"failed_stage", run.FailedStage,
		"rows", run.Rows,
		"inconsistent_stores", run.InconsistentStores,
		"duration", now.Sub(run.StartedAt),
	)

	if p.notifier != nil {
		if err := p.notifier.RunCompleted(saveCtx, run); err != nil {
			logger.Warn("publish run event failed", "error", err)
		}
	}

	if run.Status == domain.RunFailed {
		return run, fmt.Errorf("run %s failed at %s: %s", run.ID, run.FailedStage, run.Error)
	}
	return run, nil
}

// mergeOutcomes replaces entries of prev with retried ones of the same store.
func mergeOutcomes(prev, retried []domain.StoreOutcome) []domain.StoreOutcome {
	out := slices.Clone(prev)
	for _, r := range retried {
		i := slices.IndexFunc(out, func(o domain.StoreOutcome) bool { return o.Store == r.Store })
		if i < 0 {
			out = append(out, r)
			continue
		}
		out[i] = r
	}
	return out
}
