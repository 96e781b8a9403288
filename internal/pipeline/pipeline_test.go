package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-domain-etl/internal/adapter/relational"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/runstore"
	"github.com/couchcryptid/weather-domain-etl/internal/artifact"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
	"github.com/couchcryptid/weather-domain-etl/internal/pipeline"
)

var errMissingCollection = errors.New("collection fact has no time index")

var (
	valencia = domain.Location{Name: "Valencia", Latitude: 39.4699, Longitude: -0.3763}
	start    = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
)

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	pipeline   *pipeline.Pipeline
	source     *fakeSource
	relational *relational.Store
	document   *fakeStore
	runs       *runstore.Store
	metrics    *observability.Metrics
	clock      *clockwork.FakeClock
	dir        string
	dr         domain.DateRange
}

type harnessOptions struct {
	days         int
	storeTimeout time.Duration
	wrapRuns     func(pipeline.RunStore) pipeline.RunStore
}

func newHarness(t *testing.T, src *fakeSource, opts harnessOptions) *harness {
	t.Helper()
	if opts.days == 0 {
		opts.days = 3
	}
	if opts.storeTimeout == 0 {
		opts.storeTimeout = 5 * time.Second
	}
	dir := t.TempDir()
	logger := discardLogger()
	metrics := newTestMetrics()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC))

	rel, err := relational.Open("sqlite", filepath.Join(dir, "warehouse.db")+"?_foreign_keys=1", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rel.Close() })
	require.NoError(t, rel.Migrate(context.Background()))

	runs, err := runstore.Open(filepath.Join(dir, "runs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	doc := &fakeStore{name: "document"}
	loader := pipeline.NewLoader([]pipeline.Store{rel, doc}, pipeline.LoaderOptions{
		Timeout:     opts.storeTimeout,
		MaxAttempts: 3,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
	}, logger, metrics)

	dr, err := domain.NewDateRange(start, start.AddDate(0, 0, opts.days-1))
	require.NoError(t, err)

	var store pipeline.RunStore = runs
	if opts.wrapRuns != nil {
		store = opts.wrapRuns(runs)
	}

	seq := 0
	p := pipeline.New(src, loader, artifact.NewStore(dir, clock.Now), store, pipeline.Options{
		Location: valencia,
		Range:    dr,
		Clock:    clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("run-%d", seq)
		},
	}, logger, metrics)

	return &harness{pipeline: p, source: src, relational: rel, document: doc, runs: runs, metrics: metrics, clock: clock, dir: dir, dr: dr}
}

// peer builds a second pipeline over the same run database, standing in for
// another process sharing ETL_HOME.
func (h *harness) peer(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	logger := discardLogger()
	runs, err := runstore.Open(filepath.Join(h.dir, "runs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	metrics := newTestMetrics()
	loader := pipeline.NewLoader([]pipeline.Store{&fakeStore{name: "document"}}, pipeline.LoaderOptions{MaxAttempts: 1}, logger, metrics)
	seq := 0
	return pipeline.New(&fakeSource{}, loader, artifact.NewStore(t.TempDir(), h.clock.Now), runs, pipeline.Options{
		Location: valencia,
		Range:    h.dr,
		Clock:    h.clock,
		NewID: func() string {
			seq++
			return fmt.Sprintf("peer-%d", seq)
		},
	}, logger, metrics)
}

func mustRange(t *testing.T, first, last string) domain.DateRange {
	t.Helper()
	dr, err := domain.ParseDateRange(first, last)
	require.NoError(t, err)
	return dr
}

// renewSignal reports lease renewals of the wrapped run store.
type renewSignal struct {
	pipeline.RunStore
	renewed chan string
}

func (r *renewSignal) Renew(ctx context.Context, id string, until time.Time) error {
	err := r.RunStore.Renew(ctx, id, until)
	if err == nil {
		select {
		case r.renewed <- id:
		default:
		}
	}
	return err
}

func (h *harness) relationalKeys(t *testing.T, table string) []time.Time {
	t.Helper()
	keys, err := h.relational.Keys(context.Background(), table, start, start.AddDate(1, 0, 0))
	require.NoError(t, err)
	return keys
}

func TestPipeline_Run_LoadsEveryHour(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 72, run.Rows)
	assert.Empty(t, run.InconsistentStores)
	assert.Empty(t, run.DegradedColumns)
	require.NotNil(t, run.FinishedAt)

	for _, table := range []string{domain.TableFact, domain.TableSolar, domain.TableAgricultural, domain.TableMarineWind} {
		keys := h.relationalKeys(t, table)
		require.Len(t, keys, 72, table)
		assert.Equal(t, start, keys[0])
		assert.Equal(t, start.Add(71*time.Hour), keys[71])
	}
	days, err := h.relational.CalendarKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{20230101, 20230102, 20230103}, days)

	loads := h.document.loads()
	require.Len(t, loads, 1)
	assert.Equal(t, 72, loads[0].Len())

	stored, err := h.pipeline.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
	assert.Len(t, stored.Assets, len(artifact.Assets))
	assert.Len(t, stored.Stores, 2)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 72, testutil.ToFloat64(h.metrics.RowsLoaded.WithLabelValues("relational", domain.TableFact)), 0)
	assert.InDelta(t, float64(h.clock.Now().Unix()), testutil.ToFloat64(h.metrics.LastSuccessTimestamp), 0)
	assert.Equal(t, len(artifact.Assets)+1, testutil.CollectAndCount(h.metrics.StageDuration),
		"every stage including load is timed")
}

// A null at 2023-01-01 05:00 between 10.0 and 12.0 is stored as 11.0 with
// Sunday calendar attributes.
func TestPipeline_Run_Scenario(t *testing.T) {
	src := &fakeSource{raw: func(dr domain.DateRange) []domain.RawObservation {
		raw := syntheticObservations(dr)
		for i := range raw {
			raw[i].Values[domain.VarTemperature2m] = domain.Present(6 + float64(raw[i].Time.Hour()))
		}
		raw[5].Values[domain.VarTemperature2m] = domain.Sample{}
		return raw
	}}
	h := newHarness(t, src, harnessOptions{days: 1})

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	facts, err := h.relational.Facts(context.Background(), start, start.Add(23*time.Hour))
	require.NoError(t, err)
	require.Len(t, facts, 24)

	row := facts[5]
	assert.Equal(t, start.Add(5*time.Hour), row.Time)
	assert.InDelta(t, 11.0, row.Temperature2m, 1e-9)
	assert.Equal(t, 5, row.Hour)
	assert.Equal(t, 6, row.DayOfWeek)
	assert.True(t, row.IsWeekend)

	var imputed int
	for _, v := range run.Repair {
		if v.Variable == domain.VarTemperature2m {
			imputed = v.Imputed
		}
	}
	assert.Equal(t, 1, imputed)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ImputedValues.WithLabelValues(domain.VarTemperature2m)), 0)
}

func TestPipeline_Run_ReloadIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	ctx := context.Background()

	first, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)
	second, err := h.pipeline.Run(ctx, domain.TriggerSchedule)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, h.relationalKeys(t, domain.TableFact), 72)

	runs, err := h.pipeline.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestPipeline_Run_DegradedColumn(t *testing.T) {
	src := &fakeSource{raw: func(dr domain.DateRange) []domain.RawObservation {
		raw := syntheticObservations(dr)
		for i := range raw {
			raw[i].Values[domain.VarWindSpeed10mMarine] = domain.Sample{}
		}
		return raw
	}}
	h := newHarness(t, src, harnessOptions{days: 1})

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 24, run.Rows)
	assert.Equal(t, []string{domain.VarWindSpeed10mMarine}, run.DegradedColumns)
	require.Len(t, run.Warnings, 1)
	assert.Contains(t, run.Warnings[0], domain.VarWindSpeed10mMarine)

	facts, err := h.relational.Facts(context.Background(), start, start.Add(23*time.Hour))
	require.NoError(t, err)
	for _, f := range facts {
		assert.InDelta(t, domain.MissingSentinel, f.WindSpeed10mMarine, 0)
	}
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.DegradedColumns), 0)
}

func TestPipeline_Run_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	h.document.setErrs(schemaError("document"))

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartial, run.Status)
	assert.Equal(t, domain.StageLoad, run.FailedStage)
	assert.Equal(t, []string{"document"}, run.InconsistentStores)
	assert.Equal(t, 1, h.document.callCount(), "schema errors are not retried")
	assert.Len(t, h.relationalKeys(t, domain.TableFact), 72, "relational load is unaffected")

	var doc domain.StoreOutcome
	for _, o := range run.Stores {
		if o.Store == "document" {
			doc = o
		}
	}
	assert.Equal(t, "SchemaError", doc.Kind)
	assert.Contains(t, doc.Error, errMissingCollection.Error())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.StoreLoadErrors.WithLabelValues("document", "SchemaError")), 0)
}

func TestPipeline_Run_RetriesUnavailableStore(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	h.document.setErrs(unavailable("document"), unavailable("document"))

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 3, h.document.callCount())
	for _, o := range run.Stores {
		if o.Store == "document" {
			assert.Equal(t, 3, o.Attempts)
			assert.Equal(t, 72, o.Rows)
		}
	}
}

func TestPipeline_Run_AllStoresFail(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	h.document.setErrs(schemaError("document"))
	require.NoError(t, h.relational.Close())

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StageLoad, run.FailedStage)
	assert.ElementsMatch(t, []string{"relational", "document"}, run.InconsistentStores)
}

func TestPipeline_Run_AbandonsHungStore(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{storeTimeout: 500 * time.Millisecond})
	h.document.hang = make(chan struct{})
	t.Cleanup(func() { close(h.document.hang) })

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartial, run.Status)
	assert.Equal(t, []string{"document"}, run.InconsistentStores)
	assert.Len(t, h.relationalKeys(t, domain.TableFact), 72)
	for _, o := range run.Stores {
		if o.Store == "document" {
			assert.Equal(t, "StoreUnavailable", o.Kind)
		}
	}
}

func TestPipeline_Run_SourceFailure(t *testing.T) {
	srcErr := &domain.SourceUnavailableError{Attempts: 5, Err: errors.New("503 Service Unavailable")}
	h := newHarness(t, &fakeSource{err: srcErr}, harnessOptions{})

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.Error(t, err)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StageSource, run.FailedStage)
	assert.Contains(t, run.Error, "503")
	assert.Zero(t, h.document.callCount())
	assert.Empty(t, h.relationalKeys(t, domain.TableFact))
	assert.Empty(t, run.Assets)

	stored, err := h.pipeline.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("failed")), 0)
}

func TestPipeline_Run_MalformedTimestamps(t *testing.T) {
	src := &fakeSource{raw: func(dr domain.DateRange) []domain.RawObservation {
		raw := syntheticObservations(dr)
		raw[3].Time = raw[3].Time.Add(30 * time.Minute)
		return raw
	}}
	h := newHarness(t, src, harnessOptions{days: 1})

	run, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, domain.StageEnrich, run.FailedStage)
	assert.Zero(t, h.document.callCount())
}

func TestPipeline_Run_RejectsOverlappingRun(t *testing.T) {
	src := &fakeSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, src, harnessOptions{days: 1})

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(context.Background(), domain.TriggerSchedule)
		done <- err
	}()
	<-src.entered

	_, err := h.pipeline.Run(context.Background(), domain.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	close(src.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestPipeline_RunFor_RejectsOverlappingRange(t *testing.T) {
	src := &fakeSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, src, harnessOptions{days: 3})

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(context.Background(), domain.TriggerSchedule)
		done <- err
	}()
	<-src.entered

	run, err := h.pipeline.RunFor(context.Background(), domain.TriggerManual, mustRange(t, "2023-01-02", "2023-01-03"))
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)
	assert.Empty(t, run.ID, "a rejected run is never recorded")

	_, err = h.pipeline.RunFor(context.Background(), domain.TriggerManual, mustRange(t, "2023-01-03", "2023-01-03"))
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	_, err = h.peer(t).RunFor(context.Background(), domain.TriggerManual, mustRange(t, "2023-01-01", "2023-01-01"))
	require.ErrorIs(t, err, pipeline.ErrRunInProgress, "the claim is visible to other processes")

	close(src.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), src.calls.Load())

	runs, err := h.pipeline.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPipeline_RunFor_AllowsDisjointRange(t *testing.T) {
	src := &fakeSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, src, harnessOptions{days: 3})

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.RunFor(context.Background(), domain.TriggerSchedule, mustRange(t, "2023-01-01", "2023-01-01"))
		done <- err
	}()
	<-src.entered

	run, err := h.peer(t).RunFor(context.Background(), domain.TriggerManual, mustRange(t, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	close(src.release)
	require.NoError(t, <-done)
}

func TestPipeline_RunFor_OutsideWindow(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 3})

	_, err := h.pipeline.RunFor(context.Background(), domain.TriggerManual, mustRange(t, "2023-01-02", "2023-01-04"))
	require.ErrorIs(t, err, pipeline.ErrOutsideWindow)
	assert.Zero(t, h.source.calls.Load())

	runs, err := h.pipeline.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPipeline_Run_ExpiresAbandonedClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 1})

	crashed := domain.Run{
		ID:        "crashed",
		Trigger:   domain.TriggerSchedule,
		Location:  valencia,
		Range:     h.dr,
		StartedAt: h.clock.Now(),
	}
	require.NoError(t, h.runs.Claim(ctx, crashed, h.clock.Now(), pipeline.DefaultLeaseTTL))

	_, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	h.clock.Advance(pipeline.DefaultLeaseTTL + time.Second)
	run, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	stored, err := h.pipeline.Status(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "lease expired")
}

func TestPipeline_Run_RenewsClaimWhileRunning(t *testing.T) {
	src := &fakeSource{entered: make(chan struct{}), release: make(chan struct{})}
	renewed := make(chan string, 1)
	h := newHarness(t, src, harnessOptions{days: 1, wrapRuns: func(s pipeline.RunStore) pipeline.RunStore {
		return &renewSignal{RunStore: s, renewed: renewed}
	}})

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(context.Background(), domain.TriggerSchedule)
		done <- err
	}()
	<-src.entered

	h.clock.Advance(pipeline.DefaultLeaseTTL/3 + time.Second)
	select {
	case id := <-renewed:
		assert.Equal(t, "run-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("lease was not renewed")
	}

	// Past the first lease, still inside the renewed one.
	h.clock.Advance(pipeline.DefaultLeaseTTL * 2 / 3)
	_, err := h.peer(t).Run(context.Background(), domain.TriggerManual)
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)

	close(src.release)
	require.NoError(t, <-done)
}

func TestPipeline_Rerun_RefusesForeignLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 1})
	parent, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)

	parent.Location = domain.Location{Name: "Oslo", Latitude: 59.91, Longitude: 10.75}
	require.NoError(t, h.runs.Save(ctx, parent))

	_, err = h.pipeline.Rerun(ctx, parent.ID, artifact.AssetRepaired)
	require.ErrorIs(t, err, pipeline.ErrForeignLocation)
	assert.Len(t, h.document.loads(), 1, "no rows written over the configured site")
}

func TestPipeline_RetryStores_RejectsOverlappingRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 1})
	h.document.setErrs(schemaError("document"))
	run, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, domain.RunPartial, run.Status)

	other := domain.Run{ID: "other", Trigger: domain.TriggerManual, Location: valencia, Range: h.dr, StartedAt: h.clock.Now()}
	require.NoError(t, h.runs.Claim(ctx, other, h.clock.Now(), time.Minute))

	got, err := h.pipeline.RetryStores(ctx, run.ID)
	require.ErrorIs(t, err, pipeline.ErrRunInProgress)
	assert.Equal(t, domain.RunPartial, got.Status)

	stored, err := h.pipeline.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartial, stored.Status)
}

func TestPipeline_RetryStores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	h.document.setErrs(schemaError("document"))

	run, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, domain.RunPartial, run.Status)

	h.document.setErrs()
	retried, err := h.pipeline.RetryStores(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, retried.ID)
	assert.Equal(t, domain.RunSucceeded, retried.Status)
	assert.Empty(t, retried.InconsistentStores)
	assert.Empty(t, retried.FailedStage)
	assert.Len(t, retried.Stores, 2)
	assert.Equal(t, int32(1), h.source.calls.Load(), "retry reads the persisted partition")

	loads := h.document.loads()
	require.Len(t, loads, 1)
	assert.Equal(t, 72, loads[0].Len())

	stored, err := h.pipeline.Status(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)

	_, err = h.pipeline.RetryStores(ctx, run.ID)
	require.ErrorIs(t, err, pipeline.ErrNothingToRetry)
}

func TestPipeline_RetryStores_UnknownRun(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	_, err := h.pipeline.RetryStores(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestPipeline_Rerun_FromRepaired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 2})

	parent, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)

	child, err := h.pipeline.Rerun(ctx, parent.ID, artifact.AssetRepaired)
	require.NoError(t, err)

	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, domain.TriggerRerun, child.Trigger)
	assert.Equal(t, artifact.AssetRepaired, child.StartAsset)
	assert.Equal(t, domain.RunSucceeded, child.Status)
	assert.Equal(t, 48, child.Rows)
	assert.Equal(t, parent.Repair, child.Repair)
	assert.Equal(t, int32(1), h.source.calls.Load(), "rerun does not refetch")

	stored, err := h.pipeline.Status(ctx, child.ID)
	require.NoError(t, err)
	var assets []string
	for _, m := range stored.Assets {
		assets = append(assets, m.Asset)
	}
	assert.ElementsMatch(t, []string{artifact.AssetRepaired, artifact.AssetEnriched, artifact.AssetPartition}, assets)
	assert.Len(t, h.document.loads(), 2)
}

func TestPipeline_Rerun_FromRawAppliesRepair(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{raw: func(dr domain.DateRange) []domain.RawObservation {
		raw := syntheticObservations(dr)
		raw[2].Values[domain.VarPrecipitation] = domain.Sample{}
		return raw
	}}
	h := newHarness(t, src, harnessOptions{days: 1})

	parent, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)

	child, err := h.pipeline.Rerun(ctx, parent.ID, artifact.AssetRaw)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, child.Status)
	assert.Equal(t, parent.Repair, child.Repair)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestPipeline_Rerun_RejectsUnknownAsset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{}, harnessOptions{days: 1})
	parent, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.NoError(t, err)

	_, err = h.pipeline.Rerun(ctx, parent.ID, "forecast")
	require.Error(t, err)
}

func TestPipeline_Rerun_MissingParentAsset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{err: errors.New("down")}, harnessOptions{days: 1})
	parent, err := h.pipeline.Run(ctx, domain.TriggerManual)
	require.Error(t, err)

	_, err = h.pipeline.Rerun(ctx, parent.ID, artifact.AssetPartition)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no partition asset")
}

func TestPipeline_CheckReadiness(t *testing.T) {
	h := newHarness(t, &fakeSource{}, harnessOptions{})
	require.NoError(t, h.pipeline.CheckReadiness(context.Background()))

	h.document.pingErr = errors.New("connection refused")
	err := h.pipeline.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document")
}
