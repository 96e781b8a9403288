package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/observability"
)

// Store is one load target. Load must be idempotent for a given partition
// and return classified *domain.StoreError values.
type Store interface {
	Name() string
	Load(ctx context.Context, p domain.Partition) error
}

// LoaderOptions bounds each store's load.
type LoaderOptions struct {
	// Timeout caps one store's whole load, retries included.
	Timeout     time.Duration
	MaxAttempts int
	// NewBackOff returns the retry schedule between attempts. Defaults to
	// exponential 200ms..5s.
	NewBackOff func() backoff.BackOff
}

// StoreOutcome is the result of loading one store.
type StoreOutcome struct {
	Store    string
	Rows     int
	Attempts int
	Duration time.Duration
	Err      error
}

// LoadResult holds one outcome per target store, in store order.
type LoadResult struct {
	Outcomes []StoreOutcome
}

// OK reports whether every store loaded.
func (r LoadResult) OK() bool {
	return len(r.Outcomes) > 0 && len(r.Failed()) == 0
}

// Failed returns the names of stores whose load failed.
func (r LoadResult) Failed() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Err != nil {
			names = append(names, o.Store)
		}
	}
	return names
}

// Succeeded returns the names of stores that loaded.
func (r LoadResult) Succeeded() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			names = append(names, o.Store)
		}
	}
	return names
}

// Records converts the outcomes to their persisted form.
func (r LoadResult) Records() []domain.StoreOutcome {
	out := make([]domain.StoreOutcome, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = domain.StoreOutcome{
			Store:    o.Store,
			Rows:     o.Rows,
			Attempts: o.Attempts,
			Duration: o.Duration,
		}
		if o.Err != nil {
			out[i].Kind = domain.StoreErrorKindOf(o.Err).String()
			out[i].Error = o.Err.Error()
		}
	}
	return out
}

// Loader writes a partition to every target store concurrently. Stores are
// independent: a failure or timeout in one never cancels another.
type Loader struct {
	stores     []Store
	timeout    time.Duration
	attempts   int
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewLoader creates a Loader over the given stores.
func NewLoader(stores []Store, opts LoaderOptions, logger *slog.Logger, metrics *observability.Metrics) *Loader {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	return &Loader{
		stores:     stores,
		timeout:    opts.Timeout,
		attempts:   opts.MaxAttempts,
		newBackOff: opts.NewBackOff,
		logger:     logger,
		metrics:    metrics,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// StoreNames returns the target names in load order.
func (l *Loader) StoreNames() []string {
	names := make([]string, len(l.stores))
	for i, s := range l.stores {
		names[i] = s.Name()
	}
	return names
}

// Load writes p to every store.
func (l *Loader) Load(ctx context.Context, p domain.Partition) LoadResult {
	return l.load(ctx, p, l.stores)
}

// LoadOnly writes p to the named stores only.
func (l *Loader) LoadOnly(ctx context.Context, p domain.Partition, names ...string) (LoadResult, error) {
	byName := make(map[string]Store, len(l.stores))
	for _, s := range l.stores {
		byName[s.Name()] = s
	}
	targets := make([]Store, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return LoadResult{}, fmt.Errorf("unknown store %q", n)
		}
		targets = append(targets, s)
	}
	return l.load(ctx, p, targets), nil
}

func (l *Loader) load(ctx context.Context, p domain.Partition, stores []Store) LoadResult {
	res := LoadResult{Outcomes: make([]StoreOutcome, len(stores))}

	var wg sync.WaitGroup
	for i, s := range stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Outcomes[i] = l.loadStore(ctx, s, p)
		}()
	}
	wg.Wait()
	return res
}

func (l *Loader) loadStore(ctx context.Context, s Store, p domain.Partition) StoreOutcome {
	name := s.Name()
	start := time.Now()

	storeCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	attempts := 0
	_, err := backoff.Retry(storeCtx, func() (struct{}, error) {
		attempts++
		err := attempt(storeCtx, s, p)
		if err == nil {
			return struct{}{}, nil
		}
		err = classifyLoadError(name, err)
		l.metrics.StoreLoadErrors.WithLabelValues(name, domain.StoreErrorKindOf(err).String()).Inc()
		if !domain.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		l.logger.Warn("store load attempt failed", "store", name, "attempt", attempts, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(l.newBackOff()), backoff.WithMaxTries(uint(l.attempts)))

	out := StoreOutcome{Store: name, Attempts: attempts, Duration: time.Since(start)}
	l.metrics.StoreLoadDuration.WithLabelValues(name).Observe(out.Duration.Seconds())
	if err != nil {
		out.Err = classifyLoadError(name, err)
		l.logger.Error("store load failed", "store", name, "attempts", attempts, "error", out.Err)
		return out
	}

	out.Rows = p.Len()
	for _, table := range []string{domain.TableFact, domain.TableSolar, domain.TableAgricultural, domain.TableMarineWind} {
		l.metrics.RowsLoaded.WithLabelValues(name, table).Add(float64(out.Rows))
	}
	l.logger.Info("store loaded", "store", name, "rows", out.Rows, "attempts", attempts, "duration", out.Duration)
	return out
}

// attempt runs one load and abandons it if ctx ends first. An abandoned
// load keeps running in the background until the store honours ctx.
func attempt(ctx context.Context, s Store, p domain.Partition) error {
	done := make(chan error, 1)
	go func() { done <- s.Load(ctx, p) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return domain.NewStoreError(s.Name(), domain.KindStoreUnavailable, false,
			fmt.Errorf("load abandoned: %w", ctx.Err()))
	}
}

// classifyLoadError maps unclassified failures, including retry-loop context
// errors, to StoreUnavailable.
func classifyLoadError(store string, err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	return domain.NewStoreError(store, domain.KindStoreUnavailable, false, err)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks every store that implements Pinger.
func (l *Loader) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range l.stores {
		pg, ok := s.(Pinger)
		if !ok {
			continue
		}
		if err := pg.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
