package pipeline_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// syntheticObservations returns a dense hourly grid over dr where every
// declared variable is observed. Each value follows a diurnal sine inside the
// variable's physical range, so repair leaves it untouched.
func syntheticObservations(dr domain.DateRange) []domain.RawObservation {
	hours := dr.Hours()
	out := make([]domain.RawObservation, len(hours))
	for i, h := range hours {
		values := make(map[string]domain.Sample, len(domain.Variables))
		for _, v := range domain.Variables {
			mid := (v.Min + v.Max) / 2
			amp := (v.Max - v.Min) / 8
			values[v.Name] = domain.Present(mid + amp*math.Sin(2*math.Pi*float64(h.Hour())/24))
		}
		out[i] = domain.RawObservation{Time: h, Values: values}
	}
	return out
}

// fakeSource serves synthetic observations unless raw or err is set. When
// entered is non-nil, Fetch closes it and waits for release.
type fakeSource struct {
	raw     func(dr domain.DateRange) []domain.RawObservation
	err     error
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSource) Fetch(ctx context.Context, _ domain.Location, dr domain.DateRange) ([]domain.RawObservation, error) {
	s.calls.Add(1)
	if s.entered != nil {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.raw != nil {
		return s.raw(dr), nil
	}
	return syntheticObservations(dr), nil
}

// fakeStore records loads. errs[i] is returned by the i-th attempt; attempts
// past the end of errs succeed. A non-nil hang blocks Load until closed,
// ignoring ctx.
type fakeStore struct {
	name    string
	hang    chan struct{}
	pingErr error

	mu     sync.Mutex
	errs   []error
	calls  int
	loaded []domain.Partition
}

func (s *fakeStore) Name() string { return s.name }

func (s *fakeStore) Load(_ context.Context, p domain.Partition) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	s.mu.Unlock()

	if s.hang != nil {
		<-s.hang
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.loaded = append(s.loaded, p)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) setErrs(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = errs
	s.calls = 0
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeStore) loads() []domain.Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Partition(nil), s.loaded...)
}

func unavailable(store string) error {
	return domain.NewStoreError(store, domain.KindStoreUnavailable, false, context.DeadlineExceeded)
}

func schemaError(store string) error {
	return domain.NewStoreError(store, domain.KindSchema, false, errMissingCollection)
}
