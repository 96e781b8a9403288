//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-domain-etl/internal/adapter/document"
	"github.com/couchcryptid/weather-domain-etl/internal/adapter/relational"
	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

var allTables = []string{domain.TableFact, domain.TableSolar, domain.TableAgricultural, domain.TableMarineWind}

// testPartition builds n hourly rows from 2023-01-01 00:00 UTC where every
// variable holds base + hour index.
func testPartition(n int, base float64) domain.Partition {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]domain.EnrichedRecord, n)
	for i := range recs {
		ts := start.Add(time.Duration(i) * time.Hour)
		values := make(map[string]float64, len(domain.Variables))
		for _, v := range domain.Variables {
			values[v.Name] = base + float64(i)
		}
		recs[i] = domain.EnrichedRecord{
			RepairedObservation: domain.RepairedObservation{Time: ts, Values: values},
			Calendar:            domain.DeriveCalendar(ts),
		}
	}
	return domain.PartitionRecords(recs)
}

func TestRelationalPostgres_LoadIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := relational.Open("postgres", startPostgres(ctx, t), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Load(ctx, testPartition(48, 10)))
	require.NoError(t, s.Load(ctx, testPartition(48, 100)))

	p := testPartition(48, 100)
	first, last, err := p.Span()
	require.NoError(t, err)
	for _, table := range allTables {
		keys, err := s.Keys(ctx, table, first, last)
		require.NoError(t, err)
		assert.Len(t, keys, 48, table)
	}

	facts, err := s.Facts(ctx, first, last)
	require.NoError(t, err)
	require.Len(t, facts, 48)
	assert.InDelta(t, 105.0, facts[5].Temperature2m, 1e-9)

	days, err := s.CalendarKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{20230101, 20230102}, days)
}

func TestRelationalPostgres_MissingTableIsSchemaError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := relational.Open("postgres", startPostgres(ctx, t), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.Load(ctx, testPartition(24, 10))
	require.Error(t, err)
	assert.Equal(t, domain.KindSchema, domain.StoreErrorKindOf(err))
	assert.False(t, domain.IsRetryable(err))
}

func TestDocumentMongo_LoadIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := document.Connect(ctx, startMongo(ctx, t), "weather", "", "", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.NoError(t, s.EnsureIndexes(ctx))
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Load(ctx, testPartition(48, 10)))
	require.NoError(t, s.Load(ctx, testPartition(48, 100)))

	p := testPartition(48, 100)
	first, last, err := p.Span()
	require.NoError(t, err)
	for _, table := range allTables {
		keys, err := s.Keys(ctx, table, first, last)
		require.NoError(t, err)
		assert.Len(t, keys, 48, table)
	}

	facts, err := s.Facts(ctx, first, last)
	require.NoError(t, err)
	if diff := cmp.Diff(p.Fact, facts, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("stored facts mismatch (-want +got):\n%s", diff)
	}
}
