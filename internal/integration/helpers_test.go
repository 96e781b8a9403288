//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostgres returns a connection URL for a throwaway PostgreSQL.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("weather"),
		tcpostgres.WithUsername("etl"),
		tcpostgres.WithPassword("etl"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// startMongo returns a connection URI for a throwaway MongoDB.
func startMongo(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := mongodb.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start mongodb container")

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	return uri
}

// startKafka returns the bootstrap broker of a single-node cluster.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("weather-etl-test"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// archiveServer mimics the hourly archive endpoint. Every requested parameter
// follows a diurnal sine inside its physical range, so repair keeps it as is.
type archiveServer struct {
	*httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	queries  []string
}

// requestURLs returns the full URL of every request served so far.
func (s *archiveServer) requestURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	for i, q := range s.queries {
		out[i] = s.URL + "?" + q
	}
	return out
}

func newArchiveServer(t *testing.T) *archiveServer {
	t.Helper()
	ranges := make(map[string]domain.Variable, len(domain.Variables))
	for _, v := range domain.Variables {
		if _, ok := ranges[v.Param]; !ok {
			ranges[v.Param] = v
		}
	}

	s := &archiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.RawQuery)
		s.mu.Unlock()
		q := r.URL.Query()
		dr, err := domain.ParseDateRange(q.Get("start_date"), q.Get("end_date"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":true,"reason":"bad range"}`))
			return
		}

		hours := dr.Hours()
		hourly := map[string]any{}
		times := make([]string, len(hours))
		for i, h := range hours {
			times[i] = h.Format("2006-01-02T15:04")
		}
		hourly["time"] = times
		for _, param := range strings.Split(q.Get("hourly"), ",") {
			v := ranges[param]
			mid, amp := (v.Min+v.Max)/2, (v.Max-v.Min)/8
			col := make([]float64, len(hours))
			for i, h := range hours {
				col[i] = mid + amp*math.Sin(2*math.Pi*float64(h.Hour())/24)
			}
			hourly[param] = col
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"latitude":  q.Get("latitude"),
			"longitude": q.Get("longitude"),
			"hourly":    hourly,
		})
	}))
	t.Cleanup(s.Close)
	return s
}
