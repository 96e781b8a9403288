package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	RunsTotal            *prometheus.CounterVec   // labels: status={succeeded,partial,failed,skipped}
	StageDuration        *prometheus.HistogramVec // labels: stage
	PipelineRunning      prometheus.Gauge
	LastSuccessTimestamp prometheus.Gauge

	// Source adapter metrics.
	SourceRequests        *prometheus.CounterVec // labels: feed={land,marine}, outcome={success,retry,error,archived}
	SourceRequestDuration *prometheus.HistogramVec

	// Quality repair metrics.
	ImputedValues   *prometheus.CounterVec // labels: variable
	ClippedValues   *prometheus.CounterVec // labels: variable
	DegradedColumns prometheus.Gauge

	// Loader metrics.
	RowsLoaded        *prometheus.CounterVec // labels: store, table
	StoreLoadErrors   *prometheus.CounterVec // labels: store, kind
	StoreLoadDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.RunsTotal,
		m.StageDuration,
		m.PipelineRunning,
		m.LastSuccessTimestamp,
		m.SourceRequests,
		m.SourceRequestDuration,
		m.ImputedValues,
		m.ClippedValues,
		m.DegradedColumns,
		m.RowsLoaded,
		m.StoreLoadErrors,
		m.StoreLoadDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      help("Pipeline runs by final status."),
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      help("Duration of each pipeline stage."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      help("1 while a run is in flight, 0 otherwise."),
		}),
		LastSuccessTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      help("Unix time of the last run that loaded both stores."),
		}),
		SourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      help("Weather API requests by feed and outcome."),
		}, []string{"feed", "outcome"}),
		SourceRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      help("Weather API request duration in seconds."),
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"feed"}),
		ImputedValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imputed_values_total",
			Help:      help("Values filled by interpolation, by variable."),
		}, []string{"variable"}),
		ClippedValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clipped_values_total",
			Help:      help("Values clamped or fenced, by variable."),
		}, []string{"variable"}),
		DegradedColumns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_columns",
			Help:      help("Columns filled with the missing-data sentinel in the last run."),
		}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      help("Rows upserted by store and table."),
		}, []string{"store", "table"}),
		StoreLoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_load_errors_total",
			Help:      help("Failed store load attempts by store and error kind."),
		}, []string{"store", "kind"}),
		StoreLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_load_duration_seconds",
			Help:      help("Duration of a complete load into one store."),
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"store"}),
	}
}
