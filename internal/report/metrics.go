package report

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollomancer/sbir-analytics-sub004/internal/enrich"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Metrics exports pipeline observability counters on a private registry so
// tests and embedders never collide with the default global one.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	assetRows     *prometheus.CounterVec
	assetBytes    *prometheus.CounterVec
	assetDuration *prometheus.HistogramVec
	assetRetries  *prometheus.CounterVec
	rowErrors     *prometheus.CounterVec
	checkResults  *prometheus.CounterVec
	peakMemDelta  *prometheus.GaugeVec

	enrichResolutions *prometheus.CounterVec
	enrichMatchRate   *prometheus.GaugeVec
}

// NewMetrics registers all pipeline collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Completed runs by mode and outcome",
		}, []string{"mode", "succeeded"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall-clock duration of a full run",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"mode"}),
		assetRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "asset_rows_total",
			Help: "Rows written per asset",
		}, []string{"asset"}),
		assetBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "asset_bytes_total",
			Help: "Bytes written per asset",
		}, []string{"asset"}),
		assetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "asset_duration_seconds",
			Help:    "Materialization duration per asset",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
		}, []string{"asset", "status"}),
		assetRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "asset_retries_total",
			Help: "Materialization retries per asset",
		}, []string{"asset"}),
		rowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "row_errors_total",
			Help: "Malformed rows quarantined per asset",
		}, []string{"asset"}),
		checkResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "check_results_total",
			Help: "Quality check evaluations",
		}, []string{"asset", "check", "severity", "passed"}),
		peakMemDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "asset_peak_mem_delta_mb",
			Help: "Peak heap growth during the last materialization",
		}, []string{"asset"}),
		enrichResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrichment_resolutions_total",
			Help: "Field resolutions by strategy source",
		}, []string{"field", "source"}),
		enrichMatchRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "enrichment_match_rate",
			Help: "Per-field match rate of the last run",
		}, []string{"field"}),
	}
	reg.MustRegister(
		m.runsTotal, m.runDuration,
		m.assetRows, m.assetBytes, m.assetDuration, m.assetRetries,
		m.rowErrors, m.checkResults, m.peakMemDelta,
		m.enrichResolutions, m.enrichMatchRate,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records one finished run and all of its asset outcomes.
func (m *Metrics) ObserveRun(run *types.Run) {
	mode := string(run.Mode)
	m.runsTotal.WithLabelValues(mode, strconv.FormatBool(run.Succeeded())).Inc()
	if !run.Ended.IsZero() {
		m.runDuration.WithLabelValues(mode).Observe(run.Ended.Sub(run.Started).Seconds())
	}
	for _, res := range run.Results {
		if !res.Started.IsZero() && !res.Ended.IsZero() {
			m.assetDuration.WithLabelValues(res.Asset, string(res.Status)).
				Observe(res.Ended.Sub(res.Started).Seconds())
		}
		if res.Meta == nil {
			continue
		}
		m.assetRows.WithLabelValues(res.Asset).Add(float64(res.Meta.Artifact.Rows))
		m.assetBytes.WithLabelValues(res.Asset).Add(float64(res.Meta.Artifact.Bytes))
		m.assetRetries.WithLabelValues(res.Asset).Add(float64(res.Meta.Retries))
		m.rowErrors.WithLabelValues(res.Asset).Add(float64(res.Meta.RowErrors))
		m.peakMemDelta.WithLabelValues(res.Asset).Set(res.Meta.PeakMemDeltaMB)
		for _, c := range res.Meta.Checks {
			m.checkResults.WithLabelValues(res.Asset, c.Check, string(c.Severity),
				strconv.FormatBool(c.Passed)).Inc()
		}
	}
}

// ObserveEnrichment records the engine's per-field quality aggregation.
func (m *Metrics) ObserveEnrichment(stats *enrich.Stats) {
	for _, field := range stats.Fields() {
		fs := stats.Field(field)
		m.enrichMatchRate.WithLabelValues(field).Set(fs.MatchRate())
		for source, n := range fs.BySource {
			m.enrichResolutions.WithLabelValues(field, string(source)).Add(float64(n))
		}
	}
}
