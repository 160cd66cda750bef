package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the price pipeline. A nil
// *Registry is valid and records nothing.
type Registry struct {
	// Collector
	CycleTotal     *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	FetchAttempts  *prometheus.CounterVec
	CollectorState prometheus.Gauge
	LastSample     *prometheus.GaugeVec

	// Ledger
	LedgerAppends *prometheus.CounterVec
	LedgerResets  prometheus.Counter

	// Client side
	SyncOutcomes *prometheus.CounterVec
	SyncDuration prometheus.Histogram
	MergeRecords *prometheus.CounterVec
	SeriesPoints prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the registry and registers it on reg. Passing nil uses a fresh
// private prometheus.Registry.
func New(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Registry{
		CycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcpms_collector_cycles_total",
				Help: "Collector cycles by result (success, failed, write_error)",
			},
			[]string{"result"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gcpms_collector_cycle_duration_seconds",
				Help:    "Wall time of one collector cycle including retries",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
			},
		),
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcpms_collector_fetch_attempts_total",
				Help: "Price field fetch attempts by field and result",
			},
			[]string{"field", "result"},
		),
		CollectorState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gcpms_collector_state",
				Help: "Collector state (0=idle, 1=fetching, 2=retry, 3=success, 4=failed)",
			},
		),
		LastSample: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gcpms_collector_last_sample_unixtime",
				Help: "Unix time of the last persisted sample",
			},
			[]string{"sink"},
		),
		LedgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcpms_ledger_appends_total",
				Help: "Ledger line appends by result",
			},
			[]string{"result"},
		),
		LedgerResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gcpms_ledger_resets_total",
				Help: "Ledger truncations caused by key rotation",
			},
		),
		SyncOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcpms_sync_outcomes_total",
				Help: "Remote ledger downloads by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gcpms_sync_duration_seconds",
				Help:    "Duration of one remote download",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		MergeRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcpms_series_merge_records_total",
				Help: "Ledger records seen by merge, by result (added, duplicate, failed)",
			},
			[]string{"result"},
		),
		SeriesPoints: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gcpms_series_points",
				Help: "Number of timestamps currently held by the series store",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		r.CycleTotal,
		r.CycleDuration,
		r.FetchAttempts,
		r.CollectorState,
		r.LastSample,
		r.LedgerAppends,
		r.LedgerResets,
		r.SyncOutcomes,
		r.SyncDuration,
		r.MergeRecords,
		r.SeriesPoints,
	)
	return r
}

// Gatherer exposes the underlying registry for the /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// RecordCycle counts one collector cycle by result and observes its duration.
func (r *Registry) RecordCycle(result string, seconds float64) {
	if r == nil {
		return
	}
	r.CycleTotal.WithLabelValues(result).Inc()
	r.CycleDuration.Observe(seconds)
}

// RecordFetch counts one field fetch attempt.
func (r *Registry) RecordFetch(field, result string) {
	if r == nil {
		return
	}
	r.FetchAttempts.WithLabelValues(field, result).Inc()
}

// SetCollectorState exports the state machine position as a number.
func (r *Registry) SetCollectorState(state int) {
	if r == nil {
		return
	}
	r.CollectorState.Set(float64(state))
}

// RecordSample sets the time of the last sample a sink accepted.
func (r *Registry) RecordSample(sink string, unix int64) {
	if r == nil {
		return
	}
	r.LastSample.WithLabelValues(sink).Set(float64(unix))
}

// RecordAppend counts a ledger append by result (ok or error).
func (r *Registry) RecordAppend(result string) {
	if r == nil {
		return
	}
	r.LedgerAppends.WithLabelValues(result).Inc()
}

// RecordReset counts a ledger reset caused by a key change.
func (r *Registry) RecordReset() {
	if r == nil {
		return
	}
	r.LedgerResets.Inc()
}

// RecordSync counts a download by outcome and observes its duration.
func (r *Registry) RecordSync(outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.SyncOutcomes.WithLabelValues(outcome).Inc()
	r.SyncDuration.Observe(seconds)
}

// RecordMerge adds merge counts and sets the number of points held.
func (r *Registry) RecordMerge(added, duplicates, failed, points int) {
	if r == nil {
		return
	}
	r.MergeRecords.WithLabelValues("added").Add(float64(added))
	r.MergeRecords.WithLabelValues("duplicate").Add(float64(duplicates))
	r.MergeRecords.WithLabelValues("failed").Add(float64(failed))
	r.SeriesPoints.Set(float64(points))
}
