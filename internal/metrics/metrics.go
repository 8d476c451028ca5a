// Package metrics exposes the pipeline's observability counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "estatefeed"

// Metrics holds every collector the pipeline reports to. A nil *Metrics is valid and
// records nothing, which keeps component tests free of registry plumbing.
type Metrics struct {
	RecordsRead      *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	DealsInserted    *prometheus.CounterVec
	DealsDuplicate   *prometheus.CounterVec
	PropertyOutcomes *prometheus.CounterVec
	GeocodeOutcomes  *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec
	AggregateUpserts *prometheus.CounterVec
	BatchesCompleted *prometheus.CounterVec
	ProximityPairs   *prometheus.GaugeVec
	JobDuration      *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Raw records read from the transaction source",
		}, []string{"trade"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped before persistence",
		}, []string{"trade", "reason"}),
		DealsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deals_inserted_total",
			Help:      "Transaction rows newly inserted",
		}, []string{"trade"}),
		DealsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deals_duplicate_total",
			Help:      "Transaction rows absorbed as duplicates",
		}, []string{"trade"}),
		PropertyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "property_resolutions_total",
			Help:      "Property resolutions by outcome",
		}, []string{"outcome"}), // created, found_existing, refreshed
		GeocodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_results_total",
			Help:      "Geocoding cascade results by outcome",
		}, []string{"outcome"}), // resolved, unresolved, rate_limited
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_errors_total",
			Help:      "Source page fetch failures by class",
		}, []string{"class"}),
		AggregateUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_cells_upserted_total",
			Help:      "Monthly aggregate cells written",
		}, []string{"trade"}),
		BatchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_completed_total",
			Help:      "Ingestion batches by status",
		}, []string{"trade", "status"}),
		ProximityPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proximity_pairs",
			Help:      "Materialized property/amenity pairs after the last refresh",
		}, []string{"kind"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run duration",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsRead,
			m.RecordsSkipped,
			m.DealsInserted,
			m.DealsDuplicate,
			m.PropertyOutcomes,
			m.GeocodeOutcomes,
			m.SourceErrors,
			m.AggregateUpserts,
			m.BatchesCompleted,
			m.ProximityPairs,
			m.JobDuration,
		)
	}
	return m
}

func (m *Metrics) RecordRead(trade string) {
	if m == nil {
		return
	}
	m.RecordsRead.WithLabelValues(trade).Inc()
}

func (m *Metrics) RecordSkipped(trade, reason string) {
	if m == nil {
		return
	}
	m.RecordsSkipped.WithLabelValues(trade, reason).Inc()
}

func (m *Metrics) AddInserted(trade string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DealsInserted.WithLabelValues(trade).Add(float64(n))
}

func (m *Metrics) AddDuplicates(trade string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DealsDuplicate.WithLabelValues(trade).Add(float64(n))
}

func (m *Metrics) PropertyOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PropertyOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GeocodeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.GeocodeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SourceError(class string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) AddAggregateUpserts(trade string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AggregateUpserts.WithLabelValues(trade).Add(float64(n))
}

func (m *Metrics) BatchDone(trade string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BatchesCompleted.WithLabelValues(trade, status).Inc()
}

func (m *Metrics) SetProximityPairs(kind string, n int) {
	if m == nil {
		return
	}
	m.ProximityPairs.WithLabelValues(kind).Set(float64(n))
}

// ObserveJob records how long a job ran since start.
func (m *Metrics) ObserveJob(job string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobDuration.WithLabelValues(job, status).Observe(time.Since(start).Seconds())
}
