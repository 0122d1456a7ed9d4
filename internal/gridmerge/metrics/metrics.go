package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "gridmerge_"

var transitionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "transitions_total",
		Help: "Number of committed job state transitions, by target state",
	},
	[]string{"state"},
)

var boundSlotsGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "bound_slots",
		Help: "Number of merge slots currently bound to a projection",
	},
)

var mergeTimeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "merge_read_seconds",
		Help:    "Time taken to decode and accumulate a batch of job outputs for one projection",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
)

var flushTimeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "flush_write_seconds",
		Help:    "Time taken to write the merged outputs of one projection",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
)

var signalsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "signals_received_total",
		Help: "Number of signals received from workers, by kind",
	},
	[]string{"kind"},
)

var auxMergeFailuresCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "aux_merge_failures_total",
		Help: "Number of failed merges of auxiliary outputs",
	},
)

var jobsGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: MetricPrefix + "jobs",
		Help: "Number of jobs in each state",
	},
	[]string{"state"},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordTransition(state string) {
	transitionsCounter.With(map[string]string{"state": state}).Inc()
}

func (m *Metrics) RecordBoundSlots(n int) {
	boundSlotsGauge.Set(float64(n))
}

func (m *Metrics) RecordMergeTime(duration time.Duration) {
	mergeTimeHist.Observe(duration.Seconds())
}

func (m *Metrics) RecordFlushTime(duration time.Duration) {
	flushTimeHist.Observe(duration.Seconds())
}

func (m *Metrics) RecordSignal(kind string) {
	signalsCounter.With(map[string]string{"kind": kind}).Inc()
}

func (m *Metrics) RecordAuxMergeFailure() {
	auxMergeFailuresCounter.Inc()
}

func (m *Metrics) RecordJobCounts(counts map[string]int) {
	for state, n := range counts {
		jobsGauge.With(map[string]string{"state": state}).Set(float64(n))
	}
}
