package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recovery outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeInvalid = "invalid" // recovered data did not match the template
)

// BytesRecoveredTotal is the name of the bytes recovered counter.
const BytesRecoveredTotal = "availbench_bytes_recovered_total"

// BenchMetrics holds the run-level Prometheus metrics written by the driver.
type BenchMetrics struct {
	// Counters
	BytesRecovered prometheus.Counter
	Recoveries     *prometheus.CounterVec
	BlockOverruns  prometheus.Counter

	// Gauges
	CurrentBlock prometheus.Gauge
	BlockTimeMs  prometheus.Gauge
	Validators   prometheus.Gauge
	Cores        prometheus.Gauge

	// Histograms
	RecoveryLatency prometheus.Histogram
	PoVSize         prometheus.Histogram
}

// NewBenchMetrics creates and registers the run-level metrics on reg.
func NewBenchMetrics(reg prometheus.Registerer) *BenchMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &BenchMetrics{
		BytesRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: BytesRecoveredTotal,
				Help: "Encoded bytes of available data recovered",
			},
		),

		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "availbench_recoveries_total",
				Help: "Completed recoveries by outcome",
			},
			[]string{"outcome"},
		),

		BlockOverruns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "availbench_block_overruns_total",
				Help: "Blocks whose recoveries took longer than the block time",
			},
		),

		CurrentBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "availbench_current_block",
				Help: "Block currently being processed",
			},
		),

		BlockTimeMs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "availbench_block_time_ms",
				Help: "Wall time of the last completed block in milliseconds",
			},
		),

		Validators: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "availbench_n_validators",
				Help: "Number of validators each payload is spread over",
			},
		),

		Cores: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "availbench_n_cores",
				Help: "Number of recoveries submitted per block",
			},
		),

		RecoveryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "availbench_recovery_latency_seconds",
				Help:    "Time from submitting a recovery to receiving its result",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 3, 6, 12},
			},
		),

		PoVSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "availbench_pov_size_bytes",
				Help:    "Size of recovered payloads",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
	}
}

// SetRunShape records the static dimensions of the run.
func (m *BenchMetrics) SetRunShape(validators, cores int) {
	m.Validators.Set(float64(validators))
	m.Cores.Set(float64(cores))
}

// RecordRecovery records a successful recovery of encodedSize bytes.
func (m *BenchMetrics) RecordRecovery(encodedSize, povSize int, latency time.Duration) {
	m.BytesRecovered.Add(float64(encodedSize))
	m.Recoveries.WithLabelValues(OutcomeSuccess).Inc()
	m.RecoveryLatency.Observe(latency.Seconds())
	m.PoVSize.Observe(float64(povSize))
}

// RecordRecoveryFailure records a recovery that did not yield usable data.
func (m *BenchMetrics) RecordRecoveryFailure(outcome string) {
	m.Recoveries.WithLabelValues(outcome).Inc()
}

// RecordBlock records the wall time of a finished block.
func (m *BenchMetrics) RecordBlock(d time.Duration, overrun bool) {
	m.BlockTimeMs.Set(float64(d.Milliseconds()))
	if overrun {
		m.BlockOverruns.Inc()
	}
}

// EngineMetrics holds the Prometheus metrics written by the recovery engine.
type EngineMetrics struct {
	Fetches       *prometheus.CounterVec
	FetchedBytes  *prometheus.CounterVec
	Inflight      prometheus.Gauge
	ChunksPerTask prometheus.Histogram
}

// NewEngineMetrics creates and registers the recovery engine metrics on reg.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &EngineMetrics{
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "availbench_recovery_fetches_total",
				Help: "Requests issued by the recovery engine by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		FetchedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "availbench_recovery_fetched_bytes_total",
				Help: "Bytes received by the recovery engine by kind",
			},
			[]string{"kind"},
		),

		Inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "availbench_recovery_inflight",
				Help: "Recoveries currently being processed",
			},
		),

		ChunksPerTask: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "availbench_recovery_chunks_requested",
				Help:    "Chunk requests issued per chunk recovery",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

// RecordFetch records one fetch of the given kind ("chunk" or "full").
func (m *EngineMetrics) RecordFetch(kind, outcome string, bytes int) {
	m.Fetches.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		m.FetchedBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}
