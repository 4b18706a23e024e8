// Package metrics exposes Prometheus collectors for model loading and
// generation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_load_duration_seconds",
		Help:    "Time spent in acquire and build, by phase",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"phase"})

	LoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_load_errors_total",
		Help: "Failed acquire or build calls, by phase",
	}, []string{"phase"})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_forward_duration_seconds",
		Help:    "Duration of pipeline forward calls, by model variant",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	ForwardTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_forward_tokens_total",
		Help: "Tokens pushed through the model, by path",
	}, []string{"path"})

	SampledTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_sampled_tokens_total",
		Help: "Tokens produced by the sampler",
	})

	SamplingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_sampling_errors_total",
		Help: "Sample calls that returned an error",
	})

	ComputeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_compute_failures_total",
		Help: "Forward calls that hit a compute failure",
	})

	ActiveSequences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_active_sequences",
		Help: "Sequences currently held in the sequence store",
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_context_length_tokens",
		Help:    "Prompt length in tokens when a generation starts",
		Buckets: []float64{16, 64, 256, 512, 1024, 2048, 4096, 8192},
	})
)

func RecordLoad(phase string, d time.Duration, err error) {
	LoadDuration.WithLabelValues(phase).Observe(d.Seconds())
	if err != nil {
		LoadErrors.WithLabelValues(phase).Inc()
	}
}

func RecordForward(variant string, incremental, full int, d time.Duration) {
	ForwardDuration.WithLabelValues(variant).Observe(d.Seconds())
	ForwardTokens.WithLabelValues("incremental").Add(float64(incremental))
	if full > 0 {
		ForwardTokens.WithLabelValues("full").Add(float64(full))
	}
}

func RecordSample(err error) {
	if err != nil {
		SamplingErrors.Inc()
		return
	}
	SampledTokens.Inc()
}

func RecordComputeFailure() {
	ComputeFailures.Inc()
}

func RecordContextLength(tokens int) {
	ContextLength.Observe(float64(tokens))
}
