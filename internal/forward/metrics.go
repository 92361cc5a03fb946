package forward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_forward_duration_seconds",
		Help:    "Full forward pass latency through all layers",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	forwardThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bodkin_forward_throughput",
		Help: "Last observed forward throughput in tokens per second",
	}, []string{"device"})

	sequencesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_sequences_total",
		Help: "Total sequences run through the decoder stack",
	}, []string{"device"})

	tokensProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_tokens_total",
		Help: "Total token positions run through the decoder stack",
	}, []string{"device"})

	numericFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_numeric_failures_total",
		Help: "Forward passes rejected for non-finite outputs",
	}, []string{"device"})
)
