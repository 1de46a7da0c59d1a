package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoadProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_load_progress_ratio",
		Help: "Fraction of weight bytes loaded so far",
	})

	LoadSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_load_seconds",
		Help: "Wall time of the last model load",
	})

	EvalTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eval_tokens_total",
		Help: "The total number of tokens evaluated",
	})

	EvalDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eval_duration_seconds",
		Help:    "Duration of eval calls, split by prompt vs single-token",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	KVCacheTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_tokens",
		Help: "Tokens currently held in the KV cache",
	})

	GraphSplits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_splits_per_eval",
		Help:    "Number of backend sub-graphs per eval",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_transfer_bytes_total",
		Help: "Bytes moved across backend boundaries",
	}, []string{"edge"})

	QuantizeTensorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantize_tensors_total",
		Help: "Tensors processed by the quantizer",
	}, []string{"type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})
)
