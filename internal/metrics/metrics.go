package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_duration_seconds",
		Help:    "Time spent serving endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Handle pool metrics
	HandleConstructionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handlepool_construction_seconds",
		Help:    "Latency of library handle construction on a pool miss",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
	}, []string{"pool"})

	HandleConstructionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handlepool_construction_failures_total",
		Help: "Total number of failed library handle constructions",
	}, []string{"pool"})

	HandleDestroyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handlepool_destroy_failures_total",
		Help: "Total number of library handles whose deleter returned an error",
	}, []string{"pool"})

	// Kernel metrics
	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_launches_total",
		Help: "Total number of kernel launches by library, backend and outcome",
	}, []string{"library", "backend", "outcome"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_ms",
		Help:    "Duration of kernel launches in milliseconds, handle borrow included",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10µs to ~5s
	}, []string{"library", "backend"})

	GemmGFLOPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_gemm_gflops",
		Help: "Throughput of the last matrix multiplication in GFLOPS",
	})

	DeviceMemoryUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_memory_used_bytes",
		Help: "Device memory in use at the last device query in bytes",
	})
)
