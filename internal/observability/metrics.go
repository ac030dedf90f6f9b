package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minitest",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	serialBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "serial",
			Name:      "bytes_received_total",
			Help:      "Raw bytes received per device.",
		},
		[]string{"device"},
	)
	samplesDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "pipeline",
			Name:      "samples_decoded_total",
			Help:      "Physical samples decoded by the persister.",
		},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "pipeline",
			Name:      "envelopes_total",
			Help:      "Envelopes emitted into the pipeline by kind.",
		},
		[]string{"kind"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "minitest",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Buffered items per pipeline queue.",
		},
		[]string{"queue"},
	)
	saveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "minitest",
			Subsystem: "storage",
			Name:      "save_duration_seconds",
			Help:      "Save task duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	saveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "storage",
			Name:      "save_failures_total",
			Help:      "Save tasks that reported an error.",
		},
	)
	barrierWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "minitest",
			Subsystem: "syncbar",
			Name:      "waits_total",
			Help:      "Barrier wait calls across all batches.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			serialBytes, samplesDecoded, envelopes, queueDepth,
			saveDuration, saveFailures, barrierWaits,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSerialBytes(device string, n int) {
	RegisterMetrics()
	serialBytes.WithLabelValues(device).Add(float64(n))
}

func RecordSamplesDecoded(n int) {
	RegisterMetrics()
	samplesDecoded.Add(float64(n))
}

func RecordEnvelope(kind string) {
	RegisterMetrics()
	envelopes.WithLabelValues(kind).Inc()
}

func SetQueueDepth(queue string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func RecordSave(kind string, duration time.Duration, failed bool) {
	RegisterMetrics()
	saveDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if failed {
		saveFailures.Inc()
	}
}

func RecordBarrierWait() {
	RegisterMetrics()
	barrierWaits.Inc()
}
