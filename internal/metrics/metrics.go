package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSucceeded = "succeeded"
	ResultRetrying  = "retrying"
	ResultFailed    = "failed"

	CycleOK          = "ok"
	CycleConfigError = "config_error"
	CycleStoreError  = "store_error"
)

type metrics struct {
	itemsTotal    *prometheus.CounterVec
	cyclesTotal   *prometheus.CounterVec
	requeuedTotal *prometheus.CounterVec

	callLatency *prometheus.HistogramVec
	claimed     *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		itemsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "items_total",
			Help:      "Total number of processed queue items by outcome.",
		}, []string{"family", "result"}),
		cyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "cycles_total",
			Help:      "Total number of drain cycles.",
		}, []string{"family", "result"}),
		requeuedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "stale_requeued_total",
			Help:      "Total number of stale processing items returned to pending.",
		}, []string{"family"}),
		callLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "call_seconds",
			Help:      "Latency distribution for provider calls.",
			Buckets: []float64{
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"family"}),
		claimed: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "claimed_batch_size",
			Help:      "Number of items claimed per drain cycle.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}, []string{"family"}),
	}
})

func ObserveItem(family, result string) {
	metricsSingleton().itemsTotal.WithLabelValues(family, result).Inc()
}

func ObserveCycle(family, result string) {
	metricsSingleton().cyclesTotal.WithLabelValues(family, result).Inc()
}

func ObserveRequeued(family string, n int) {
	metricsSingleton().requeuedTotal.WithLabelValues(family).Add(float64(n))
}

func ObserveCall(family string, d time.Duration) {
	metricsSingleton().callLatency.WithLabelValues(family).Observe(d.Seconds())
}

func ObserveClaimed(family string, n int) {
	metricsSingleton().claimed.WithLabelValues(family).Observe(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	metricsSingleton()
	return promhttp.Handler()
}
