package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay-level Prometheus collectors, registered on the default registry
// and exposed on the metrics listener.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayd",
		Name:      "requests_total",
		Help:      "Relay requests by provider, endpoint, and outcome code.",
	}, []string{"provider", "endpoint", "code"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayd",
		Name:      "tokens_total",
		Help:      "Settled tokens by provider and token kind.",
	}, []string{"provider", "kind"})

	CostMicroTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayd",
		Name:      "cost_micro_usd_total",
		Help:      "Settled real cost in micro-USD by provider and model.",
	}, []string{"provider", "model"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayd",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream request latency until the response finished.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"provider", "streaming"})

	AccountsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayd",
		Name:      "accounts_quarantined_total",
		Help:      "Upstream accounts quarantined by error kind.",
	}, []string{"provider", "kind"})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayd",
		Name:      "admission_rejections_total",
		Help:      "Requests rejected at admission by limit dimension.",
	}, []string{"dimension"})
)

// ObserveUsage records settled token counters for one request.
func ObserveUsage(provider string, input, output, cacheCreate, cacheRead int64) {
	TokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	TokensTotal.WithLabelValues(provider, "cache_create").Add(float64(cacheCreate))
	TokensTotal.WithLabelValues(provider, "cache_read").Add(float64(cacheRead))
}
