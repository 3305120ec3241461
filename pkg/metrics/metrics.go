package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StoreCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "docstore", Name: "store_call_duration_seconds", Help: "Storage port call latency by operation.", Buckets: prometheus.DefBuckets},
		[]string{"op", "doc_type"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "store_errors_total", Help: "Unexpected storage port errors by operation."},
		[]string{"op", "doc_type"},
	)
	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "store_retries_total", Help: "Transient backend failures retried by adapters."},
		[]string{"backend"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "cache_lookups_total", Help: "Read cache lookups by result (hit, miss)."},
		[]string{"cache", "result"},
	)
	MutationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "mutation_outcomes_total", Help: "Mutation results by action and outcome."},
		[]string{"action", "outcome"},
	)
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "docstore", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(StoreCallDuration)
	reg.MustRegister(StoreErrors)
	reg.MustRegister(StoreRetries)
	reg.MustRegister(CacheLookups)
	reg.MustRegister(MutationOutcomes)
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
}
