package identitymap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters a Database reports. Build one with NewMetrics;
// a nil registerer yields working but unregistered collectors.
type Metrics struct {
	Lookups       *prometheus.CounterVec
	StorageReads  *prometheus.CounterVec
	Flushes       *prometheus.CounterVec
	Invalidations prometheus.Counter
	Transactions  *prometheus.CounterVec
}

// NewMetrics creates the counters under the "identitymap" namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identitymap",
			Name:      "cache_lookups_total",
			Help:      "Entity cache lookups by result (hit, miss, absent).",
		}, []string{"result"}),
		StorageReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identitymap",
			Name:      "storage_reads_total",
			Help:      "Storage reads issued on cache misses, by operation.",
		}, []string{"op"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identitymap",
			Name:      "flushes_total",
			Help:      "Write batch flushes by result.",
		}, []string{"result"}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "identitymap",
			Name:      "invalidations_total",
			Help:      "Cache entries evicted or marked deleted for deletes flushed on commit.",
		}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identitymap",
			Name:      "transactions_total",
			Help:      "Finished transactions by outcome.",
		}, []string{"outcome"}),
	}
}
