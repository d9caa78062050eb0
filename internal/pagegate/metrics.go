package pagegate

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	networkFetches prometheus.Counter
	fallbacks      *prometheus.CounterVec
	messages       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagegate",
			Name:      "cache_hits_total",
			Help:      "Requests served from a partition, by strategy.",
		}, []string{"strategy"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagegate",
			Name:      "cache_misses_total",
			Help:      "Partition lookups that found no entry, by strategy.",
		}, []string{"strategy"}),
		networkFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagegate",
			Name:      "network_fetches_total",
			Help:      "Fetches issued against the real network.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagegate",
			Name:      "fallbacks_total",
			Help:      "Fallback responses served, by kind.",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagegate",
			Name:      "messages_total",
			Help:      "Inbound control messages, by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	reg.MustRegister(m.cacheHits, m.cacheMisses, m.networkFetches, m.fallbacks, m.messages)
	return m
}
