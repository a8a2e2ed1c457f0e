// Package metrics provides Prometheus metrics for the TLS material
// cache: fetch outcomes by kind and protocol, parse and eviction counts,
// and per-cache gauges exported through a stats collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "certmux"

var (
	// FetchTotal counts material fetches by kind, protocol and outcome.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total material fetches",
		},
		[]string{"kind", "protocol", "outcome"},
	)

	// FetchErrors counts failed fetches by kind and protocol.
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Total failed material fetches",
		},
		[]string{"kind", "protocol"},
	)

	// ParseSeconds tracks time spent in every material parse: cache
	// misses, refreshes, passphrase bypasses and uncached fetches.
	ParseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_seconds",
			Help:      "Material parse latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// GenerationReloads counts configuration generation swaps.
	GenerationReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_reloads_total",
			Help:      "Total configuration generation reloads",
		},
	)
)

// Fetch outcome label values.
const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeBypass  = "bypass"
	OutcomeInherit = "inherit"
)

// Protocol label values.
const (
	ProtocolConfig     = "config"
	ProtocolConnection = "connection"
)
