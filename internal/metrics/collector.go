package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/certmux/internal/objcache"
)

// StatsSource is anything that can snapshot cache counters; both the
// configuration-time and the connection-time caches qualify.
type StatsSource interface {
	Snapshot() objcache.StatsSnapshot
}

// CacheCollector exports a cache's internal counters as const metrics at
// scrape time, so the cache itself carries no prometheus dependency.
type CacheCollector struct {
	name   string
	source StatsSource

	entries    *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	creates    *prometheus.Desc
	duplicates *prometheus.Desc
	inherits   *prometheus.Desc
	evictions  *prometheus.Desc
	refreshes  *prometheus.Desc
}

// NewCacheCollector builds a collector for one named cache instance.
func NewCacheCollector(name string, source StatsSource) *CacheCollector {
	labels := prometheus.Labels{"cache": name}

	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", metric),
			help, nil, labels)
	}

	return &CacheCollector{
		name:       name,
		source:     source,
		entries:    desc("entries", "Current number of cached materials"),
		hits:       desc("hits_total", "Total cache hits"),
		misses:     desc("misses_total", "Total cache misses"),
		creates:    desc("creates_total", "Total material parses"),
		duplicates: desc("duplicates_total", "Total handle duplications"),
		inherits:   desc("inherits_total", "Total cross-generation inherits"),
		evictions:  desc("evictions_total", "Total evictions"),
		refreshes:  desc("refreshes_total", "Total in-place refreshes"),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.creates
	ch <- c.duplicates
	ch <- c.inherits
	ch <- c.evictions
	ch <- c.refreshes
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Snapshot()

	gauge := func(d *prometheus.Desc, v float64) prometheus.Metric {
		return prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) prometheus.Metric {
		return prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	ch <- gauge(c.entries, float64(s.Entries))
	ch <- counter(c.hits, float64(s.Hits))
	ch <- counter(c.misses, float64(s.Misses))
	ch <- counter(c.creates, float64(s.Creates))
	ch <- counter(c.duplicates, float64(s.Duplicates))
	ch <- counter(c.inherits, float64(s.Inherits))
	ch <- counter(c.evictions, float64(s.Evictions))
	ch <- counter(c.refreshes, float64(s.Refreshes))
}
