package metrics

import (
	"github.com/fxnlabs/handlepool/internal/handlepool"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsFunc returns a snapshot of every pool, keyed by pool name.
type StatsFunc func() map[string]handlepool.Stats

// PoolCollector exports handle pool snapshots. It reads the pools at scrape
// time instead of mirroring every borrow into a metric.
type PoolCollector struct {
	stats StatsFunc

	keys         *prometheus.Desc
	idle         *prometheus.Desc
	onLoan       *prometheus.Desc
	constructing *prometheus.Desc
	created      *prometheus.Desc
	destroyed    *prometheus.Desc
	hits         *prometheus.Desc
	misses       *prometheus.Desc
	failures     *prometheus.Desc
	evicted      *prometheus.Desc
}

func NewPoolCollector(stats StatsFunc) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("handlepool_"+name, help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		stats:        stats,
		keys:         desc("keys", "Number of keys with at least one member handle"),
		idle:         desc("idle_handles", "Handles available for borrowing"),
		onLoan:       desc("on_loan_handles", "Handles currently borrowed"),
		constructing: desc("constructing_handles", "Factory calls in progress"),
		created:      desc("created_total", "Handles constructed"),
		destroyed:    desc("destroyed_total", "Handles destroyed"),
		hits:         desc("hits_total", "Borrows served from the idle set"),
		misses:       desc("misses_total", "Borrows that invoked the factory"),
		failures:     desc("construction_errors_total", "Factory calls that failed"),
		evicted:      desc("evicted_total", "Idle handles destroyed by an eviction policy"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.keys, c.idle, c.onLoan, c.constructing,
		c.created, c.destroyed, c.hits, c.misses, c.failures, c.evicted,
	} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.stats() {
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), name)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}
		gauge(c.keys, s.Keys)
		gauge(c.idle, s.Idle)
		gauge(c.onLoan, s.OnLoan)
		gauge(c.constructing, s.Constructing)
		counter(c.created, s.Created)
		counter(c.destroyed, s.Destroyed)
		counter(c.hits, s.Hits)
		counter(c.misses, s.Misses)
		counter(c.failures, s.ConstructionFailures)
		counter(c.evicted, s.Evicted)
	}
}
