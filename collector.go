package dbpool

import "github.com/prometheus/client_golang/prometheus"

// StatsSource is anything that reports the statistics of named pools,
// such as a Manager.
type StatsSource interface {
	StatsOfAllPools() map[string]Stats
}

// Collector exports pool statistics as prometheus metrics labelled by
// pool name.
type Collector struct {
	source StatsSource

	available       *prometheus.Desc
	reserved        *prometheus.Desc
	pending         *prometheus.Desc
	opened          *prometheus.Desc
	openFailures    *prometheus.Desc
	idleClosed      *prometheus.Desc
	invalidClosed   *prometheus.Desc
	keepAliveClosed *prometheus.Desc
	exhausted       *prometheus.Desc
	probes          *prometheus.Desc
}

// NewCollector returns a collector for the pools of source. Metric names
// are prefixed with namespace.
func NewCollector(namespace string, source StatsSource) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", name),
			help,
			[]string{"pool"},
			nil,
		)
	}
	return &Collector{
		source:          source,
		available:       desc("available_connections", "Number of connections waiting to be reserved."),
		reserved:        desc("reserved_connections", "Number of connections currently reserved."),
		pending:         desc("pending_connections", "Number of connections being opened."),
		opened:          desc("opened_total", "Total number of connections opened."),
		openFailures:    desc("open_failures_total", "Total number of failed connection opens."),
		idleClosed:      desc("idle_closed_total", "Total number of connections closed for being idle too long."),
		invalidClosed:   desc("invalid_closed_total", "Total number of closed or malformed entries discarded."),
		keepAliveClosed: desc("keepalive_closed_total", "Total number of connections closed after a failed keep-alive probe."),
		exhausted:       desc("exhausted_total", "Total number of reservations refused because the pool was full."),
		probes:          desc("keepalive_probes_total", "Total number of keep-alive probes run."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.reserved
	ch <- c.pending
	ch <- c.opened
	ch <- c.openFailures
	ch <- c.idleClosed
	ch <- c.invalidClosed
	ch <- c.keepAliveClosed
	ch <- c.exhausted
	ch <- c.probes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.source.StatsOfAllPools() {
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(s.Available), name)
		ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue, float64(s.Reserved), name)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), name)
		ch <- prometheus.MustNewConstMetric(c.opened, prometheus.CounterValue, float64(s.Opened), name)
		ch <- prometheus.MustNewConstMetric(c.openFailures, prometheus.CounterValue, float64(s.OpenFailures), name)
		ch <- prometheus.MustNewConstMetric(c.idleClosed, prometheus.CounterValue, float64(s.IdleClosed), name)
		ch <- prometheus.MustNewConstMetric(c.invalidClosed, prometheus.CounterValue, float64(s.InvalidClosed), name)
		ch <- prometheus.MustNewConstMetric(c.keepAliveClosed, prometheus.CounterValue, float64(s.KeepAliveClosed), name)
		ch <- prometheus.MustNewConstMetric(c.exhausted, prometheus.CounterValue, float64(s.Exhausted), name)
		ch <- prometheus.MustNewConstMetric(c.probes, prometheus.CounterValue, float64(s.Probes), name)
	}
}
