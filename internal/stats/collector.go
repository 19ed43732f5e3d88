package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Stats snapshot per scrape.
type Collector struct {
	stats *Stats
	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(s *Stats, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "core", name), help, nil, nil)
	}
	return &Collector{
		stats: s,
		descs: map[string]*prometheus.Desc{
			"requests_started":     desc("requests_started_total", "Requests observed entering the application."),
			"requests_completed":   desc("requests_completed_total", "Requests whose final response left the application."),
			"open_requests":        desc("open_requests", "Requests in flight."),
			"connections_opened":   desc("connections_opened_total", "Connections accepted."),
			"connections_closed":   desc("connections_closed_total", "Connections torn down."),
			"open_connections":     desc("open_connections", "Connections currently open."),
			"max_open_connections": desc("max_open_connections", "High-water mark of open connections since reset."),
			"timeouts":             desc("idle_timeouts_total", "Connections closed by idle timeout."),
			"dropped_replies":      desc("dropped_replies_total", "Replies addressed to closed or unknown streams."),
			"streams_opened":       desc("streams_opened_total", "Multiplexed streams opened."),
			"streams_closed":       desc("streams_closed_total", "Multiplexed streams closed."),
			"rejected_streams":     desc("rejected_streams_total", "Stream opens rejected as live or reused ids."),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	counter := func(key string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.CounterValue, float64(v))
	}
	gauge := func(key string, v int64) {
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.GaugeValue, float64(v))
	}
	counter("requests_started", snap.RequestsStarted)
	counter("requests_completed", snap.RequestsCompleted)
	gauge("open_requests", snap.OpenRequests)
	counter("connections_opened", snap.ConnectionsOpened)
	counter("connections_closed", snap.ConnectionsClosed)
	gauge("open_connections", snap.OpenConnections)
	gauge("max_open_connections", snap.MaxOpenConnections)
	counter("timeouts", snap.Timeouts)
	counter("dropped_replies", snap.DroppedReplies)
	counter("streams_opened", snap.StreamsOpened)
	counter("streams_closed", snap.StreamsClosed)
	counter("rejected_streams", snap.RejectedStreams)
}
