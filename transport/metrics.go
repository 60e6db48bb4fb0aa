package transport

import "github.com/prometheus/client_golang/prometheus"

// pendingCollector exports pending-table sizes at scrape time.
type pendingCollector struct {
	snapshot func() map[string]int
	pending  *prometheus.Desc
}

// NewPendingCollector returns a collector reporting framerpc_client_pending_requests,
// labelled by address, from the counts snapshot returns.
func NewPendingCollector(snapshot func() map[string]int) prometheus.Collector {
	return &pendingCollector{
		snapshot: snapshot,
		pending: prometheus.NewDesc(
			"framerpc_client_pending_requests",
			"Requests sent and still waiting for a response or timeout",
			[]string{"address"}, nil,
		),
	}
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pending
}

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	for addr, n := range c.snapshot() {
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(n), addr)
	}
}
