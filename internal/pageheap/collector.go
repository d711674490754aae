package pageheap

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes PageHeap.Stats() as prometheus gauges, grounded in
// the retrieval pack's storj-storj and talyz-systemd_exporter manifests.
// This is additive instrumentation; Stats() remains the dependency-free
// accessor spec §6 requires.
type Collector struct {
	heap *PageHeap

	mappedPages *prometheus.Desc
	freePages   *prometheus.Desc
	spansInUse  *prometheus.Desc
	spansFree   *prometheus.Desc
}

// NewCollector wraps heap for export via a prometheus.Registry.
func NewCollector(heap *PageHeap, namespace string) *Collector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pageheap", name), help, nil, nil)
	}
	return &Collector{
		heap:        heap,
		mappedPages: mk("mapped_pages", "Pages currently mapped from the OS."),
		freePages:   mk("free_pages", "Pages currently free and available for span_alloc."),
		spansInUse:  mk("spans_in_use", "Number of spans currently in use."),
		spansFree:   mk("spans_free", "Number of free spans."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mappedPages
	ch <- c.freePages
	ch <- c.spansInUse
	ch <- c.spansFree
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.heap.Stats()
	ch <- prometheus.MustNewConstMetric(c.mappedPages, prometheus.GaugeValue, float64(st.MappedPages))
	ch <- prometheus.MustNewConstMetric(c.freePages, prometheus.GaugeValue, float64(st.FreePages))
	ch <- prometheus.MustNewConstMetric(c.spansInUse, prometheus.GaugeValue, float64(st.SpansInUse))
	ch <- prometheus.MustNewConstMetric(c.spansFree, prometheus.GaugeValue, float64(st.SpansFree))
}
