package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "continuum"

// Collector is a prometheus.Collector for the change pipeline. A nil
// *Collector is valid and records nothing.
type Collector struct {
	changesRouted     *prometheus.CounterVec
	changesDispatched *prometheus.CounterVec
	changesProcessed  *prometheus.CounterVec
	resultsPublished  *prometheus.CounterVec
	streamAcks        *prometheus.CounterVec
	streamErrors      *prometheus.CounterVec
	processingTime    *prometheus.HistogramVec
	activeQueries     prometheus.Gauge
	viewRowsRecorded  *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		changesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_routed_total",
				Help:      "Source changes routed to at least one subscriber.",
			}, []string{"source_id"},
		),
		changesDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_dispatched_total",
				Help:      "Changes dispatched to query node publish APIs.",
			}, []string{"query_node_id"},
		),
		changesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "changes_processed_total",
				Help:      "Changes fed to a query engine.",
			}, []string{"query_id"},
		),
		resultsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "results_published_total",
				Help:      "Result events published, by kind.",
			}, []string{"query_id", "kind"},
		),
		streamAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_acks_total",
				Help:      "Acknowledged stream entries.",
			}, []string{"stream"},
		),
		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_errors_total",
				Help:      "Stream errors, by kind.",
			}, []string{"stream", "kind"},
		),
		processingTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "change_processing_seconds",
				Help:      "Time spent by a query engine on a single change.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"query_id"},
		),
		activeQueries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_queries",
				Help:      "Queries with a running worker in this process.",
			},
		),
		viewRowsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "view_rows_recorded_total",
				Help:      "Result rows written to the view store.",
			}, []string{"query_id"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.changesRouted.Describe(ch)
	c.changesDispatched.Describe(ch)
	c.changesProcessed.Describe(ch)
	c.resultsPublished.Describe(ch)
	c.streamAcks.Describe(ch)
	c.streamErrors.Describe(ch)
	c.processingTime.Describe(ch)
	c.activeQueries.Describe(ch)
	c.viewRowsRecorded.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.changesRouted.Collect(ch)
	c.changesDispatched.Collect(ch)
	c.changesProcessed.Collect(ch)
	c.resultsPublished.Collect(ch)
	c.streamAcks.Collect(ch)
	c.streamErrors.Collect(ch)
	c.processingTime.Collect(ch)
	c.activeQueries.Collect(ch)
	c.viewRowsRecorded.Collect(ch)
}

func (c *Collector) ChangeRouted(sourceID string) {
	if c == nil {
		return
	}
	c.changesRouted.WithLabelValues(sourceID).Inc()
}

func (c *Collector) ChangeDispatched(queryNodeID string) {
	if c == nil {
		return
	}
	c.changesDispatched.WithLabelValues(queryNodeID).Inc()
}

// ChangeProcessed records a change handled by a query engine and how long it took.
func (c *Collector) ChangeProcessed(queryID string, took time.Duration) {
	if c == nil {
		return
	}
	c.changesProcessed.WithLabelValues(queryID).Inc()
	c.processingTime.WithLabelValues(queryID).Observe(took.Seconds())
}

func (c *Collector) ResultPublished(queryID, kind string) {
	if c == nil {
		return
	}
	c.resultsPublished.WithLabelValues(queryID, kind).Inc()
}

func (c *Collector) StreamAck(stream string) {
	if c == nil {
		return
	}
	c.streamAcks.WithLabelValues(stream).Inc()
}

func (c *Collector) StreamError(stream, kind string) {
	if c == nil {
		return
	}
	c.streamErrors.WithLabelValues(stream, kind).Inc()
}

func (c *Collector) QueryStarted() {
	if c == nil {
		return
	}
	c.activeQueries.Inc()
}

func (c *Collector) QueryStopped() {
	if c == nil {
		return
	}
	c.activeQueries.Dec()
}

func (c *Collector) RowsRecorded(queryID string, n int) {
	if c == nil {
		return
	}
	c.viewRowsRecorded.WithLabelValues(queryID).Add(float64(n))
}

// Handler registers the collector on a fresh registry and serves it.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
