package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the detection pipeline metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	requests           *prometheus.CounterVec
	failures           *prometheus.CounterVec
	dropped            *prometheus.CounterVec
	detections         *prometheus.CounterVec
	processing         *prometheus.HistogramVec
	annotations        prometheus.Counter
	annotationFailures prometheus.Counter
}

// New creates a collector and registers every metric
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_requests_total",
			Help: "Total number of vendor detection calls",
		}, []string{"service"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_failures_total",
			Help: "Vendor calls that failed at the transport level",
		}, []string{"service"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detection_dropped_records_total",
			Help: "Vendor records dropped during normalization",
		}, []string{"service", "reason"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Canonical detections produced by normalization",
		}, []string{"service"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detection_processing_seconds",
			Help:    "Time from request start to parse completion",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"service"}),
		annotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotations_total",
			Help: "Annotated images rendered",
		}),
		annotationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "annotation_failures_total",
			Help: "Annotations that fell back to the source image",
		}),
	}
	c.registry.MustRegister(c.requests, c.failures, c.dropped, c.detections, c.processing, c.annotations, c.annotationFailures)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveRequest records one vendor call and its outcome
func (c *Collector) ObserveRequest(service string, elapsed time.Duration, detections int, err error) {
	c.requests.WithLabelValues(service).Inc()
	if err != nil {
		c.failures.WithLabelValues(service).Inc()
		return
	}
	c.detections.WithLabelValues(service).Add(float64(detections))
	c.processing.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObserveDropped records one record dropped during normalization
func (c *Collector) ObserveDropped(service, reason string) {
	c.dropped.WithLabelValues(service, reason).Inc()
}

// ObserveAnnotation records an annotation run
func (c *Collector) ObserveAnnotation(failed bool) {
	c.annotations.Inc()
	if failed {
		c.annotationFailures.Inc()
	}
}
