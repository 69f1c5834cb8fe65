package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for a playback session and
// its control API.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           *prometheus.CounterVec
	errorsTotal             prometheus.Counter
	streamSwitchesTotal     *prometheus.CounterVec
	segmentsDownloadedTotal prometheus.Counter
	bytesDownloadedTotal    prometheus.Counter
	bandwidthEstimate       prometheus.Gauge
	keySessions             prometheus.Gauge
	fatalErrorsTotal        prometheus.Counter
}

// New creates and registers the playback metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playback_http_requests_total",
		Help: "Total number of control API requests received",
	}, []string{"method", "route"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_http_errors_total",
		Help: "Total number of control API responses with error status (4xx or 5xx)",
	})
	streamSwitchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "playback_stream_switches_total",
		Help: "Total number of completed stream switches",
	}, []string{"media_type"})
	segmentsDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_segments_downloaded_total",
		Help: "Total number of media segments downloaded",
	})
	bytesDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_bytes_downloaded_total",
		Help: "Total bytes of media segments downloaded",
	})
	bandwidthEstimate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playback_bandwidth_estimate_bps",
		Help: "Current bandwidth estimate in bits per second",
	})
	keySessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "playback_key_sessions",
		Help: "Number of key sessions held by the license session manager",
	})
	fatalErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "playback_fatal_errors_total",
		Help: "Total number of errors that stopped or failed playback",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		streamSwitchesTotal,
		segmentsDownloadedTotal,
		bytesDownloadedTotal,
		bandwidthEstimate,
		keySessions,
		fatalErrorsTotal,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		streamSwitchesTotal:     streamSwitchesTotal,
		segmentsDownloadedTotal: segmentsDownloadedTotal,
		bytesDownloadedTotal:    bytesDownloadedTotal,
		bandwidthEstimate:       bandwidthEstimate,
		keySessions:             keySessions,
		fatalErrorsTotal:        fatalErrorsTotal,
	}
}

// IncRequests increments the request counter for method and route.
func (m *Metrics) IncRequests(method, route string) {
	m.requestsTotal.WithLabelValues(method, route).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStreamSwitches increments the switch counter for mediaType.
func (m *Metrics) IncStreamSwitches(mediaType string) {
	m.streamSwitchesTotal.WithLabelValues(mediaType).Inc()
}

// AddSegmentDownloaded counts one downloaded segment of size bytes.
func (m *Metrics) AddSegmentDownloaded(size int64) {
	m.segmentsDownloadedTotal.Inc()
	if size > 0 {
		m.bytesDownloadedTotal.Add(float64(size))
	}
}

// SetBandwidthEstimate sets the bandwidth estimate gauge.
func (m *Metrics) SetBandwidthEstimate(bps float64) {
	m.bandwidthEstimate.Set(bps)
}

// SetKeySessions sets the key sessions gauge.
func (m *Metrics) SetKeySessions(n int) {
	m.keySessions.Set(float64(n))
}

// IncFatalErrors increments the fatal errors counter.
func (m *Metrics) IncFatalErrors() {
	m.fatalErrorsTotal.Inc()
}

// Registry returns the private registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. bandwidth estimate).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
