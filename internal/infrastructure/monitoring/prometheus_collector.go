package monitoring

import (
	"vmsgate/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.GatewayMetrics.
type PrometheusCollector struct {
	streamsActive  prometheus.Gauge
	streamMembers  prometheus.Gauge
	videoSinks     prometheus.Gauge
	connections    prometheus.Gauge
	connectionMode *prometheus.GaugeVec

	streamRestarts  *prometheus.CounterVec
	streamFallbacks *prometheus.CounterVec
	bytesRelayed    prometheus.Counter

	upstreamRequests *prometheus.CounterVec
	sessionsAcquired *prometheus.CounterVec
	sessionFallbacks *prometheus.CounterVec
	posEventsRelayed prometheus.Counter
	posBatchSize     prometheus.Histogram
}

// NewPrometheusCollector registers every gateway metric on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		streamsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "vmsgate_streams_active",
			Help: "Number of supervised video streams",
		}),
		streamMembers: f.NewGauge(prometheus.GaugeOpts{
			Name: "vmsgate_stream_members",
			Help: "Control connections subscribed to a video stream",
		}),
		videoSinks: f.NewGauge(prometheus.GaugeOpts{
			Name: "vmsgate_video_sinks",
			Help: "Video websockets attached to streams",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "vmsgate_connections_active",
			Help: "Open control connections",
		}),
		connectionMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmsgate_connections_by_mode",
			Help: "Open control connections by delivery mode",
		}, []string{"mode"}),

		streamRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmsgate_stream_restarts_total",
			Help: "Transcoder restarts scheduled",
		}, []string{"guid"}),
		streamFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmsgate_stream_fallbacks_total",
			Help: "Streams that gave up after exhausting restarts",
		}, []string{"guid"}),
		bytesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "vmsgate_relayed_bytes_total",
			Help: "Video bytes delivered to sinks",
		}),

		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmsgate_upstream_requests_total",
			Help: "Upstream API calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		sessionsAcquired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmsgate_upstream_sessions_acquired_total",
			Help: "Upstream session logins by kind",
		}, []string{"kind"}),
		sessionFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vmsgate_upstream_password_fallbacks_total",
			Help: "Calls retried with the static password",
		}, []string{"endpoint"}),
		posEventsRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "vmsgate_pos_events_delivered_total",
			Help: "POS events delivered to clients",
		}),
		posBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmsgate_pos_batch_size",
			Help:    "Events per delivered POS batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

func (p *PrometheusCollector) UpstreamRequest(endpoint, outcome string) {
	p.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}

func (p *PrometheusCollector) SessionAcquired(kind domain.SessionKind) {
	p.sessionsAcquired.WithLabelValues(kind.String()).Inc()
}

func (p *PrometheusCollector) SessionFallback(endpoint string) {
	p.sessionFallbacks.WithLabelValues(endpoint).Inc()
}

func (p *PrometheusCollector) StreamStarted() { p.streamsActive.Inc() }
func (p *PrometheusCollector) StreamStopped() { p.streamsActive.Dec() }

func (p *PrometheusCollector) StreamRestart(channel string) {
	p.streamRestarts.WithLabelValues(channel).Inc()
}

func (p *PrometheusCollector) StreamFallback(channel string) {
	p.streamFallbacks.WithLabelValues(channel).Inc()
}

func (p *PrometheusCollector) MembersChanged(delta int) { p.streamMembers.Add(float64(delta)) }
func (p *PrometheusCollector) SinksChanged(delta int)   { p.videoSinks.Add(float64(delta)) }
func (p *PrometheusCollector) BytesRelayed(n int)       { p.bytesRelayed.Add(float64(n)) }

func (p *PrometheusCollector) ConnectionOpened() {
	p.connections.Inc()
	p.connectionMode.WithLabelValues(domain.ModeNone.String()).Inc()
}

// ConnectionClosed expects the connection to have been moved back to ModeNone first.
func (p *PrometheusCollector) ConnectionClosed() {
	p.connections.Dec()
	p.connectionMode.WithLabelValues(domain.ModeNone.String()).Dec()
}

func (p *PrometheusCollector) ModeChanged(from, to domain.DeliveryMode) {
	p.connectionMode.WithLabelValues(from.String()).Dec()
	p.connectionMode.WithLabelValues(to.String()).Inc()
}

func (p *PrometheusCollector) PosEventsDelivered(n int) {
	p.posEventsRelayed.Add(float64(n))
	p.posBatchSize.Observe(float64(n))
}
