// Package prom exports relay-server metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ServerObserver exports relay-server metrics to Prometheus.
type ServerObserver struct {
	clientGauge  prometheus.Gauge
	pendingGauge prometheus.Gauge
	publicTotal  prometheus.Counter
	routeTotal   *prometheus.CounterVec
	selectTotal  *prometheus.CounterVec
	sessionTotal *prometheus.CounterVec
	pairTotal    *prometheus.CounterVec
	pairLatency  prometheus.Histogram
}

// NewServerObserver registers relay metrics on the registry.
func NewServerObserver(reg *prometheus.Registry) *ServerObserver {
	o := &ServerObserver{
		clientGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelrelay_clients",
			Help: "Currently registered tunnel clients.",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelrelay_pending_pairs",
			Help: "User connections waiting for a proxy callback.",
		}),
		publicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelrelay_public_connections_total",
			Help: "Public connections accepted.",
		}),
		routeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_route_total",
			Help: "Public routing attempts by result and reason.",
		}, []string{"result", "reason"}),
		selectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_select_total",
			Help: "Target client selections by kind.",
		}, []string{"kind"}),
		sessionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_session_close_total",
			Help: "Control session close reasons.",
		}, []string{"reason"}),
		pairTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_pair_total",
			Help: "Pending pair outcomes.",
		}, []string{"outcome"}),
		pairLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelrelay_pair_latency_seconds",
			Help:    "Latency from pair insertion to the proxy callback match.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.clientGauge,
		o.pendingGauge,
		o.publicTotal,
		o.routeTotal,
		o.selectTotal,
		o.sessionTotal,
		o.pairTotal,
		o.pairLatency,
	)
	return o
}

func (o *ServerObserver) ClientCount(n int) {
	o.clientGauge.Set(float64(n))
}

func (o *ServerObserver) PendingCount(n int) {
	o.pendingGauge.Set(float64(n))
}

func (o *ServerObserver) PublicConn() {
	o.publicTotal.Inc()
}

func (o *ServerObserver) Route(result observability.RouteResult, reason observability.RouteReason) {
	o.routeTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *ServerObserver) Select(sel observability.Selection) {
	o.selectTotal.WithLabelValues(string(sel)).Inc()
}

func (o *ServerObserver) Session(close observability.SessionClose) {
	o.sessionTotal.WithLabelValues(string(close)).Inc()
}

func (o *ServerObserver) Pair(outcome observability.PairOutcome) {
	o.pairTotal.WithLabelValues(string(outcome)).Inc()
}

func (o *ServerObserver) PairLatency(d time.Duration) {
	o.pairLatency.Observe(d.Seconds())
}
