package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/zentalk-rpc/pkg/session"
)

// Metrics holds the server's prometheus collectors
type Metrics struct {
	requests   *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them, together with
// session gauges over registry, on reg
func NewMetrics(reg prometheus.Registerer, registry *session.Registry) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Requests processed, by message type and outcome.",
		}, []string{"type", "outcome"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_handshakes_total",
			Help: "Completed challenge responses, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "Time spent in ProcessRequest.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{m.requests, m.handshakes, m.duration}
	for _, state := range []string{"pending", "authenticated"} {
		state := state
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "rpc_sessions",
			Help:        "Sessions currently held by the registry.",
			ConstLabels: prometheus.Labels{"state": state},
		}, func() float64 {
			stats := registry.Stats()
			if state == "pending" {
				return float64(stats.Pending)
			}
			return float64(stats.Authenticated)
		}))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRequest(msgType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(msgType, outcome).Inc()
	m.duration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func (m *Metrics) observeHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}
