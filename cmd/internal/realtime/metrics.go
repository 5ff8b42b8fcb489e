package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds realtime collectors. A nil *Metrics is a no-op.
type Metrics struct {
	conns   prometheus.Gauge
	dropped prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accounts_ws_connections",
			Help: "Open profile websocket connections.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accounts_ws_dropped_total",
			Help: "Envelopes dropped because a client queue was full.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.conns, m.dropped} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.conns.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.conns.Dec()
	}
}

func (m *Metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}
