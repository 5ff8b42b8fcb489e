package account

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for account operations. A nil *Metrics is a no-op.
type Metrics struct {
	ops    *prometheus.CounterVec
	derive prometheus.Histogram
}

// NewMetrics registers the account collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accounts_operations_total",
			Help: "Account operations by name and outcome.",
		}, []string{"op", "outcome"}),
		derive: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accounts_secret_derive_seconds",
			Help:    "Time spent deriving a secret from a password.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.derive} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) observeDerive(d time.Duration) {
	if m == nil {
		return
	}
	m.derive.Observe(d.Seconds())
}
