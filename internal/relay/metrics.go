package relay

import "github.com/prometheus/client_golang/prometheus"

const (
	directionToLink   = "to_link"
	directionToEngine = "to_engine"
)

// Metrics counts relayed and dropped datagrams.
type Metrics struct {
	forwarded *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// NewMetrics registers relay metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_relay_datagrams_total",
			Help: "Datagrams forwarded by the relay bridge by direction.",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_relay_drops_total",
			Help: "Datagrams dropped by the relay bridge by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.forwarded, m.dropped)
	return m
}

func (m *Metrics) recordForward(direction string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(direction).Inc()
}

func (m *Metrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
