package lan

import "github.com/prometheus/client_golang/prometheus"

// Metrics captures link-level counters for the LAN transport.
type Metrics struct {
	links      prometheus.Gauge
	linkEvents *prometheus.CounterVec
	frames     *prometheus.CounterVec
	sendDrops  *prometheus.CounterVec
}

// NewMetrics registers LAN transport metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offmesh_lan_links",
			Help: "Open LAN links.",
		}),
		linkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_lan_link_events_total",
			Help: "LAN link lifecycle events by kind.",
		}, []string{"event"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_lan_frames_total",
			Help: "Frames moved over LAN links by direction.",
		}, []string{"direction"}),
		sendDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_lan_send_drops_total",
			Help: "Outbound frames refused by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.links, m.linkEvents, m.frames, m.sendDrops)
	return m
}

func (m *Metrics) setLinks(n int) {
	if m == nil {
		return
	}
	m.links.Set(float64(n))
}

func (m *Metrics) recordLinkEvent(event string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) recordFrame(direction string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction).Inc()
}

func (m *Metrics) recordSendDrop(reason string) {
	if m == nil {
		return
	}
	m.sendDrops.WithLabelValues(reason).Inc()
}
