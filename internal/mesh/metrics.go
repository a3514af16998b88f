package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	received       prometheus.Counter
	dropped        *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	relayed        prometheus.Counter
	originated     *prometheus.CounterVec
	connectedPeers prometheus.Gauge
	admissions     *prometheus.CounterVec
	assemblies     *prometheus.CounterVec
	pendingOps     prometheus.Gauge
	seenEntries    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offmesh_mesh_packets_received_total",
			Help: "Inbound packets handed to the routing engine.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_mesh_packets_dropped_total",
			Help: "Packets discarded locally, by reason.",
		}, []string{"reason"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_mesh_packets_delivered_total",
			Help: "Packets delivered to this node, by type.",
		}, []string{"type"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offmesh_mesh_packets_relayed_total",
			Help: "Relay copies sent to neighbours.",
		}),
		originated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_mesh_packets_originated_total",
			Help: "Packets originated by this node, by type.",
		}, []string{"type"}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offmesh_mesh_connected_peers",
			Help: "Currently connected mesh neighbours.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_mesh_admissions_total",
			Help: "Jittered connect attempts, by outcome.",
		}, []string{"outcome"}),
		assemblies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_mesh_chunk_assemblies_total",
			Help: "Chunked transfers, by outcome.",
		}, []string{"outcome"}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offmesh_mesh_pending_ops",
			Help: "Edits and deletes waiting for their target message.",
		}),
		seenEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offmesh_mesh_seen_entries",
			Help: "Identities held by the dedup set.",
		}),
	}

	reg.MustRegister(
		m.received,
		m.dropped,
		m.delivered,
		m.relayed,
		m.originated,
		m.connectedPeers,
		m.admissions,
		m.assemblies,
		m.pendingOps,
		m.seenEntries,
	)
	return m
}

func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDelivered(t PacketType) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) RecordRelayed(n int) {
	if m == nil {
		return
	}
	m.relayed.Add(float64(n))
}

func (m *Metrics) RecordOriginated(t PacketType) {
	if m == nil {
		return
	}
	m.originated.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.connectedPeers.Set(float64(n))
}

func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAssembly(outcome string) {
	if m == nil {
		return
	}
	m.assemblies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPendingOps(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}

func (m *Metrics) SetSeenEntries(n int) {
	if m == nil {
		return
	}
	m.seenEntries.Set(float64(n))
}
