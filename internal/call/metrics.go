package call

import "github.com/prometheus/client_golang/prometheus"

// Metrics captures call orchestrator counters.
type Metrics struct {
	sessions       *prometheus.CounterVec
	state          *prometheus.GaugeVec
	joinAttempts   prometheus.Counter
	resumeFailures prometheus.Counter
}

// NewMetrics registers call metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offmesh_call_sessions_total",
			Help: "Finished call sessions by outcome.",
		}, []string{"outcome"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offmesh_call_state",
			Help: "1 for the orchestrator's current state, 0 otherwise.",
		}, []string{"state"}),
		joinAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offmesh_call_join_attempts_total",
			Help: "Direct-link discover-and-join attempts.",
		}),
		resumeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offmesh_call_mesh_resume_failures_total",
			Help: "Failed attempts to resume the mesh after a session.",
		}),
	}
	reg.MustRegister(m.sessions, m.state, m.joinAttempts, m.resumeFailures)
	m.SetState(StateIdle)
	return m
}

// RecordSession counts a finished session.
func (m *Metrics) RecordSession(outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

// SetState marks s as the current state.
func (m *Metrics) SetState(s State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

// RecordJoinAttempt counts a direct-link join attempt.
func (m *Metrics) RecordJoinAttempt() {
	if m == nil {
		return
	}
	m.joinAttempts.Inc()
}

// RecordResumeFailure counts a failed mesh resume.
func (m *Metrics) RecordResumeFailure() {
	if m == nil {
		return
	}
	m.resumeFailures.Inc()
}
