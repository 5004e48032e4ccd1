package raft

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of prometheus collectors a Server updates as it steps
// through elections and replication. It's grounded on ChuLiYu-raft-recovery's
// prometheus/client_golang dependency — a raft project in this pack
// instrumenting the same election/replication activity this type tracks.
//
// A nil *Metrics is valid everywhere a Server accepts one; all methods on
// a nil receiver are no-ops, so wiring metrics is opt-in.
type Metrics struct {
	term               prometheus.Gauge
	role               *prometheus.GaugeVec
	commitIndex        prometheus.Gauge
	electionsStarted   prometheus.Counter
	heartbeatsSent     prometheus.Counter
	appendRejected     prometheus.Counter
	votesGranted       prometheus.Counter
}

// NewMetrics builds and registers a Metrics set labeled with this server's
// ID, on the given registerer (pass prometheus.DefaultRegisterer for the
// global registry, or a fresh prometheus.NewRegistry() in tests to avoid
// collisions between servers in the same process).
func NewMetrics(reg prometheus.Registerer, id ServerID) *Metrics {
	labels := prometheus.Labels{"server_id": formatServerID(id)}
	m := &Metrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raft",
			Name:        "current_term",
			Help:        "Current term as observed by this server.",
			ConstLabels: labels,
		}),
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "raft",
			Name:        "role",
			Help:        "1 for the role this server currently holds, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"role"}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raft",
			Name:        "commit_index",
			Help:        "Highest log index this server believes is committed.",
			ConstLabels: labels,
		}),
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raft",
			Name:        "elections_started_total",
			Help:        "Number of elections this server has started as a candidate.",
			ConstLabels: labels,
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raft",
			Name:        "heartbeats_sent_total",
			Help:        "Number of heartbeat rounds broadcast while leader.",
			ConstLabels: labels,
		}),
		appendRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raft",
			Name:        "append_entries_rejected_total",
			Help:        "Number of AppendEntries RPCs this server rejected for failing the log continuity check.",
			ConstLabels: labels,
		}),
		votesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raft",
			Name:        "votes_granted_total",
			Help:        "Number of granted votes this server has received as a candidate.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.term, m.role, m.commitIndex, m.electionsStarted, m.heartbeatsSent, m.appendRejected, m.votesGranted)
	}
	return m
}

func (m *Metrics) setTerm(t Term) {
	if m == nil {
		return
	}
	m.term.Set(float64(t))
}

func (m *Metrics) setRole(r Role) {
	if m == nil {
		return
	}
	for _, candidate := range []Role{Follower, Candidate, Leader} {
		v := 0.0
		if candidate == r {
			v = 1.0
		}
		m.role.WithLabelValues(candidate.String()).Set(v)
	}
}

func (m *Metrics) setCommitIndex(i Index) {
	if m == nil {
		return
	}
	m.commitIndex.Set(float64(i))
}

func (m *Metrics) incElectionsStarted() {
	if m == nil {
		return
	}
	m.electionsStarted.Inc()
}

func (m *Metrics) incHeartbeatsSent() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

func (m *Metrics) incAppendRejected() {
	if m == nil {
		return
	}
	m.appendRejected.Inc()
}

func (m *Metrics) incVotesGranted() {
	if m == nil {
		return
	}
	m.votesGranted.Inc()
}

func formatServerID(id ServerID) string {
	return strconv.FormatUint(uint64(id), 10)
}
