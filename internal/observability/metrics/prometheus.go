// Package metrics exposes the Prometheus implementation of the consensus
// core's metric sinks.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// Prometheus implements raft.Metrics on a Prometheus registry.
type Prometheus struct {
	electionStartedTotal     *prometheus.CounterVec
	electionWonTotal         *prometheus.CounterVec
	appendEntriesSentTotal   *prometheus.CounterVec
	appendEntriesSentEntries *prometheus.CounterVec
	appendEntriesRejectTotal *prometheus.CounterVec
	snapshotInstallSentTotal *prometheus.CounterVec
	snapshotTakenTotal       *prometheus.CounterVec
	configurationChangeTotal *prometheus.CounterVec
	commitIndex              *prometheus.GaugeVec
	applyLag                 *prometheus.GaugeVec
	isLeader                 *prometheus.GaugeVec
	applyDuration            *prometheus.HistogramVec
}

// NewPrometheus registers the consensus metric families on reg (the default
// registerer when nil).
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		electionStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "election_started_total",
				Help:      "Elections started, split by pre-vote and real rounds.",
			},
			[]string{"server_id", "pre_vote"},
		),
		electionWonTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "election_won_total",
				Help:      "Elections won by this server.",
			},
			[]string{"server_id"},
		),
		appendEntriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "append_entries_sent_total",
				Help:      "AppendEntries messages dispatched, per peer.",
			},
			[]string{"server_id", "peer_id"},
		),
		appendEntriesSentEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "append_entries_sent_entries_total",
				Help:      "Log entries shipped inside AppendEntries messages, per peer.",
			},
			[]string{"server_id", "peer_id"},
		),
		appendEntriesRejectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "append_entries_reject_total",
				Help:      "AppendEntries rejections received, per peer.",
			},
			[]string{"server_id", "peer_id"},
		),
		snapshotInstallSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "snapshot_install_sent_total",
				Help:      "InstallSnapshot messages dispatched, per peer.",
			},
			[]string{"server_id", "peer_id"},
		),
		snapshotTakenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "snapshot_taken_total",
				Help:      "Local snapshots taken.",
			},
			[]string{"server_id"},
		),
		configurationChangeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "configuration_change_total",
				Help:      "Committed configuration changes.",
			},
			[]string{"server_id"},
		),
		commitIndex: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "commit_index",
				Help:      "Highest committed log index.",
			},
			[]string{"server_id"},
		),
		applyLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "apply_lag_entries",
				Help:      "Committed entries not yet applied to the state machine.",
			},
			[]string{"server_id"},
		),
		isLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "is_leader",
				Help:      "1 while this server believes it is the leader.",
			},
			[]string{"server_id"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "zraft",
				Subsystem: "raft",
				Name:      "apply_duration_seconds",
				Help:      "Time from handing a command to the state machine to its completion.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
			},
			[]string{"server_id"},
		),
	}

	collectors := []prometheus.Collector{
		m.electionStartedTotal,
		m.electionWonTotal,
		m.appendEntriesSentTotal,
		m.appendEntriesSentEntries,
		m.appendEntriesRejectTotal,
		m.snapshotInstallSentTotal,
		m.snapshotTakenTotal,
		m.configurationChangeTotal,
		m.commitIndex,
		m.applyLag,
		m.isLeader,
		m.applyDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}

	return m, nil
}

func serverLabel(id raft.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// IncElectionStarted implements raft.Metrics.
func (m *Prometheus) IncElectionStarted(id raft.ID, preVote bool) {
	m.electionStartedTotal.WithLabelValues(serverLabel(id), strconv.FormatBool(preVote)).Inc()
}

// IncElectionWon implements raft.Metrics.
func (m *Prometheus) IncElectionWon(id raft.ID) {
	m.electionWonTotal.WithLabelValues(serverLabel(id)).Inc()
}

// IncAppendEntriesSent implements raft.Metrics.
func (m *Prometheus) IncAppendEntriesSent(id, peer raft.ID, entries int) {
	m.appendEntriesSentTotal.WithLabelValues(serverLabel(id), serverLabel(peer)).Inc()
	m.appendEntriesSentEntries.WithLabelValues(serverLabel(id), serverLabel(peer)).Add(float64(entries))
}

// IncAppendEntriesReject implements raft.Metrics.
func (m *Prometheus) IncAppendEntriesReject(id, peer raft.ID) {
	m.appendEntriesRejectTotal.WithLabelValues(serverLabel(id), serverLabel(peer)).Inc()
}

// IncSnapshotInstallSent implements raft.Metrics.
func (m *Prometheus) IncSnapshotInstallSent(id, peer raft.ID) {
	m.snapshotInstallSentTotal.WithLabelValues(serverLabel(id), serverLabel(peer)).Inc()
}

// IncSnapshotTaken implements raft.Metrics.
func (m *Prometheus) IncSnapshotTaken(id raft.ID) {
	m.snapshotTakenTotal.WithLabelValues(serverLabel(id)).Inc()
}

// IncConfigurationChange implements raft.Metrics.
func (m *Prometheus) IncConfigurationChange(id raft.ID) {
	m.configurationChangeTotal.WithLabelValues(serverLabel(id)).Inc()
}

// SetCommitIndex implements raft.Metrics.
func (m *Prometheus) SetCommitIndex(id raft.ID, index raft.Index) {
	m.commitIndex.WithLabelValues(serverLabel(id)).Set(float64(index))
}

// SetApplyLag implements raft.Metrics.
func (m *Prometheus) SetApplyLag(id raft.ID, lag raft.Index) {
	m.applyLag.WithLabelValues(serverLabel(id)).Set(float64(lag))
}

// SetIsLeader implements raft.Metrics.
func (m *Prometheus) SetIsLeader(id raft.ID, isLeader bool) {
	v := 0.0
	if isLeader {
		v = 1.0
	}
	m.isLeader.WithLabelValues(serverLabel(id)).Set(v)
}

// ObserveApplyDuration implements raft.Metrics.
func (m *Prometheus) ObserveApplyDuration(id raft.ID, d time.Duration) {
	m.applyDuration.WithLabelValues(serverLabel(id)).Observe(d.Seconds())
}
