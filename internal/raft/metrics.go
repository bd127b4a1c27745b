package raft

import "time"

// Metrics captures the metric sinks used by the core.
type Metrics interface {
	IncElectionStarted(id ID, preVote bool)
	IncElectionWon(id ID)
	IncAppendEntriesSent(id, peer ID, entries int)
	IncAppendEntriesReject(id, peer ID)
	IncSnapshotInstallSent(id, peer ID)
	IncSnapshotTaken(id ID)
	IncConfigurationChange(id ID)
	SetCommitIndex(id ID, index Index)
	SetApplyLag(id ID, lag Index)
	SetIsLeader(id ID, isLeader bool)
	ObserveApplyDuration(id ID, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncElectionStarted(ID, bool)            {}
func (noopMetrics) IncElectionWon(ID)                      {}
func (noopMetrics) IncAppendEntriesSent(ID, ID, int)       {}
func (noopMetrics) IncAppendEntriesReject(ID, ID)          {}
func (noopMetrics) IncSnapshotInstallSent(ID, ID)          {}
func (noopMetrics) IncSnapshotTaken(ID)                    {}
func (noopMetrics) IncConfigurationChange(ID)              {}
func (noopMetrics) SetCommitIndex(ID, Index)               {}
func (noopMetrics) SetApplyLag(ID, Index)                  {}
func (noopMetrics) SetIsLeader(ID, bool)                   {}
func (noopMetrics) ObserveApplyDuration(ID, time.Duration) {}

// NoopMetrics returns a Metrics implementation that discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }
