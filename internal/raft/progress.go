package raft

// ProgressState is the replication mode the leader uses for one follower.
type ProgressState int

// Replication modes. Probe matches conservatively one message at a time,
// Pipeline streams ahead optimistically, Snapshot installs a state-machine
// snapshot.
const (
	ProgressProbe ProgressState = iota
	ProgressPipeline
	ProgressSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case ProgressProbe:
		return "probe"
	case ProgressPipeline:
		return "pipeline"
	case ProgressSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// Progress tracks leader-side replication state for one configuration slot.
type Progress struct {
	State         ProgressState
	NextIndex     Index
	MatchIndex    Index
	SnapshotIndex Index

	LastSend         int64
	SnapshotLastSend int64
	RecentRecv       bool
	RecentRecvTime   int64

	// Catch-up throttling bookkeeping.
	PrevAppliedIndex Index
	Pgreplicating    bool
}

func initProgress(p *Progress, lastIndex Index) {
	p.NextIndex = lastIndex + 1
	p.MatchIndex = 0
	p.SnapshotIndex = 0
	p.LastSend = 0
	p.SnapshotLastSend = 0
	p.RecentRecv = false
	p.State = ProgressProbe
	p.PrevAppliedIndex = 0
	p.Pgreplicating = false
}

// progressBuildArray initializes leader progress for every configuration
// slot. The leader's own slot starts matched at its stored index.
func (r *Raft) progressBuildArray() {
	lastIndex := r.log.LastIndex()
	now := r.io.Time()
	progress := make([]Progress, len(r.configuration.Servers))
	for i := range progress {
		initProgress(&progress[i], lastIndex)
		progress[i].RecentRecvTime = now
		if r.configuration.Servers[i].ID == r.id {
			progress[i].MatchIndex = r.lastStored
		}
	}
	r.leader.progress = progress
	r.leader.minMatchIndex = 0
}

// progressRebuildArray carries progress forward across a configuration
// change: slots for servers present in both configurations keep their state,
// new servers start probing from the current last index.
func (r *Raft) progressRebuildArray(configuration *Configuration) {
	lastIndex := r.log.LastIndex()
	now := r.io.Time()
	progress := make([]Progress, len(configuration.Servers))

	for i := range configuration.Servers {
		id := configuration.Servers[i].ID
		if j := r.configuration.IndexOf(id); j < len(r.configuration.Servers) {
			progress[i] = r.leader.progress[j]
			continue
		}
		initProgress(&progress[i], lastIndex)
		progress[i].RecentRecvTime = now
	}

	r.leader.progress = progress
}

func (r *Raft) progressIsUpToDate(i int) bool {
	return r.leader.progress[i].NextIndex == r.log.LastIndex()+1
}

// progressShouldPipeMore bounds the optimistic in-flight window.
func (r *Raft) progressShouldPipeMore(i int) bool {
	if r.inflightLogThreshold == 0 {
		return true
	}
	p := &r.leader.progress[i]
	if p.NextIndex <= p.MatchIndex {
		return true
	}
	return uint64(p.NextIndex-p.MatchIndex-1) < r.inflightLogThreshold
}

// progressShouldReplicate decides whether the leader owes follower i a
// message right now, per the rules of the follower's replication mode.
func (r *Raft) progressShouldReplicate(i int) bool {
	p := &r.leader.progress[i]
	now := r.io.Time()
	needsHeartbeat := now-p.LastSend >= r.heartbeatTimeout

	switch p.State {
	case ProgressSnapshot:
		if now-p.SnapshotLastSend >= r.installSnapshotTimeout {
			r.progressAbortSnapshot(i)
			return true
		}
		return needsHeartbeat
	case ProgressProbe:
		return needsHeartbeat
	case ProgressPipeline:
		return (!r.progressIsUpToDate(i) && r.progressShouldPipeMore(i)) || needsHeartbeat
	}
	return false
}

func (r *Raft) progressToSnapshot(i int) {
	p := &r.leader.progress[i]
	p.State = ProgressSnapshot
	p.SnapshotIndex = r.log.SnapshotIndex()
}

func (r *Raft) progressAbortSnapshot(i int) {
	p := &r.leader.progress[i]
	p.SnapshotIndex = 0
	p.State = ProgressProbe
}

func (r *Raft) progressToProbe(i int) {
	p := &r.leader.progress[i]
	if p.State == ProgressSnapshot {
		// The pending snapshot reached this peer; resume probing past it.
		p.NextIndex = max(p.MatchIndex+1, p.SnapshotIndex)
		p.SnapshotIndex = 0
	} else {
		p.NextIndex = p.MatchIndex + 1
	}
	p.State = ProgressProbe
}

func (r *Raft) progressToPipeline(i int) {
	r.leader.progress[i].State = ProgressPipeline
}

func (r *Raft) progressSnapshotDone(i int) bool {
	p := &r.leader.progress[i]
	return p.MatchIndex >= p.SnapshotIndex
}

// progressMaybeDecrement adjusts follower i after a rejected AppendEntries.
// It returns true when the rejection was fresh and a retry should be sent.
func (r *Raft) progressMaybeDecrement(i int, rejected, lastLogIndex Index) bool {
	p := &r.leader.progress[i]

	switch p.State {
	case ProgressSnapshot:
		// Stale or spurious unless it refers to the snapshot in flight.
		if rejected != p.SnapshotIndex {
			return false
		}
		r.progressAbortSnapshot(i)
		return true

	case ProgressPipeline:
		if rejected <= p.MatchIndex {
			// Stale. A follower whose log collapsed to a single entry is
			// reinitialized from scratch instead.
			if lastLogIndex == 1 {
				initProgress(p, r.log.LastIndex())
			}
			return false
		}
		p.NextIndex = min(rejected, p.MatchIndex+1)
		r.progressToProbe(i)
		return true
	}

	if rejected != p.NextIndex-1 {
		return false
	}
	p.NextIndex = min(rejected, lastLogIndex+1)
	return true
}

// progressOptimisticNextIndex advances next_index ahead of acknowledgment.
func (r *Raft) progressOptimisticNextIndex(i int, nextIndex Index) {
	r.leader.progress[i].NextIndex = nextIndex
}

// progressMaybeUpdate records a follower acknowledgment up to lastIndex and
// reports whether match_index advanced.
func (r *Raft) progressMaybeUpdate(i int, lastIndex Index) bool {
	p := &r.leader.progress[i]
	updated := false
	if p.MatchIndex < lastIndex {
		p.MatchIndex = lastIndex
		updated = true
	}
	if p.NextIndex < lastIndex+1 {
		p.NextIndex = lastIndex + 1
	}
	return updated
}

func (r *Raft) progressMarkRecentRecv(i int) {
	r.leader.progress[i].RecentRecv = true
	r.leader.progress[i].RecentRecvTime = r.io.Time()
}

func (r *Raft) progressUpdateLastSend(i int) {
	r.leader.progress[i].LastSend = r.io.Time()
}

func (r *Raft) progressUpdateSnapshotLastSend(i int) {
	r.leader.progress[i].SnapshotLastSend = r.io.Time()
}

// progressUpdateMinMatch records the lowest acknowledged index across the
// replicas that matter for synchronous replication, and which replica it is.
func (r *Raft) progressUpdateMinMatch() {
	lowest := r.log.LastIndex()
	var slowest ID
	for i := range r.configuration.Servers {
		s := &r.configuration.Servers[i]
		if r.configuration.IsSpare(s, s.Groups) && s.ID != r.leader.promoteeID {
			continue
		}
		p := &r.leader.progress[i]
		if p.MatchIndex <= lowest {
			lowest = p.MatchIndex
			slowest = s.ID
		}
	}
	r.leader.minMatchIndex = lowest
	r.leader.slowestReplicaID = slowest
}
