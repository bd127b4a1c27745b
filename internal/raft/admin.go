package raft

// AdminPeerState is a point-in-time view of leader-side replication progress
// for one server.
type AdminPeerState struct {
	ID            ID
	Role          Role
	State         ProgressState
	MatchIndex    Index
	NextIndex     Index
	SnapshotIndex Index
	RecentRecv    bool
}

// AdminState is a point-in-time snapshot of instance state for diagnostic
// APIs.
type AdminState struct {
	ID                ID
	LeaderID          ID
	State             State
	Term              Term
	VotedFor          ID
	CommitIndex       Index
	LastApplied       Index
	LastApplying      Index
	LastStored        Index
	LastLogIndex      Index
	LastLogTerm       Term
	SnapshotLastIndex Index
	SnapshotLastTerm  Term
	Configuration     Configuration
	Phase             Phase
	VoterCount        int
	Removed           bool
	Readable          bool

	MinMatchIndex    Index
	SlowestReplicaID ID

	Peers []AdminPeerState
}

// AdminState returns a read-only snapshot of the instance for diagnostics.
func (r *Raft) AdminState() AdminState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := AdminState{
		ID:                r.id,
		State:             r.state,
		Term:              r.currentTerm,
		VotedFor:          r.votedFor,
		CommitIndex:       r.commitIndex,
		LastApplied:       r.lastApplied,
		LastApplying:      r.lastApplying,
		LastStored:        r.lastStored,
		LastLogIndex:      r.log.LastIndex(),
		LastLogTerm:       r.log.LastTerm(),
		SnapshotLastIndex: r.log.SnapshotIndex(),
		SnapshotLastTerm:  r.log.SnapshotTerm(),
		Configuration:     r.configuration.Copy(),
		Phase:             r.configuration.Phase,
		VoterCount:        r.configuration.VoterCount(GroupAny),
		Removed:           r.removed,
	}

	switch r.state {
	case Leader:
		if r.transfer == nil {
			out.LeaderID = r.id
		}
		out.Readable = r.leader.readable
		out.MinMatchIndex = r.leader.minMatchIndex
		out.SlowestReplicaID = r.leader.slowestReplicaID
		out.Peers = make([]AdminPeerState, 0, len(r.leader.progress))
		for i := range r.leader.progress {
			p := &r.leader.progress[i]
			out.Peers = append(out.Peers, AdminPeerState{
				ID:            r.configuration.Servers[i].ID,
				Role:          r.configuration.Servers[i].Role,
				State:         p.State,
				MatchIndex:    p.MatchIndex,
				NextIndex:     p.NextIndex,
				SnapshotIndex: p.SnapshotIndex,
				RecentRecv:    p.RecentRecv,
			})
		}
	case Follower:
		out.LeaderID = r.follower.currentLeader
	}

	return out
}
