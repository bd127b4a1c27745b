package raft

import "testing"

func TestElectionSingleVoterBecomesLeaderImmediately(t *testing.T) {
	c := newTestCluster(t, 1, Options{})
	s := c.electLeader(1)

	if got := s.raft.Term(); got != 1 {
		t.Fatalf("term = %d, want 1", got)
	}
	if got := s.raft.LeaderID(); got != 1 {
		t.Fatalf("leader id = %d, want 1", got)
	}
}

func TestElectionThreeVoters(t *testing.T) {
	c := newTestCluster(t, 3, Options{})
	s := c.electLeader(1)

	if got := s.raft.Term(); got != 1 {
		t.Fatalf("leader term = %d, want 1", got)
	}
	for id := ID(2); id <= 3; id++ {
		f := c.server(id)
		if got := f.raft.State(); got != Follower {
			t.Fatalf("server %d state = %v, want follower", id, got)
		}
		if got := f.raft.Term(); got != 1 {
			t.Fatalf("server %d term = %d, want 1", id, got)
		}
		if got := f.raft.LeaderID(); got != 1 {
			t.Fatalf("server %d leader = %d, want 1", id, got)
		}
	}
}

func TestElectionTermAndVoteAreDurableBeforeReplies(t *testing.T) {
	c := newTestCluster(t, 3, Options{})
	c.electLeader(1)

	// Every server persisted term 1; the leader voted for itself, the
	// followers for the leader.
	for id := ID(1); id <= 3; id++ {
		term, votedFor := c.server(id).io.Meta()
		if term != 1 {
			t.Fatalf("server %d stored term = %d, want 1", id, term)
		}
		if votedFor != 1 {
			t.Fatalf("server %d stored vote = %d, want 1", id, votedFor)
		}
	}
}

func TestElectionVoteRefusedForStaleLog(t *testing.T) {
	c := newTestCluster(t, 3, Options{})
	c.electLeader(1)

	done := c.apply(1, []byte("x"))
	c.pump()
	waitErr(t, done, nil)
	c.heartbeat(1)

	// Server 3 forgets the entry and campaigns with an older log.
	lagging := c.server(3)
	lagging.raft.mu.Lock()
	_ = lagging.raft.log.Truncate(1)
	lagging.raft.lastStored = 0
	lagging.raft.commitIndex = 0
	lagging.raft.lastApplied = 0
	lagging.raft.lastApplying = 0
	lagging.raft.follower.currentLeader = 0
	lagging.raft.mu.Unlock()

	c.expireElectionTimer(3)
	// Other servers must be past their leader-stickiness window.
	c.network.Advance(defaultElectionTimeout * 2)
	lagging.raft.Tick()
	c.pump()

	if got := lagging.raft.State(); got == Leader {
		t.Fatalf("server with stale log won the election")
	}
}

func TestPreVoteDoesNotBumpTerms(t *testing.T) {
	c := newTestCluster(t, 3, Options{PreVote: true})
	s := c.electLeader(1)

	if got := s.raft.Term(); got != 1 {
		t.Fatalf("leader term after pre-vote election = %d, want 1", got)
	}
	for id := ID(2); id <= 3; id++ {
		if got := c.server(id).raft.Term(); got != 1 {
			t.Fatalf("server %d term = %d, want 1", id, got)
		}
	}
}

func TestPreVoteIgnoresPartitionedDisruptor(t *testing.T) {
	c := newTestCluster(t, 4, Options{PreVote: true})
	leader := c.electLeader(1)
	termBefore := leader.raft.Term()

	c.network.Disconnect(4)

	// The partitioned server times out repeatedly; pre-vote keeps its term
	// pinned.
	disruptor := c.server(4)
	for i := 0; i < 5; i++ {
		c.expireElectionTimer(4)
		disruptor.raft.Tick()
		c.pump()
	}
	if got := disruptor.raft.Term(); got != termBefore {
		t.Fatalf("partitioned server bumped its term to %d", got)
	}
	if got := disruptor.raft.State(); got != Candidate {
		t.Fatalf("partitioned server state = %v, want candidate", got)
	}

	// Heal the partition right after a leader heartbeat: the cluster is
	// inside its leader-stickiness window and refuses the disruption.
	c.heartbeat(1)
	c.network.Reconnect(4)
	c.expireElectionTimer(4)
	disruptor.raft.Tick()
	c.pump()

	if got := leader.raft.State(); got != Leader {
		t.Fatalf("leader deposed by partitioned pre-vote: state %v", got)
	}
	for id := ID(1); id <= 3; id++ {
		if got := c.server(id).raft.Term(); got != termBefore {
			t.Fatalf("server %d term changed to %d", id, got)
		}
	}
	disruptor.raft.mu.Lock()
	inPreVote := disruptor.raft.candidate.inPreVote
	disruptor.raft.mu.Unlock()
	if disruptor.raft.State() != Candidate || !inPreVote {
		t.Fatalf("disruptor should still be a pre-vote candidate")
	}
}

func TestNoOpBarrierMarksLeaderReadable(t *testing.T) {
	c := newTestCluster(t, 1, Options{NoOpOnPromotion: true})
	s := c.electLeader(1)

	state := s.raft.AdminState()
	if !state.Readable {
		t.Fatalf("leader not readable after no-op barrier committed")
	}
	if state.LastLogIndex != 1 {
		t.Fatalf("expected the no-op barrier at index 1, log ends at %d", state.LastLogIndex)
	}
}

func TestTimeoutNowTriggersImmediateElection(t *testing.T) {
	c := newTestCluster(t, 3, Options{})
	c.electLeader(1)

	target := c.server(2)
	msg := &TimeoutNow{}
	msg.From, msg.To, msg.Term = 1, 2, 1
	target.raft.Step(msg)
	c.pump()

	if got := target.raft.State(); got != Leader {
		t.Fatalf("transfer target state = %v, want leader", got)
	}
	if got := target.raft.Term(); got != 2 {
		t.Fatalf("transfer target term = %d, want 2", got)
	}
	if got := c.server(1).raft.State(); got != Follower {
		t.Fatalf("old leader state = %v, want follower", got)
	}
}
