package raft

import (
	"bytes"
	"testing"
)

// denyPermits refuses every permit request.
type denyPermits struct{}

func (denyPermits) Permit(pi *PermitInfo)                          { pi.Permit = false }
func (denyPermits) Unpermit(pi *PermitInfo)                        { pi.Permit = false }
func (denyPermits) Tick(ID, ID, Term, *PermitInfo) PgrepTickStatus { return PgrepTickFailed }
func (denyPermits) Boundary() ChunkPosition                        { return ChunkPosition{} }
func (denyPermits) ResetCheckpoint()                               {}
func (denyPermits) UpdateLeadTime(int64)                           {}

func TestLeaderApplyWaitsForPermit(t *testing.T) {
	c := newTestCluster(t, 1, Options{})
	s := c.electLeader(1)

	s.io.SetPgrepController(denyPermits{})

	done := c.apply(1, []byte("fenced"))
	c.pump()

	// The entry committed but was not handed to the FSM: the permit gate is
	// closed.
	if got := s.raft.CommitIndex(); got != 1 {
		t.Fatalf("commit index = %d, want 1", got)
	}
	if got := s.raft.LastApplying(); got != 0 {
		t.Fatalf("apply progressed without a permit: %d", got)
	}
	select {
	case err := <-done:
		t.Fatalf("callback fired while fenced: %v", err)
	default:
	}

	// Reopen the gate; the next event drains the backlog.
	s.io.SetPgrepController(openPgrep{})
	done2 := c.apply(1, []byte("second"))
	c.pump()

	waitErr(t, done, nil)
	waitErr(t, done2, nil)
	if got := s.raft.LastApplied(); got != 2 {
		t.Fatalf("last applied = %d, want 2", got)
	}
}

func TestFollowerCatchUpRoundBegin(t *testing.T) {
	network, recorder, s := newFollowerHarness(t)

	s.raft.mu.Lock()
	s.raft.currentTerm = 1
	s.raft.log.Append(1, EntryCommand, []byte("a"))
	s.raft.log.Append(1, EntryCommand, []byte("b"))
	s.raft.log.Append(1, EntryCommand, []byte("c"))
	s.raft.lastStored = 3
	s.raft.commitIndex = 1
	s.raft.lastApplied = 1
	s.raft.lastApplying = 1
	s.raft.mu.Unlock()

	// The opening message of a catch-up round agrees on the index: the
	// follower drops everything past its applied boundary and reports it.
	msg := &AppendEntries{
		Permit: PermitInfo{Permit: true, Replicating: PgrepRoundBegin, Time: 5},
	}
	msg.From, msg.To, msg.Term = 1, 2, 1

	s.raft.Step(msg)
	network.RunPending()

	s.raft.mu.Lock()
	lastIndex := s.raft.log.LastIndex()
	lastStored := s.raft.lastStored
	s.raft.mu.Unlock()

	if lastIndex != 1 || lastStored != 1 {
		t.Fatalf("follower did not truncate to the applied boundary: last=%d stored=%d",
			lastIndex, lastStored)
	}
	res := recorder.lastAppendResult(t)
	if res.Rejected != 0 || res.LastLogIndex != 1 {
		t.Fatalf("round-begin reply = %+v", res)
	}
	if res.Permit.Replicating != PgrepRoundError {
		t.Fatalf("immediate catch-up reply not marked deferred: %+v", res.Permit)
	}
}

func TestFollowerCatchUpStaleWindowDiscarded(t *testing.T) {
	network, recorder, s := newFollowerHarness(t)

	s.raft.mu.Lock()
	s.raft.currentTerm = 1
	s.raft.lastAppendTime = 9
	s.raft.lastAppendTerm = 1
	s.raft.mu.Unlock()

	msg := &AppendEntries{
		Entries: []Entry{{Term: 1, Type: EntryCommand, Data: []byte("x")}},
		Permit:  PermitInfo{Permit: true, Replicating: PgrepRoundOngoing, Time: 7},
	}
	msg.From, msg.To, msg.Term = 1, 2, 1

	before := len(recorder.msgs)
	s.raft.Step(msg)
	network.RunPending()

	// An out-of-order window is dropped without a reply and without writes.
	recorder.mu.Lock()
	after := len(recorder.msgs)
	recorder.mu.Unlock()
	if after != before {
		t.Fatalf("stale catch-up window produced %d replies", after-before)
	}
	if got := len(s.io.StoredEntries()); got != 0 {
		t.Fatalf("stale catch-up window stored %d entries", got)
	}
}

func TestFollowerCatchUpAppliesBeforeReplying(t *testing.T) {
	network, recorder, s := newFollowerHarness(t)

	// An ongoing-round window carrying entries: the reply must report the
	// applied index, which means apply ran before the reply went out.
	msg := &AppendEntries{
		Entries: []Entry{
			{Term: 1, Type: EntryCommand, Data: []byte("a")},
			{Term: 1, Type: EntryCommand, Data: []byte("b")},
		},
		LeaderCommit: 2,
		Permit:       PermitInfo{Permit: true, Replicating: PgrepRoundOngoing, Time: 3},
	}
	msg.From, msg.To, msg.Term = 1, 2, 1

	s.raft.Step(msg)
	network.RunPending()

	res := recorder.lastAppendResult(t)
	if res.Rejected != 0 || res.LastLogIndex != 2 {
		t.Fatalf("catch-up reply = %+v, want applied index 2", res)
	}
	applied := s.fsm.appliedCommands()
	if len(applied) != 2 || !bytes.Equal(applied[1], []byte("b")) {
		t.Fatalf("entries not applied before reply: %v", applied)
	}
}
