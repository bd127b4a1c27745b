package raft

import (
	"log/slog"
	"testing"

	"github.com/golang/mock/gomock"
)

func newMockedRaft(t *testing.T, io IO) *Raft {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	fsm := NewMockFSM(ctrl)
	r, err := New(1, io, fsm, slog.Default(), Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	var configuration Configuration
	_ = configuration.Add(1, RoleVoter, RoleVoter, GroupOld)
	_ = configuration.Add(2, RoleVoter, RoleVoter, GroupOld)
	_ = configuration.Add(3, RoleVoter, RoleVoter, GroupOld)
	if err := r.Bootstrap(configuration); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRecvHigherTermBumpsMetaAsynchronously(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	io := NewMockIO(ctrl)
	io.EXPECT().Time().Return(int64(10_000)).AnyTimes()

	var metaCB func(error)
	io.EXPECT().
		SetMeta(Term(5), ID(2), gomock.Any()).
		DoAndReturn(func(_ Term, _ ID, cb func(error)) {
			metaCB = cb
		}).
		Times(1)

	r := newMockedRaft(t, io)

	msg := &AppendEntries{}
	msg.From, msg.To, msg.Term = 2, 1, 5
	r.Step(msg)

	if metaCB == nil {
		t.Fatalf("term bump did not reach the IO provider")
	}
	// The term is not adopted until the write is durable.
	if got := r.Term(); got != 0 {
		t.Fatalf("term adopted before persistence: %d", got)
	}

	// While the metadata write is in flight, everything else is dropped on
	// the floor: no expectations are set, so any call would fail the test.
	drop := &RequestVote{Candidate: 3}
	drop.From, drop.To, drop.Term = 3, 1, 6
	r.Step(drop)

	// Completion adopts the term, converts to follower, and redispatches
	// the original message, whose empty append produces a reply.
	io.EXPECT().
		Send(gomock.Any(), gomock.Any()).
		Do(func(m Message, _ func(error)) {
			res, ok := m.(*AppendEntriesResult)
			if !ok {
				t.Fatalf("expected AppendEntriesResult, got %T", m)
			}
			if res.MsgTerm() != 5 || res.Rejected != 0 {
				t.Fatalf("unexpected reply %+v", res)
			}
		}).
		Times(1)

	metaCB(nil)

	if got := r.Term(); got != 5 {
		t.Fatalf("term = %d, want 5", got)
	}
	if got := r.State(); got != Follower {
		t.Fatalf("state = %v, want follower", got)
	}
}

func TestRecvMetaWriteFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	io := NewMockIO(ctrl)
	io.EXPECT().Time().Return(int64(10_000)).AnyTimes()

	var metaCB func(error)
	io.EXPECT().
		SetMeta(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ Term, _ ID, cb func(error)) {
			metaCB = cb
		}).
		Times(1)

	r := newMockedRaft(t, io)

	msg := &AppendEntries{}
	msg.From, msg.To, msg.Term = 2, 1, 7
	r.Step(msg)

	metaCB(ErrShutdown)

	if got := r.State(); got != Unavailable {
		t.Fatalf("state after failed meta write = %v, want unavailable", got)
	}

	// An unavailable instance drops every further input.
	late := &AppendEntries{}
	late.From, late.To, late.Term = 2, 1, 8
	r.Step(late)
	if got := r.Term(); got != 0 {
		t.Fatalf("unavailable instance mutated state: term %d", got)
	}
}

func TestRecvStaleTermRejected(t *testing.T) {
	c := newTestCluster(t, 3, Options{})
	leader := c.electLeader(1)

	// A vote request from a past term is answered but never granted.
	stale := &RequestVote{Candidate: 3, LastLogIndex: 99, LastLogTerm: 99}
	stale.From, stale.To, stale.Term = 3, 1, 0

	leader.raft.Step(stale)
	c.pump()

	if got := leader.raft.State(); got != Leader {
		t.Fatalf("stale vote request disturbed the leader: %v", got)
	}
	if got := leader.raft.Term(); got != 1 {
		t.Fatalf("term = %d, want 1", got)
	}
}
