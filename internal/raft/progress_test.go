package raft

import "testing"

// newTestLeader builds a standalone leader over a memory network for
// progress-rule tests.
func newTestLeader(t *testing.T, n int) (*testCluster, *testServer) {
	t.Helper()
	c := newTestCluster(t, n, Options{})
	s := c.electLeader(1)
	return c, s
}

func TestProgressShouldReplicate(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Raft, p *Progress)
		want  bool
	}{
		{
			name: "probe waits for heartbeat interval",
			setup: func(r *Raft, p *Progress) {
				p.State = ProgressProbe
				p.LastSend = r.io.Time()
			},
			want: false,
		},
		{
			name: "probe sends once interval elapsed",
			setup: func(r *Raft, p *Progress) {
				p.State = ProgressProbe
				p.LastSend = r.io.Time() - r.heartbeatTimeout
			},
			want: true,
		},
		{
			name: "pipeline sends when behind",
			setup: func(r *Raft, p *Progress) {
				p.State = ProgressPipeline
				p.LastSend = r.io.Time()
				p.NextIndex = r.log.LastIndex() // one behind
			},
			want: true,
		},
		{
			name: "pipeline idle until heartbeat when up to date",
			setup: func(r *Raft, p *Progress) {
				p.State = ProgressPipeline
				p.LastSend = r.io.Time()
				p.NextIndex = r.log.LastIndex() + 1
			},
			want: false,
		},
		{
			name: "pipeline window full",
			setup: func(r *Raft, p *Progress) {
				r.inflightLogThreshold = 2
				p.State = ProgressPipeline
				p.LastSend = r.io.Time()
				p.MatchIndex = 0
				p.NextIndex = 4
			},
			want: false,
		},
		{
			name: "snapshot only heartbeats while in flight",
			setup: func(r *Raft, p *Progress) {
				p.State = ProgressSnapshot
				p.SnapshotIndex = 1
				p.LastSend = r.io.Time()
				p.SnapshotLastSend = r.io.Time()
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, s := newTestLeader(t, 2)
			r := s.raft
			r.mu.Lock()
			defer r.mu.Unlock()

			r.log.Append(r.currentTerm, EntryCommand, []byte("x"))
			p := &r.leader.progress[1]
			tt.setup(r, p)
			if got := r.progressShouldReplicate(1); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestProgressSnapshotTimeoutAborts(t *testing.T) {
	_, s := newTestLeader(t, 2)
	r := s.raft
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &r.leader.progress[1]
	p.State = ProgressSnapshot
	p.SnapshotIndex = 5
	p.SnapshotLastSend = r.io.Time() - r.installSnapshotTimeout

	if !r.progressShouldReplicate(1) {
		t.Fatalf("expected replication after snapshot timeout")
	}
	if p.State != ProgressProbe || p.SnapshotIndex != 0 {
		t.Fatalf("snapshot not aborted: %+v", p)
	}
}

func TestProgressMaybeDecrement(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(p *Progress)
		rejected     Index
		lastLogIndex Index
		wantRetry    bool
		check        func(t *testing.T, p *Progress)
	}{
		{
			name: "snapshot ignores mismatched rejection",
			setup: func(p *Progress) {
				p.State = ProgressSnapshot
				p.SnapshotIndex = 10
			},
			rejected:  4,
			wantRetry: false,
		},
		{
			name: "snapshot aborts on matching rejection",
			setup: func(p *Progress) {
				p.State = ProgressSnapshot
				p.SnapshotIndex = 10
			},
			rejected:  10,
			wantRetry: true,
			check: func(t *testing.T, p *Progress) {
				if p.State != ProgressProbe || p.SnapshotIndex != 0 {
					t.Fatalf("expected aborted snapshot, got %+v", p)
				}
			},
		},
		{
			name: "pipeline ignores stale rejection",
			setup: func(p *Progress) {
				p.State = ProgressPipeline
				p.MatchIndex = 7
				p.NextIndex = 9
			},
			rejected:     5,
			lastLogIndex: 8,
			wantRetry:    false,
		},
		{
			name: "pipeline backs off to probe",
			setup: func(p *Progress) {
				p.State = ProgressPipeline
				p.MatchIndex = 3
				p.NextIndex = 9
			},
			rejected:     6,
			lastLogIndex: 8,
			wantRetry:    true,
			check: func(t *testing.T, p *Progress) {
				if p.State != ProgressProbe {
					t.Fatalf("expected probe, got %v", p.State)
				}
				if p.NextIndex != 4 {
					t.Fatalf("next index = %d, want 4", p.NextIndex)
				}
			},
		},
		{
			name: "probe ignores spurious rejection",
			setup: func(p *Progress) {
				p.State = ProgressProbe
				p.NextIndex = 9
			},
			rejected:  5,
			wantRetry: false,
		},
		{
			name: "probe decrements",
			setup: func(p *Progress) {
				p.State = ProgressProbe
				p.NextIndex = 9
			},
			rejected:     8,
			lastLogIndex: 4,
			wantRetry:    true,
			check: func(t *testing.T, p *Progress) {
				if p.NextIndex != 5 {
					t.Fatalf("next index = %d, want 5", p.NextIndex)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, s := newTestLeader(t, 2)
			r := s.raft
			r.mu.Lock()
			defer r.mu.Unlock()

			p := &r.leader.progress[1]
			tt.setup(p)
			got := r.progressMaybeDecrement(1, tt.rejected, tt.lastLogIndex)
			if got != tt.wantRetry {
				t.Fatalf("retry = %v, want %v", got, tt.wantRetry)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestProgressMaybeUpdateMonotonic(t *testing.T) {
	_, s := newTestLeader(t, 2)
	r := s.raft
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.progressMaybeUpdate(1, 5) {
		t.Fatalf("expected update to 5")
	}
	if r.progressMaybeUpdate(1, 3) {
		t.Fatalf("match index must not regress")
	}
	p := &r.leader.progress[1]
	if p.MatchIndex != 5 || p.NextIndex != 6 {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestProgressRebuildCarriesState(t *testing.T) {
	_, s := newTestLeader(t, 3)
	r := s.raft
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leader.progress[1].MatchIndex = 4
	r.leader.progress[1].NextIndex = 5
	r.leader.progress[1].State = ProgressPipeline

	next := r.configuration.Copy()
	if err := next.Remove(3); err != nil {
		t.Fatal(err)
	}
	if err := next.Add(9, RoleSpare, RoleSpare, GroupOld); err != nil {
		t.Fatal(err)
	}

	r.progressRebuildArray(&next)

	i := next.IndexOf(2)
	if r.leader.progress[i].MatchIndex != 4 || r.leader.progress[i].State != ProgressPipeline {
		t.Fatalf("existing server lost progress: %+v", r.leader.progress[i])
	}
	j := next.IndexOf(9)
	if r.leader.progress[j].State != ProgressProbe || r.leader.progress[j].MatchIndex != 0 {
		t.Fatalf("new server progress not initialized: %+v", r.leader.progress[j])
	}
	if r.leader.progress[j].NextIndex != r.log.LastIndex()+1 {
		t.Fatalf("new server next index = %d", r.leader.progress[j].NextIndex)
	}
}
