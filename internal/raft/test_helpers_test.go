package raft

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

// testFSM records applied commands and snapshots them as JSON. Apply
// completions are queued on the server's IO provider, honoring the
// asynchronous callback contract.
type testFSM struct {
	io *MemoryIO

	mu      sync.Mutex
	applied [][]byte
}

func (f *testFSM) Apply(data []byte, cb func(any, error)) error {
	d := append([]byte(nil), data...)
	f.io.Post(func() {
		f.mu.Lock()
		f.applied = append(f.applied, d)
		n := len(f.applied)
		f.mu.Unlock()
		if cb != nil {
			cb(n, nil)
		}
	})
	return nil
}

func (f *testFSM) Snapshot() ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(f.applied)
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

func (f *testFSM) Restore(data [][]byte) error {
	var applied [][]byte
	if len(data) > 0 && len(data[0]) > 0 {
		if err := json.Unmarshal(data[0], &applied); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied = applied
	f.mu.Unlock()
	return nil
}

func (f *testFSM) appliedCommands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.applied...)
}

type testServer struct {
	id   ID
	raft *Raft
	io   *MemoryIO
	fsm  *testFSM
}

// testCluster is a deterministic single-process cluster: time advances only
// through the shared network clock, and nothing moves until pump drains the
// queued completions and deliveries.
type testCluster struct {
	t       *testing.T
	network *MemoryNetwork
	servers map[ID]*testServer
	opts    Options
}

func newTestCluster(t *testing.T, n int, opts Options) *testCluster {
	t.Helper()

	if opts.Seed == 0 {
		opts.Seed = 42
	}

	var configuration Configuration
	for id := ID(1); id <= ID(n); id++ {
		if err := configuration.Add(id, RoleVoter, RoleVoter, GroupOld); err != nil {
			t.Fatalf("add server %d: %v", id, err)
		}
	}

	c := &testCluster{
		t:       t,
		network: NewMemoryNetwork(),
		servers: map[ID]*testServer{},
		opts:    opts,
	}
	// Start the clock late enough that initial heartbeats are overdue.
	c.network.Advance(10_000)

	for id := ID(1); id <= ID(n); id++ {
		c.addServer(id, configuration)
	}
	return c
}

func (c *testCluster) addServer(id ID, configuration Configuration) *testServer {
	c.t.Helper()

	io := NewMemoryIO(id, c.network)
	fsm := &testFSM{io: io}
	r, err := New(id, io, fsm, slog.Default(), c.opts)
	if err != nil {
		c.t.Fatalf("new raft %d: %v", id, err)
	}
	if err := r.Bootstrap(configuration); err != nil {
		c.t.Fatalf("bootstrap %d: %v", id, err)
	}
	io.SetHandler(r)

	s := &testServer{id: id, raft: r, io: io, fsm: fsm}
	c.servers[id] = s
	return s
}

func (c *testCluster) server(id ID) *testServer {
	c.t.Helper()
	s, ok := c.servers[id]
	if !ok {
		c.t.Fatalf("no server %d", id)
	}
	return s
}

// pump drains all queued IO completions and message deliveries.
func (c *testCluster) pump() {
	c.network.RunPending()
}

// expireElectionTimer forces the server's next tick to fire its election
// timeout.
func (c *testCluster) expireElectionTimer(id ID) {
	s := c.server(id)
	s.raft.mu.Lock()
	s.raft.electionTimerStart = -(1 << 40)
	s.raft.mu.Unlock()
}

// electLeader drives the given server through a full election and fails the
// test if it does not win.
func (c *testCluster) electLeader(id ID) *testServer {
	c.t.Helper()

	c.expireElectionTimer(id)
	c.server(id).raft.Tick()
	c.pump()

	s := c.server(id)
	if got := s.raft.State(); got != Leader {
		c.t.Fatalf("server %d: expected state %v, got %v", id, Leader, got)
	}
	return s
}

// heartbeat advances time past the heartbeat interval and ticks the leader,
// draining the resulting traffic.
func (c *testCluster) heartbeat(id ID) {
	c.t.Helper()
	timeout := c.opts.HeartbeatTimeout
	if timeout == 0 {
		timeout = defaultHeartbeatTimeout
	}
	c.network.Advance(timeout + 1)
	c.server(id).raft.Tick()
	c.pump()
}

// apply proposes a command on the given server and returns a channel that
// receives the callback error.
func (c *testCluster) apply(id ID, cmd []byte) chan error {
	c.t.Helper()
	done := make(chan error, 1)
	err := c.server(id).raft.Apply([][]byte{cmd}, func(_ ApplyResult, err error) {
		done <- err
	})
	if err != nil {
		done <- err
	}
	return done
}

// waitErr asserts a buffered callback channel already holds the expected
// error (everything is synchronous once pump returns).
func waitErr(t *testing.T, ch chan error, want error) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected callback error %v, got %v", want, got)
		}
	default:
		t.Fatalf("callback did not fire")
	}
}
