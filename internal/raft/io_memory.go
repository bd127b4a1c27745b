package raft

import "sync"

// MemoryNetwork routes messages between the MemoryIO providers of a
// single-process cluster. Delivery is deterministic: nothing moves until
// RunPending drains the queued work.
type MemoryNetwork struct {
	mu           sync.Mutex
	providers    map[ID]*MemoryIO
	disconnected map[ID]bool
	now          int64
}

// NewMemoryNetwork returns an empty network with the clock at zero.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		providers:    map[ID]*MemoryIO{},
		disconnected: map[ID]bool{},
	}
}

// Advance moves the shared clock forward by d milliseconds.
func (n *MemoryNetwork) Advance(d int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now += d
}

// Disconnect partitions the given server away: messages from and to it are
// dropped.
func (n *MemoryNetwork) Disconnect(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

// Reconnect heals a partition.
func (n *MemoryNetwork) Reconnect(id ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

// RunPending drains queued completions and deliveries across the whole
// network until nothing is left.
func (n *MemoryNetwork) RunPending() {
	for {
		ran := false
		n.mu.Lock()
		providers := make([]*MemoryIO, 0, len(n.providers))
		for _, p := range n.providers {
			providers = append(providers, p)
		}
		n.mu.Unlock()
		for _, p := range providers {
			if p.runOne() {
				ran = true
			}
		}
		if !ran {
			return
		}
	}
}

func (n *MemoryNetwork) reachable(from, to ID) (*MemoryIO, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, false
	}
	p, ok := n.providers[to]
	return p, ok
}

// MemoryIO is an in-memory IO provider. Storage is volatile, transport is
// the owning MemoryNetwork, and catch-up permits are granted freely unless a
// PgrepController is installed.
type MemoryIO struct {
	mu      sync.Mutex
	id      ID
	network *MemoryNetwork
	handler MessageHandler

	term     Term
	votedFor ID
	first    Index
	entries  []Entry
	snapshot *Snapshot

	pending []func()

	pgrep PgrepController
}

// PgrepController is the pluggable catch-up fencing backend of a MemoryIO.
type PgrepController interface {
	Permit(pi *PermitInfo)
	Unpermit(pi *PermitInfo)
	Tick(from, to ID, term Term, pi *PermitInfo) PgrepTickStatus
	Boundary() ChunkPosition
	ResetCheckpoint()
	UpdateLeadTime(t int64)
}

// openPgrep grants every permit and reports no catch-up work.
type openPgrep struct{}

func (openPgrep) Permit(pi *PermitInfo)                          { pi.Permit = true }
func (openPgrep) Unpermit(pi *PermitInfo)                        { pi.Permit = false }
func (openPgrep) Tick(ID, ID, Term, *PermitInfo) PgrepTickStatus { return PgrepTickFailed }
func (openPgrep) Boundary() ChunkPosition                        { return ChunkPosition{} }
func (openPgrep) ResetCheckpoint()                               {}
func (openPgrep) UpdateLeadTime(int64)                           {}

// NewMemoryIO registers a provider for the given server on the network.
func NewMemoryIO(id ID, network *MemoryNetwork) *MemoryIO {
	io := &MemoryIO{id: id, network: network, first: 1, pgrep: openPgrep{}}
	network.mu.Lock()
	network.providers[id] = io
	network.mu.Unlock()
	return io
}

// SetHandler installs the message sink, normally (*Raft).Step.
func (m *MemoryIO) SetHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetPgrepController replaces the default allow-everything fencing backend.
func (m *MemoryIO) SetPgrepController(c PgrepController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pgrep = c
}

// Meta returns the stored term and vote.
func (m *MemoryIO) Meta() (Term, ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term, m.votedFor
}

// StoredEntries returns a copy of the durable log.
func (m *MemoryIO) StoredEntries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// StoredSnapshot returns the durable snapshot, or nil.
func (m *MemoryIO) StoredSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Post schedules fn on this provider's completion queue. State machines
// built on top of a MemoryIO use it to defer their apply callbacks the same
// way IO completions are deferred.
func (m *MemoryIO) Post(fn func()) {
	m.post(fn)
}

func (m *MemoryIO) post(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// runOne executes the oldest queued completion, reporting whether there was
// one.
func (m *MemoryIO) runOne() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	fn := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	fn()
	return true
}

// Time implements IO with the network's shared clock.
func (m *MemoryIO) Time() int64 {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	return m.network.now
}

// SetMeta implements IO.
func (m *MemoryIO) SetMeta(term Term, votedFor ID, cb func(error)) {
	m.post(func() {
		m.mu.Lock()
		m.term = term
		m.votedFor = votedFor
		m.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	})
}

// Append implements IO.
func (m *MemoryIO) Append(entries []Entry, cb func(error)) {
	copied := make([]Entry, len(entries))
	for i := range entries {
		copied[i] = Entry{
			Term: entries[i].Term,
			Type: entries[i].Type,
			Data: append([]byte(nil), entries[i].Data...),
		}
	}
	m.post(func() {
		m.mu.Lock()
		m.entries = append(m.entries, copied...)
		m.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	})
}

// Truncate implements IO synchronously.
func (m *MemoryIO) Truncate(from Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from < m.first {
		from = m.first
	}
	keep := int(from - m.first)
	if keep < len(m.entries) {
		m.entries = m.entries[:keep]
	}
	return nil
}

// SnapshotPut implements IO.
func (m *MemoryIO) SnapshotPut(trailing uint64, snapshot *Snapshot, cb func(error)) {
	m.post(func() {
		m.mu.Lock()
		snap := *snapshot
		m.snapshot = &snap
		if trailing == 0 {
			m.entries = nil
			m.first = snapshot.Index + 1
		} else if snapshot.Index+1 > m.first+Index(trailing) {
			cut := snapshot.Index + 1 - Index(trailing) - m.first
			if int(cut) > len(m.entries) {
				cut = Index(len(m.entries))
			}
			m.entries = m.entries[cut:]
			m.first += cut
		}
		m.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
	})
}

// SnapshotGet implements IO.
func (m *MemoryIO) SnapshotGet(cb func(*Snapshot, error)) {
	m.post(func() {
		m.mu.Lock()
		snap := m.snapshot
		m.mu.Unlock()
		if snap == nil {
			cb(nil, ErrNotFound)
			return
		}
		cb(snap, nil)
	})
}

// Send implements IO. Delivery happens on the destination's queue; the
// callback reports only whether the destination was reachable.
func (m *MemoryIO) Send(msg Message, cb func(error)) {
	dst, ok := m.network.reachable(m.id, msg.Dst())
	if !ok {
		m.post(func() {
			if cb != nil {
				cb(ErrNoConnection)
			}
		})
		return
	}
	dst.post(func() {
		dst.mu.Lock()
		handler := dst.handler
		dst.mu.Unlock()
		if handler != nil {
			handler.Step(msg)
		}
	})
	m.post(func() {
		if cb != nil {
			cb(nil)
		}
	})
}

// PgrepPermit implements IO.
func (m *MemoryIO) PgrepPermit(pi *PermitInfo) { m.pgrep.Permit(pi) }

// PgrepUnpermit implements IO.
func (m *MemoryIO) PgrepUnpermit(pi *PermitInfo) { m.pgrep.Unpermit(pi) }

// PgrepTick implements IO.
func (m *MemoryIO) PgrepTick(from, to ID, term Term, pi *PermitInfo) PgrepTickStatus {
	return m.pgrep.Tick(from, to, term, pi)
}

// PgrepBoundary implements IO.
func (m *MemoryIO) PgrepBoundary() ChunkPosition { return m.pgrep.Boundary() }

// PgrepResetCheckpoint implements IO.
func (m *MemoryIO) PgrepResetCheckpoint() { m.pgrep.ResetCheckpoint() }

// PgrepUpdateLeadTime implements IO.
func (m *MemoryIO) PgrepUpdateLeadTime(t int64) { m.pgrep.UpdateLeadTime(t) }
