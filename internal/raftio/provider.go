package raftio

import (
	"sync"
	"time"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// Sender dispatches an encoded message toward its destination. The gRPC
// transport implements it.
type Sender interface {
	Send(msg raft.Message, cb func(error))
}

// Fencer is the external catch-up throttling backend. OpenFencer grants
// every permit and reports no catch-up work.
type Fencer interface {
	Permit(pi *raft.PermitInfo)
	Unpermit(pi *raft.PermitInfo)
	Tick(from, to raft.ID, term raft.Term, pi *raft.PermitInfo) raft.PgrepTickStatus
	Boundary() raft.ChunkPosition
	ResetCheckpoint()
	UpdateLeadTime(t int64)
}

// OpenFencer is the default Fencer: permits are always granted.
type OpenFencer struct{}

func (OpenFencer) Permit(pi *raft.PermitInfo)   { pi.Permit = true }
func (OpenFencer) Unpermit(pi *raft.PermitInfo) { pi.Permit = false }
func (OpenFencer) Tick(raft.ID, raft.ID, raft.Term, *raft.PermitInfo) raft.PgrepTickStatus {
	return raft.PgrepTickFailed
}
func (OpenFencer) Boundary() raft.ChunkPosition { return raft.ChunkPosition{} }
func (OpenFencer) ResetCheckpoint()             {}
func (OpenFencer) UpdateLeadTime(int64)         {}

// Provider implements raft.IO on top of a FileStore and a Sender. Storage
// completions are delivered from a single worker goroutine, one at a time,
// honoring the core's reentry contract.
type Provider struct {
	store  *FileStore
	sender Sender
	fencer Fencer

	start time.Time

	mu     sync.Mutex
	jobs   chan func()
	closed bool
}

// NewProvider returns a running provider. Close releases its worker.
func NewProvider(store *FileStore, sender Sender, fencer Fencer) *Provider {
	if fencer == nil {
		fencer = OpenFencer{}
	}
	p := &Provider{
		store:  store,
		sender: sender,
		fencer: fencer,
		start:  time.Now(),
		jobs:   make(chan func(), 256),
	}
	go p.run()
	return p
}

func (p *Provider) run() {
	for job := range p.jobs {
		job()
	}
}

// Close stops the completion worker once it has run the jobs already
// queued. Jobs submitted after Close are dropped.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
}

func (p *Provider) submit(job func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.jobs <- job
}

// Time implements raft.IO with monotonic milliseconds since construction.
func (p *Provider) Time() int64 {
	return time.Since(p.start).Milliseconds()
}

// SetMeta implements raft.IO.
func (p *Provider) SetMeta(term raft.Term, votedFor raft.ID, cb func(error)) {
	p.submit(func() {
		err := p.store.SetMeta(term, votedFor)
		if cb != nil {
			cb(err)
		}
	})
}

// Append implements raft.IO.
func (p *Provider) Append(entries []raft.Entry, cb func(error)) {
	p.submit(func() {
		err := p.store.Append(entries)
		if cb != nil {
			cb(err)
		}
	})
}

// Truncate implements raft.IO.
func (p *Provider) Truncate(from raft.Index) error {
	return p.store.Truncate(from)
}

// SnapshotPut implements raft.IO.
func (p *Provider) SnapshotPut(trailing uint64, snapshot *raft.Snapshot, cb func(error)) {
	p.submit(func() {
		err := p.store.PutSnapshot(trailing, snapshot)
		if cb != nil {
			cb(err)
		}
	})
}

// SnapshotGet implements raft.IO.
func (p *Provider) SnapshotGet(cb func(*raft.Snapshot, error)) {
	p.submit(func() {
		snap, err := p.store.GetSnapshot()
		cb(snap, err)
	})
}

// Send implements raft.IO.
func (p *Provider) Send(msg raft.Message, cb func(error)) {
	p.sender.Send(msg, cb)
}

// PgrepPermit implements raft.IO.
func (p *Provider) PgrepPermit(pi *raft.PermitInfo) { p.fencer.Permit(pi) }

// PgrepUnpermit implements raft.IO.
func (p *Provider) PgrepUnpermit(pi *raft.PermitInfo) { p.fencer.Unpermit(pi) }

// PgrepTick implements raft.IO.
func (p *Provider) PgrepTick(from, to raft.ID, term raft.Term, pi *raft.PermitInfo) raft.PgrepTickStatus {
	return p.fencer.Tick(from, to, term, pi)
}

// PgrepBoundary implements raft.IO.
func (p *Provider) PgrepBoundary() raft.ChunkPosition { return p.fencer.Boundary() }

// PgrepResetCheckpoint implements raft.IO.
func (p *Provider) PgrepResetCheckpoint() { p.fencer.ResetCheckpoint() }

// PgrepUpdateLeadTime implements raft.IO.
func (p *Provider) PgrepUpdateLeadTime(t int64) { p.fencer.UpdateLeadTime(t) }
