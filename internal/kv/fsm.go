package kv

import (
	"context"
	"sync"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// FSM adapts the KV store to the consensus core's state machine contract.
// Apply callbacks are delivered from a single worker goroutine in submission
// order, as the core requires.
type FSM struct {
	store *Store

	mu     sync.Mutex
	jobs   chan func()
	closed bool
}

// NewFSM wraps the store in a running FSM adapter. Close releases its
// worker.
func NewFSM(store *Store) *FSM {
	f := &FSM{
		store: store,
		jobs:  make(chan func(), 256),
	}
	go f.run()
	return f
}

func (f *FSM) run() {
	for job := range f.jobs {
		job()
	}
}

// Close stops the apply worker. Pending callbacks are dropped.
func (f *FSM) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.jobs)
	}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(data []byte, cb func(result any, err error)) error {
	buf := append([]byte(nil), data...)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return raft.ErrShutdown
	}
	f.jobs <- func() {
		err := f.store.Apply(context.Background(), buf)
		if cb != nil {
			cb(nil, err)
		}
	}
	return nil
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() ([][]byte, error) {
	raw, err := f.store.Snapshot(context.Background())
	if err != nil {
		return nil, err
	}
	return [][]byte{raw}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(data [][]byte) error {
	var raw []byte
	if len(data) > 0 {
		raw = data[0]
	}
	return f.store.RestoreSnapshot(context.Background(), raw)
}
