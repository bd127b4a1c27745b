// Package service exposes the replicated KV operations on top of the
// consensus core.
package service

import (
	"context"
	"encoding/json"

	"github.com/hongwei-wu/zraft/internal/kv"
	"github.com/hongwei-wu/zraft/internal/raft"
)

// Logger is the logging interface required by the service layer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// KV proposes key-value commands through the consensus core and serves local
// reads from the applied store.
type KV struct {
	raft   *raft.Raft
	store  *kv.Store
	logger Logger
}

// NewKV wires the service to a consensus instance and its applied store.
func NewKV(r *raft.Raft, store *kv.Store, logger Logger) *KV {
	return &KV{raft: r, store: store, logger: logger}
}

// Put replicates a put command and waits for it to be applied.
func (s *KV) Put(ctx context.Context, key, value string) error {
	return s.propose(ctx, kv.Command{Type: kv.PutCmd, Key: key, Value: value})
}

// Delete replicates a delete command and waits for it to be applied.
func (s *KV) Delete(ctx context.Context, key string) error {
	return s.propose(ctx, kv.Command{Type: kv.DeleteCmd, Key: key})
}

// Get reads the local applied state. Reads served by a non-leader may be
// stale.
func (s *KV) Get(key string) (string, bool) {
	return s.store.Get(key)
}

// Barrier waits until everything committed before the call has been applied.
func (s *KV) Barrier(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.raft.Barrier(func(err error) {
		done <- err
	}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *KV) propose(ctx context.Context, cmd kv.Command) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	if err := s.raft.Apply([][]byte{raw}, func(_ raft.ApplyResult, err error) {
		done <- err
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			s.logger.Debug("proposal failed", "key", cmd.Key, "error", err)
		}
		return err
	}
}
