package kv

import (
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
)

func newTestStore() *Store {
	return NewStore(noop.NewTracerProvider().Tracer("test"))
}

func mustCommand(t *testing.T, cmd Command) []byte {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStoreApplyPutDelete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.Apply(ctx, mustCommand(t, Command{Type: PutCmd, Key: "k", Value: "v"})); err != nil {
		t.Fatal(err)
	}
	if got, ok := s.Get("k"); !ok || got != "v" {
		t.Fatalf("get after put = (%q, %v)", got, ok)
	}

	if err := s.Apply(ctx, mustCommand(t, Command{Type: DeleteCmd, Key: "k"})); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestStoreApplyRejectsGarbage(t *testing.T) {
	s := newTestStore()
	if err := s.Apply(context.Background(), []byte("{not json")); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_ = s.Apply(ctx, mustCommand(t, Command{Type: PutCmd, Key: "a", Value: "1"}))
	_ = s.Apply(ctx, mustCommand(t, Command{Type: PutCmd, Key: "b", Value: "2"}))

	raw, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	restored := newTestStore()
	if err := restored.RestoreSnapshot(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if got, ok := restored.Get("a"); !ok || got != "1" {
		t.Fatalf("restored a = (%q, %v)", got, ok)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored %d keys, want 2", restored.Len())
	}

	// An empty snapshot resets the store.
	if err := restored.RestoreSnapshot(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if restored.Len() != 0 {
		t.Fatalf("reset store still has %d keys", restored.Len())
	}
}

func TestFSMAppliesInOrder(t *testing.T) {
	s := newTestStore()
	fsm := NewFSM(s)
	defer fsm.Close()

	done := make(chan struct{})
	_ = fsm.Apply(mustCommand(t, Command{Type: PutCmd, Key: "k", Value: "first"}), nil)
	err := fsm.Apply(mustCommand(t, Command{Type: PutCmd, Key: "k", Value: "second"}), func(any, error) {
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done

	if got, _ := s.Get("k"); got != "second" {
		t.Fatalf("applies out of order: %q", got)
	}
}
