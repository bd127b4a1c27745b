// Package raftio assembles a raft.IO provider for a real node process: a
// JSON-file-backed durable store, a pluggable transport, a monotonic clock,
// and catch-up fencing hooks.
package raftio

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/hongwei-wu/zraft/internal/raft"
)

// storedEntry is the on-disk shape of one log entry.
type storedEntry struct {
	Term uint64 `json:"term"`
	Type uint8  `json:"type"`
	Data []byte `json:"data"`
}

// storedLog keeps the compaction base alongside the entries so a crash
// between snapshot save and log replacement is recoverable: stale leading
// entries are trimmed on load using Base.
type storedLog struct {
	Base    uint64        `json:"base"`
	Entries []storedEntry `json:"entries"`
}

type storedMeta struct {
	Term     uint64 `json:"term"`
	VotedFor uint64 `json:"voted_for"`
}

type storedSnapshot struct {
	Index              uint64   `json:"index"`
	Term               uint64   `json:"term"`
	Configuration      []byte   `json:"configuration"`
	ConfigurationIndex uint64   `json:"configuration_index"`
	Data               [][]byte `json:"data"`
}

// FileStore persists Raft metadata, log, and snapshots as JSON files in a
// local directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore returns a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) metaPath() string     { return filepath.Join(s.dir, "meta.json") }
func (s *FileStore) logPath() string      { return filepath.Join(s.dir, "log.json") }
func (s *FileStore) snapshotPath() string { return filepath.Join(s.dir, "snapshot.json") }

// LoadedState is everything a restarting node recovers from disk, shaped for
// (*raft.Raft).Restore.
type LoadedState struct {
	Term     raft.Term
	VotedFor raft.ID
	Snapshot *raft.Snapshot
	Entries  []raft.Entry
}

// Load restores the full persistent state.
func (s *FileStore) Load() (*LoadedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta storedMeta
	if err := readJSON(s.metaPath(), &meta); err != nil {
		return nil, err
	}

	out := &LoadedState{
		Term:     raft.Term(meta.Term),
		VotedFor: raft.ID(meta.VotedFor),
	}

	var snap storedSnapshot
	found, err := readJSONOptional(s.snapshotPath(), &snap)
	if err != nil {
		return nil, err
	}
	if found {
		c, err := raft.DecodeConfiguration(snap.Configuration)
		if err != nil {
			return nil, err
		}
		out.Snapshot = &raft.Snapshot{
			Index:              raft.Index(snap.Index),
			Term:               raft.Term(snap.Term),
			Configuration:      c,
			ConfigurationIndex: raft.Index(snap.ConfigurationIndex),
			Data:               snap.Data,
		}
	}

	var sl storedLog
	if _, err := readJSONOptional(s.logPath(), &sl); err != nil {
		return nil, err
	}

	// Drop entries at or before the snapshot index: the trailing window kept
	// by PutSnapshot as well as any stale prefix left by a crash during
	// compaction.
	skip := 0
	if out.Snapshot != nil && raft.Index(sl.Base) < out.Snapshot.Index {
		skip = int(out.Snapshot.Index - raft.Index(sl.Base))
		if skip > len(sl.Entries) {
			skip = len(sl.Entries)
		}
	}
	for _, e := range sl.Entries[skip:] {
		out.Entries = append(out.Entries, raft.Entry{
			Term: raft.Term(e.Term),
			Type: raft.EntryType(e.Type),
			Data: e.Data,
		})
	}

	return out, nil
}

// SetMeta durably stores the term/vote pair.
func (s *FileStore) SetMeta(term raft.Term, votedFor raft.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomically(s.metaPath(), storedMeta{
		Term:     uint64(term),
		VotedFor: uint64(votedFor),
	})
}

// Append adds entries to the stored log.
func (s *FileStore) Append(entries []raft.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sl storedLog
	if _, err := readJSONOptional(s.logPath(), &sl); err != nil {
		return err
	}
	for i := range entries {
		sl.Entries = append(sl.Entries, storedEntry{
			Term: uint64(entries[i].Term),
			Type: uint8(entries[i].Type),
			Data: append([]byte(nil), entries[i].Data...),
		})
	}
	return writeJSONAtomically(s.logPath(), sl)
}

// Truncate drops the stored suffix from the given index onward.
func (s *FileStore) Truncate(from raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sl storedLog
	if _, err := readJSONOptional(s.logPath(), &sl); err != nil {
		return err
	}
	keep := int64(from) - int64(sl.Base) - 1
	if keep < 0 {
		keep = 0
	}
	if keep > int64(len(sl.Entries)) {
		keep = int64(len(sl.Entries))
	}
	sl.Entries = sl.Entries[:keep]
	return writeJSONAtomically(s.logPath(), sl)
}

// PutSnapshot durably stores a snapshot and compacts the stored log,
// keeping the trailing window (zero trailing replaces everything).
func (s *FileStore) PutSnapshot(trailing uint64, snap *raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := storedSnapshot{
		Index:              uint64(snap.Index),
		Term:               uint64(snap.Term),
		Configuration:      snap.Configuration.Encode(),
		ConfigurationIndex: uint64(snap.ConfigurationIndex),
		Data:               snap.Data,
	}
	if err := writeJSONAtomically(s.snapshotPath(), stored); err != nil {
		return err
	}

	var sl storedLog
	if _, err := readJSONOptional(s.logPath(), &sl); err != nil {
		return err
	}

	if trailing == 0 {
		sl = storedLog{Base: uint64(snap.Index)}
	} else {
		cut := int64(snap.Index) - int64(trailing) - int64(sl.Base)
		if cut > 0 {
			if cut > int64(len(sl.Entries)) {
				cut = int64(len(sl.Entries))
			}
			sl.Entries = sl.Entries[cut:]
			sl.Base += uint64(cut)
		}
	}
	return writeJSONAtomically(s.logPath(), sl)
}

// GetSnapshot fetches the latest stored snapshot.
func (s *FileStore) GetSnapshot() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap storedSnapshot
	found, err := readJSONOptional(s.snapshotPath(), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, raft.ErrNotFound
	}
	c, err := raft.DecodeConfiguration(snap.Configuration)
	if err != nil {
		return nil, err
	}
	return &raft.Snapshot{
		Index:              raft.Index(snap.Index),
		Term:               raft.Term(snap.Term),
		Configuration:      c,
		ConfigurationIndex: raft.Index(snap.ConfigurationIndex),
		Data:               snap.Data,
	}, nil
}

func readJSON(path string, v any) error {
	_, err := readJSONOptional(path, v)
	return err
}

func readJSONOptional(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSONAtomically(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Sync the parent directory so the rename itself is durable.
	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dirFile.Close() }()

	return dirFile.Sync()
}
