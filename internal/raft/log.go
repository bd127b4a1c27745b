package raft

// entryBatch is the shared owner of the payload bytes for a contiguous range
// of entries appended together. Acquiring a range pins every batch it
// touches; a pinned range cannot be truncated.
type entryBatch struct {
	refs int
}

// Log is the in-memory index of the replicated log. Entries offset+1..last
// are contiguous and in memory; offset is the compaction point (the index of
// the entry just before the first live one).
type Log struct {
	offset  Index
	entries []Entry

	snapshotLastIndex Index
	snapshotLastTerm  Term
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// LastIndex returns the index of the last entry, or the snapshot boundary if
// the log is empty.
func (l *Log) LastIndex() Index {
	if len(l.entries) == 0 {
		return l.snapshotLastIndex
	}
	return l.offset + Index(len(l.entries))
}

// LastTerm returns the term of the last entry, or the snapshot term if the
// log is empty.
func (l *Log) LastTerm() Term {
	return l.TermOf(l.LastIndex())
}

// NumEntries returns the number of in-memory entries.
func (l *Log) NumEntries() int {
	return len(l.entries)
}

// SnapshotIndex returns the index of the last entry covered by the most
// recent snapshot, or zero.
func (l *Log) SnapshotIndex() Index {
	return l.snapshotLastIndex
}

// SnapshotTerm returns the term of the entry at SnapshotIndex.
func (l *Log) SnapshotTerm() Term {
	return l.snapshotLastTerm
}

// Get returns the entry with the given index, or nil if it is not in memory.
func (l *Log) Get(index Index) *Entry {
	if index <= l.offset || index > l.offset+Index(len(l.entries)) {
		return nil
	}
	return &l.entries[index-l.offset-1]
}

// TermOf returns the term of the entry with the given index, the snapshot
// term at the snapshot boundary, or zero if the entry is not known.
func (l *Log) TermOf(index Index) Term {
	if e := l.Get(index); e != nil {
		return e.Term
	}
	if index == l.snapshotLastIndex {
		return l.snapshotLastTerm
	}
	return 0
}

// Append adds a single entry with its own payload batch.
func (l *Log) Append(term Term, typ EntryType, data []byte) {
	l.entries = append(l.entries, Entry{
		Term:  term,
		Type:  typ,
		Data:  data,
		batch: &entryBatch{},
	})
}

// AppendCommands adds one command entry per buffer, all sharing one batch.
func (l *Log) AppendCommands(term Term, bufs [][]byte) {
	batch := &entryBatch{}
	for _, buf := range bufs {
		l.entries = append(l.entries, Entry{
			Term:  term,
			Type:  EntryCommand,
			Data:  buf,
			batch: batch,
		})
	}
}

// AppendConfiguration adds a configuration-change entry carrying the encoded
// configuration.
func (l *Log) AppendConfiguration(term Term, c *Configuration) {
	l.Append(term, EntryChange, c.Encode())
}

// Acquire returns the entries from the given index through the last one and
// pins their batches. The returned slice aliases the log's entries; it stays
// valid until the matching Release even if the log is truncated meanwhile
// (truncation over a pinned range is refused).
func (l *Log) Acquire(from Index) []Entry {
	return l.AcquireSection(from, l.LastIndex())
}

// AcquireSection is Acquire limited to the range [from, to].
func (l *Log) AcquireSection(from, to Index) []Entry {
	if from <= l.offset || to > l.offset+Index(len(l.entries)) || from > to {
		return nil
	}
	out := l.entries[from-l.offset-1 : to-l.offset]
	for i := range out {
		out[i].batch.refs++
	}
	return out
}

// Release unpins a range previously returned by Acquire.
func (l *Log) Release(entries []Entry) {
	for i := range entries {
		entries[i].batch.refs--
	}
}

// referenced reports whether any in-memory entry at or after the given index
// is pinned by an acquisition.
func (l *Log) referenced(from Index) bool {
	if from <= l.offset {
		from = l.offset + 1
	}
	for i := from - l.offset - 1; int(i) < len(l.entries); i++ {
		if l.entries[i].batch.refs > 0 {
			return true
		}
	}
	return false
}

// Truncate drops all entries from the given index onward. It fails with
// ErrLogBusy while any affected entry is pinned.
func (l *Log) Truncate(from Index) error {
	if from <= l.snapshotLastIndex {
		return ErrLogBusy
	}
	if l.referenced(from) {
		return ErrLogBusy
	}
	return l.Discard(from)
}

// Discard drops all entries from the given index onward without checking
// references. Used on the leader path when a failed disk write must roll
// back entries that were never dispatched.
func (l *Log) Discard(from Index) error {
	if from <= l.offset {
		if from <= l.snapshotLastIndex {
			return ErrLogBusy
		}
		l.entries = nil
		return nil
	}
	keep := from - l.offset - 1
	if int(keep) >= len(l.entries) {
		return nil
	}
	l.entries = l.entries[:keep]
	return nil
}

// Snapshot advances the snapshot boundary to lastIndex, dropping all entries
// up to lastIndex-trailing. Entries in the trailing window stay available
// for follower catch-up.
func (l *Log) Snapshot(lastIndex Index, trailing uint64) {
	term := l.TermOf(lastIndex)
	if term == 0 {
		return
	}
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = term

	cut := lastIndex
	if Index(trailing) < lastIndex {
		cut = lastIndex - Index(trailing)
	} else {
		cut = 0
	}
	if cut <= l.offset {
		return
	}
	drop := cut - l.offset
	if int(drop) > len(l.entries) {
		drop = Index(len(l.entries))
	}
	l.entries = l.entries[drop:]
	l.offset += drop
}

// Restore adopts a foreign snapshot boundary, dropping every in-memory
// entry. Used when installing a snapshot received from the leader.
func (l *Log) Restore(lastIndex Index, lastTerm Term) {
	l.entries = nil
	l.offset = lastIndex
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = lastTerm
}

// ResetOffset forces the compaction point without touching the snapshot
// boundary. Used by the catch-up resynchronization path after the in-memory
// entries have been dropped.
func (l *Log) ResetOffset(offset Index) {
	l.offset = offset
}
