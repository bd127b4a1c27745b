package raft

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// PgrepTickStatus is the catch-up scheduler's verdict for one tick.
type PgrepTickStatus int

// Catch-up tick verdicts.
const (
	PgrepTickSuccess  PgrepTickStatus = iota // a new round may begin
	PgrepTickRunning                         // the current round continues
	PgrepTickFinished                        // catch-up complete
	PgrepTickAborted                         // catch-up abandoned
	PgrepTickDeleted                         // target left the cluster
	PgrepTickFailed                          // transient failure, heartbeat only
)

// ChunkPosition locates the external copy process's progress boundary.
type ChunkPosition struct {
	ObjectID int64
	ChunkID  int32
}

// IO supplies durable storage, transport, time, and the catch-up fencing
// hooks. Completion callbacks must not be invoked synchronously from within
// the submitting call; the provider delivers them later, one at a time.
type IO interface {
	// Time returns monotonic milliseconds.
	Time() int64

	// SetMeta durably stores the term/vote metadata. The core treats the
	// provider as busy until the callback fires.
	SetMeta(term Term, votedFor ID, cb func(error))

	// Append durably appends entries; writes complete in submission order.
	Append(entries []Entry, cb func(error))

	// Truncate synchronously drops the durable log suffix from the given
	// index onward.
	Truncate(from Index) error

	// SnapshotPut durably stores a snapshot. Zero trailing means the stored
	// log is replaced entirely.
	SnapshotPut(trailing uint64, snapshot *Snapshot, cb func(error))

	// SnapshotGet fetches the latest stored snapshot.
	SnapshotGet(cb func(*Snapshot, error))

	// Send dispatches a message; the callback reports only local dispatch
	// status.
	Send(msg Message, cb func(error))

	// Catch-up fencing hooks.
	PgrepPermit(pi *PermitInfo)
	PgrepUnpermit(pi *PermitInfo)
	PgrepTick(from, to ID, term Term, pi *PermitInfo) PgrepTickStatus
	PgrepBoundary() ChunkPosition
	PgrepResetCheckpoint()
	PgrepUpdateLeadTime(t int64)
}

// FSM is the caller-supplied state machine that consumes committed commands.
type FSM interface {
	// Apply consumes one committed command. The callback fires once the
	// command has been applied, carrying an opaque result for the client.
	// Like IO completions, callbacks must not be invoked synchronously from
	// within Apply, and they fire in submission order.
	Apply(data []byte, cb func(result any, err error)) error

	// Snapshot captures the full state machine output.
	Snapshot() ([][]byte, error)

	// Restore replaces the state machine content from a snapshot.
	Restore(data [][]byte) error
}

// MessageHandler receives inbound messages from the transport. *Raft
// implements it.
type MessageHandler interface {
	Step(msg Message)
}
