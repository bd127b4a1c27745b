package raft

// Message is an RPC envelope exchanged between servers. The concrete types
// below are the only implementations.
type Message interface {
	// Src returns the sending server.
	Src() ID
	// MsgTerm returns the sender's term when the message was produced.
	MsgTerm() Term
	// Dst returns the destination server.
	Dst() ID
}

// header carries the fields common to every RPC.
type header struct {
	From ID
	To   ID
	Term Term
}

func (h *header) Src() ID       { return h.From }
func (h *header) Dst() ID       { return h.To }
func (h *header) MsgTerm() Term { return h.Term }

// PermitInfo is the catch-up throttling state piggybacked on AppendEntries
// and its result.
type PermitInfo struct {
	Permit      bool
	Replicating PgrepRound
	Time        int64
}

// PgrepRound tags the stage of a catch-up exchange.
type PgrepRound uint16

// Catch-up exchange stages.
const (
	PgrepRoundNone PgrepRound = iota
	PgrepRoundHeartbeat
	PgrepRoundNormal
	PgrepRoundBegin
	PgrepRoundOngoing
	PgrepRoundError
)

// Replicating reports whether the round tag marks active catch-up traffic.
func (r PgrepRound) Replicating() bool {
	return r == PgrepRoundBegin || r == PgrepRoundOngoing
}

// AppendEntries is sent by the leader for replication and heartbeats.
type AppendEntries struct {
	header
	PrevLogIndex Index
	PrevLogTerm  Term
	Entries      []Entry
	LeaderCommit Index
	Permit       PermitInfo
}

// AppendEntriesResult is the follower's reply to AppendEntries.
type AppendEntriesResult struct {
	header
	// Rejected is the prev_log_index that failed the log matching check, or
	// zero on success.
	Rejected Index
	// LastLogIndex is the follower's last stored index after processing.
	LastLogIndex Index
	Permit       PermitInfo
}

// RequestVote solicits a vote (or pre-vote) from a peer.
type RequestVote struct {
	header
	Candidate     ID
	LastLogIndex  Index
	LastLogTerm   Term
	PreVote       bool
	DisruptLeader bool
}

// RequestVoteResult is the peer's reply to RequestVote.
type RequestVoteResult struct {
	header
	VoteGranted bool
	PreVote     bool
}

// InstallSnapshot ships a snapshot to a follower whose required entries have
// been compacted away.
type InstallSnapshot struct {
	header
	LastIndex          Index
	LastTerm           Term
	Configuration      Configuration
	ConfigurationIndex Index
	Data               []byte
}

// TimeoutNow instructs the transferee to start an election immediately.
type TimeoutNow struct {
	header
}
