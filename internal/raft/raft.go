// Package raft implements the replicated-log consensus core: leader election
// with pre-vote, log replication with quorum commit, membership change via
// joint consensus, snapshot coordination, and the catch-up throttling hook
// that fences partial replication traffic.
//
// Durable storage, transport, and the applied state machine are supplied by
// the host through the IO and FSM interfaces; the core is an event-driven
// state machine fed by ticks, received messages, IO completions, and client
// requests. All inputs funnel through one mutex, so completions re-enter the
// core serialized, never concurrently.
package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// Default timing and compaction parameters, in milliseconds where relevant.
const (
	defaultElectionTimeout        = 1000
	defaultHeartbeatTimeout       = 100
	defaultInstallSnapshotTimeout = 30000
	defaultSnapshotThreshold      = 1024
	defaultSnapshotTrailing       = 128
	defaultTickInterval           = 10 * time.Millisecond
)

// Options tunes a Raft instance. The zero value selects defaults.
type Options struct {
	// ElectionTimeout is the base election timeout in milliseconds; each
	// cycle adds random jitter in [0, ElectionTimeout).
	ElectionTimeout int64
	// HeartbeatTimeout is the leader heartbeat interval in milliseconds.
	HeartbeatTimeout int64
	// InstallSnapshotTimeout bounds a snapshot installation in milliseconds.
	InstallSnapshotTimeout int64
	// SnapshotThreshold is the number of applied entries past the last
	// snapshot that triggers a new one.
	SnapshotThreshold uint64
	// SnapshotTrailing is the number of entries retained behind a snapshot
	// for follower catch-up.
	SnapshotTrailing uint64
	// InflightLogThreshold bounds the optimistic pipeline window; zero means
	// unbounded.
	InflightLogThreshold uint64
	// PreVote enables the non-disruptive pre-vote phase before elections.
	PreVote bool
	// NoOpOnPromotion appends a barrier entry upon winning an election; its
	// commit marks the leader readable.
	NoOpOnPromotion bool
	// TickInterval is the wall-clock period of the Run loop's ticker.
	TickInterval time.Duration

	Tracer  oteltrace.Tracer
	Metrics Metrics

	// Seed fixes the election jitter source; zero seeds from the clock.
	Seed int64
}

// farewellPeer is a server dropped from the active configuration that still
// needs to observe the change that removed it: it keeps receiving entries
// and, once the change commits, one last heartbeat carrying the commit
// index.
type farewellPeer struct {
	id        ID
	nextIndex Index
	lastSend  int64
}

type leaderState struct {
	progress []Progress
	reg      requestRegistry
	farewell []farewellPeer

	change *changeRequest

	promoteeID   ID
	promoteeRole Role
	removeID     ID
	roundNumber  uint64
	roundIndex   Index
	roundStart   int64

	readable           bool
	removedFromCluster bool

	minMatchIndex    Index
	slowestReplicaID ID
}

type followerState struct {
	currentLeader ID
}

type candidateState struct {
	inPreVote bool
	granted   map[ID]bool
}

type transferRequest struct {
	id    ID
	start int64
	sent  bool
	cb    func(error)
}

type snapshotState struct {
	pending  *Snapshot
	putting  bool
	trailing uint64
}

// Raft is a single consensus instance.
type Raft struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	id  ID
	io  IO
	fsm FSM

	state       State
	currentTerm Term
	votedFor    ID

	log *Log

	configuration                 Configuration
	configurationCommitted        Configuration
	configurationIndex            Index
	configurationUncommittedIndex Index

	commitIndex  Index
	lastApplied  Index
	lastApplying Index
	lastStored   Index

	leader    leaderState
	follower  followerState
	candidate candidateState
	transfer  *transferRequest
	snapshot  snapshotState

	// ioBusy is set while a metadata write is in flight; inbound messages
	// are dropped until the write completes.
	ioBusy  bool
	removed bool

	// disruptLeader marks the next RequestVote round as leadership-transfer
	// triggered, overriding the live-leader suppression on receivers.
	disruptLeader bool

	// pgrepID is the server currently fenced by the external catch-up
	// process, or zero.
	pgrepID        ID
	lastAppendTime int64
	lastAppendTerm Term

	// ioTick stamps outgoing AppendEntries so followers can discard
	// out-of-order catch-up windows.
	ioTick int64

	electionTimeout        int64
	heartbeatTimeout       int64
	installSnapshotTimeout int64
	snapshotThreshold      uint64
	inflightLogThreshold   uint64
	preVote                bool
	noOpOnPromotion        bool
	tickInterval           time.Duration

	electionTimerStart        int64
	randomizedElectionTimeout int64
	rand                      *rand.Rand

	// onRoleChange, when set, fires after an assignment or promotion of a
	// server's role has been committed.
	onRoleChange func(Server)

	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
}

// New creates a Raft instance in the follower state with an empty
// configuration. Call Bootstrap (new cluster) or Restore (recovered state)
// before Run.
func New(id ID, io IO, fsm FSM, logger Logger, opts Options) (*Raft, error) {
	if id == 0 {
		return nil, ErrBadID
	}
	if io == nil {
		return nil, ErrNilIO
	}
	if fsm == nil {
		return nil, ErrNilFSM
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	if opts.ElectionTimeout == 0 {
		opts.ElectionTimeout = defaultElectionTimeout
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.InstallSnapshotTimeout == 0 {
		opts.InstallSnapshotTimeout = defaultInstallSnapshotTimeout
	}
	if opts.SnapshotThreshold == 0 {
		opts.SnapshotThreshold = defaultSnapshotThreshold
	}
	if opts.SnapshotTrailing == 0 {
		opts.SnapshotTrailing = defaultSnapshotTrailing
	}
	if opts.TickInterval == 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Tracer == nil {
		opts.Tracer = noopTracer()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	r := &Raft{
		id:                     id,
		io:                     io,
		fsm:                    fsm,
		state:                  Follower,
		log:                    NewLog(),
		electionTimeout:        opts.ElectionTimeout,
		heartbeatTimeout:       opts.HeartbeatTimeout,
		installSnapshotTimeout: opts.InstallSnapshotTimeout,
		snapshotThreshold:      opts.SnapshotThreshold,
		inflightLogThreshold:   opts.InflightLogThreshold,
		preVote:                opts.PreVote,
		noOpOnPromotion:        opts.NoOpOnPromotion,
		tickInterval:           opts.TickInterval,
		rand:                   rand.New(rand.NewSource(opts.Seed)),
		logger:                 logger,
		tracer:                 opts.Tracer,
		metrics:                opts.Metrics,
	}
	r.snapshot.trailing = opts.SnapshotTrailing
	r.leader.reg.init()
	r.resetElectionTimerLocked()

	return r, nil
}

// Bootstrap installs the initial configuration of a brand-new cluster.
func (r *Raft) Bootstrap(c Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.configuration.Servers) != 0 {
		return ErrBusy
	}
	seen := map[ID]bool{}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.ID == 0 {
			return ErrBadID
		}
		if seen[s.ID] {
			return ErrDuplicateID
		}
		if !validRole(s.Role) || !validRole(s.RoleNew) {
			return ErrBadRole
		}
		seen[s.ID] = true
	}
	r.configuration = c.Copy()
	r.configurationCommitted = c.Copy()
	r.configurationIndex = 0
	return nil
}

// Restore adopts recovered state handed back by the host's IO provider:
// metadata, snapshot, and the entries stored past the snapshot.
func (r *Raft) Restore(term Term, votedFor ID, snap *Snapshot, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentTerm = term
	r.votedFor = votedFor

	if snap != nil {
		r.log.Restore(snap.Index, snap.Term)
		r.configuration = snap.Configuration.Copy()
		r.configurationCommitted = snap.Configuration.Copy()
		r.configurationIndex = snap.ConfigurationIndex
		r.commitIndex = snap.Index
		r.lastApplied = snap.Index
		r.lastApplying = snap.Index
		if err := r.fsm.Restore(snap.Data); err != nil {
			return err
		}
	}

	for i := range entries {
		e := &entries[i]
		r.log.Append(e.Term, e.Type, e.Data)
		index := r.log.LastIndex()
		if e.Type == EntryChange {
			c, err := DecodeConfiguration(e.Data)
			if err != nil {
				return err
			}
			r.configuration = c
			r.configurationIndex = index
		}
	}
	r.lastStored = r.log.LastIndex()

	return nil
}

// Run starts the tick loop and returns immediately.
func (r *Raft) Run(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick()
			}
		}
	}()
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Raft) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Tick advances the instance's timers: election timeout on followers and
// candidates, heartbeats and membership bookkeeping on leaders.
func (r *Raft) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked()
}

func (r *Raft) tickLocked() {
	now := r.io.Time()

	switch r.state {
	case Unavailable:
		return

	case Follower, Candidate:
		if r.transfer != nil && now-r.transfer.start >= r.electionTimeout {
			r.membershipLeadershipTransferCloseLocked(ErrNoConnection)
		}
		if r.ioBusy {
			return
		}
		if now-r.electionTimerStart < r.randomizedElectionTimeout {
			return
		}
		// Only configured voters disturb the cluster.
		if r.state == Follower {
			s := r.configuration.Get(r.id)
			if s == nil || !r.configuration.IsVoter(s, GroupAny) {
				r.resetElectionTimerLocked()
				return
			}
		}
		r.logger.Debug("election timeout elapsed",
			"server_id", r.id,
			"term", r.currentTerm,
			"state", r.state.String(),
		)
		r.convertToCandidateLocked()

	case Leader:
		r.membershipTickLocked(now)
		r.replicationHeartbeatLocked()
		r.progressUpdateMinMatch()
	}
}

func (r *Raft) resetElectionTimerLocked() {
	r.electionTimerStart = r.io.Time()
	r.randomizedElectionTimeout = r.electionTimeout + r.rand.Int63n(r.electionTimeout)
}

// convertToFollowerLocked steps down, flushing leader-only state. Pending
// client callbacks fire with ErrNotLeader.
func (r *Raft) convertToFollowerLocked() {
	prev := r.state
	r.state = Follower
	r.follower.currentLeader = 0

	if prev == Leader {
		r.metrics.SetIsLeader(r.id, false)
		r.leader.progress = nil
		r.leader.farewell = nil
		r.leader.reg.flush(ErrNotLeader)
		if change := r.leader.change; change != nil {
			r.leader.change = nil
			if change.cb != nil {
				change.cb(ErrNotLeader)
			}
		}
		r.leader.promoteeID = 0
		r.leader.removeID = 0
		r.leader.readable = false
		r.leader.removedFromCluster = false
		// A pending transfer stays open: stepping down to the transferee is
		// how it succeeds. The recv path closes it.
	}
	if prev == Candidate {
		r.candidate.granted = nil
	}

	r.resetElectionTimerLocked()
	r.logger.Debug("converted to follower", "server_id", r.id, "term", r.currentTerm)
}

// convertToUnavailableLocked is the terminal transition taken on state
// corruption or unrecoverable IO failure. All further inputs are dropped.
func (r *Raft) convertToUnavailableLocked() {
	if r.state == Leader {
		r.leader.progress = nil
		r.leader.reg.flush(ErrShutdown)
		r.metrics.SetIsLeader(r.id, false)
	}
	r.state = Unavailable
	r.logger.Error("instance unavailable", "server_id", r.id, "term", r.currentTerm)
}

func (r *Raft) convertToLeaderLocked() {
	r.state = Leader
	r.follower.currentLeader = r.id
	r.candidate.granted = nil

	r.progressBuildArray()
	r.leader.reg.init()
	r.leader.farewell = nil
	r.leader.change = nil
	r.leader.promoteeID = 0
	r.leader.removeID = 0
	r.leader.readable = false
	r.leader.removedFromCluster = false

	r.metrics.SetIsLeader(r.id, true)
	r.metrics.IncElectionWon(r.id)
	r.logger.Info("converted to leader", "server_id", r.id, "term", r.currentTerm)

	if r.noOpOnPromotion {
		// Committing a barrier from the new term establishes readability.
		if err := r.barrierLocked(func(err error) {
			if err == nil {
				r.leader.readable = true
			}
		}); err == nil {
			return
		}
	}
	r.replicationHeartbeatLocked()
}

// LeaderID returns the id of the current leader as known locally, or zero.
func (r *Raft) LeaderID() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Leader:
		if r.transfer != nil {
			return 0
		}
		return r.id
	case Follower:
		return r.follower.currentLeader
	}
	return 0
}

// State returns the current instance state.
func (r *Raft) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Term returns the current term.
func (r *Raft) Term() Term {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// LastIndex returns the index of the last log entry.
func (r *Raft) LastIndex() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.LastIndex()
}

// LastApplied returns the index of the last entry applied to the FSM.
func (r *Raft) LastApplied() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

// LastApplying returns the index of the last entry handed to the FSM.
func (r *Raft) LastApplying() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplying
}

// CommitIndex returns the highest committed index.
func (r *Raft) CommitIndex() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// Removed reports whether this server has been removed from the cluster by a
// committed configuration change.
func (r *Raft) Removed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// OnRoleChange registers a hook fired when a role assignment or promotion
// completes. Must be called before Run.
func (r *Raft) OnRoleChange(fn func(Server)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRoleChange = fn
}

// SetPgrepTarget marks the server currently fenced by the external catch-up
// process; zero clears it.
func (r *Raft) SetPgrepTarget(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pgrepID = id
}
