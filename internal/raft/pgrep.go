package raft

// Partial-replication (pgrep) throttling. An external copy process fences
// catch-up traffic toward the standby follower identified by pgrepID: the
// leader takes a permit before a catch-up send or an apply round, the fenced
// follower keeps its snapshot boundary synchronized with the leader's
// window, and its reply is withheld until its apply loop drains so the
// leader never runs ahead of the copy process.

// enterPgreplicatingLocked reports whether replication toward slot i must go
// through the catch-up path.
func (r *Raft) enterPgreplicatingLocked(i int, pi PermitInfo) bool {
	server := &r.configuration.Servers[i]

	if pi.Permit {
		return true
	}
	if r.leader.progress[i].Pgreplicating {
		return true
	}
	if server.Role == RoleStandby && server.ID == r.pgrepID {
		r.leader.progress[i].Pgreplicating = true
		return true
	}
	return false
}

// sendPgrepTickLocked advances the catch-up exchange for slot i by one step:
// a section of applied entries under a permit, a plain heartbeat, or the
// closing promotion back to voter.
func (r *Raft) sendPgrepTickLocked(i int, pi PermitInfo) error {
	server := &r.configuration.Servers[i]
	p := &r.leader.progress[i]
	round := PgrepRoundOngoing
	sendSection := false

	if server.Role != RoleStandby || server.ID != r.pgrepID ||
		r.configurationUncommittedIndex != 0 {
		return r.sendPgrepHeartbeatLocked(i, pi)
	}

	status := r.io.PgrepTick(r.id, server.ID, r.currentTerm, &pi)
	switch status {
	case PgrepTickSuccess:
		p.PrevAppliedIndex = r.lastApplied
		round = PgrepRoundBegin
		sendSection = true
	case PgrepTickRunning:
		sendSection = true
	case PgrepTickFinished, PgrepTickAborted, PgrepTickDeleted:
		r.progressOptimisticNextIndex(i, p.PrevAppliedIndex+1)
		p.Pgreplicating = false
		p.PrevAppliedIndex = 0
		if status == PgrepTickFinished {
			if pi.Permit {
				r.io.PgrepUnpermit(&pi)
				pi.Permit = false
			}
			r.leader.promoteeID = 0
			r.assignRoleLocked(server.ID, RoleVoter)
			// Replicate right away so the follower does not fall behind and
			// start another catch-up.
			return r.replicationProgressLocked(i)
		}
		return r.sendPgrepHeartbeatLocked(i, pi)
	case PgrepTickFailed:
		return r.sendPgrepHeartbeatLocked(i, pi)
	}

	if !pi.Permit {
		r.io.PgrepPermit(&pi)
		if !pi.Permit {
			r.logger.Debug("catch-up permit not granted", "server_id", r.id, "peer", server.ID)
			return r.sendPgrepHeartbeatLocked(i, pi)
		}
	}

	pi.Replicating = round

	if sendSection {
		// Ship (prev_applied, last_applied].
		prevIndex := p.PrevAppliedIndex
		prevTerm := r.log.TermOf(prevIndex)
		return r.sendAppendEntriesLocked(i, prevIndex, prevTerm, pi)
	}
	return r.sendPgrepHeartbeatLocked(i, pi)
}

// sendPgrepHeartbeatLocked releases any held permit and sends an empty
// AppendEntries at the log tail.
func (r *Raft) sendPgrepHeartbeatLocked(i int, pi PermitInfo) error {
	if pi.Permit {
		r.io.PgrepUnpermit(&pi)
		pi.Permit = false
	}
	pi.Replicating = PgrepRoundHeartbeat
	return r.sendAppendEntriesLocked(i, r.log.LastIndex(), r.log.LastTerm(), pi)
}

// checkPgreplicatingLocked is the follower-side gate for an inbound
// catch-up AppendEntries: it discards stale windows, resynchronizes the
// snapshot boundary when the leader's window starts past our log, and
// recomputes which of the entries are new. For a normal AppendEntries it
// just resets the catch-up checkpoint.
//
// It returns the updated (have, n); async=false means the caller replies
// immediately with the current last_stored.
func (r *Raft) checkPgreplicatingLocked(args *AppendEntries, have, n int) (int, int, bool, error) {
	if !args.Permit.Replicating.Replicating() {
		r.io.PgrepResetCheckpoint()
		r.lastAppendTime = args.Permit.Time
		r.lastAppendTerm = r.currentTerm
		return have, n, true, nil
	}

	if args.Term > r.lastAppendTerm {
		r.lastAppendTime = 0
	}
	if args.Permit.Time <= r.lastAppendTime {
		r.logger.Warn("catch-up message out of date",
			"server_id", r.id,
			"time", args.Permit.Time,
			"last_append_time", r.lastAppendTime,
		)
		return have, n, false, ErrDiscard
	}
	r.lastAppendTime = args.Permit.Time
	r.lastAppendTerm = r.currentTerm

	if args.Permit.Replicating == PgrepRoundBegin {
		// The opening message only agrees on the index: drop everything past
		// the applied boundary and report it.
		truncIndex := max(r.lastApplied, r.lastApplying) + 1
		r.io.PgrepUpdateLeadTime(args.Permit.Time)

		if err := r.tryTruncateLocked(truncIndex); err != nil {
			return have, n, false, err
		}
		r.lastStored = truncIndex - 1
		r.commitIndex = truncIndex - 1
		return have, n, false, nil
	}

	if args.PrevLogIndex > r.lastStored {
		// We cannot catch the leader's window from our log; resynchronize
		// the snapshot boundary to the window start.
		if r.lastApplying != r.lastApplied {
			return have, n, false, ErrApplyBusy
		}
		if err := r.tryTruncateLocked(r.log.SnapshotIndex() + 1); err != nil {
			return have, n, false, err
		}
		if err := r.syncPgrepIndexLocked(args); err != nil {
			return have, n, false, err
		}
	}

	have = int(r.lastStored - args.PrevLogIndex)
	n = len(args.Entries) - have

	if args.PrevLogIndex+Index(len(args.Entries)) <= r.lastStored {
		// The window is entirely behind us.
		return have, 0, false, nil
	}
	return have, n, true, nil
}

// tryTruncateLocked rolls back any uncommitted configuration in the dropped
// range and truncates both the durable and the in-memory log.
func (r *Raft) tryTruncateLocked(index Index) error {
	if r.configurationUncommittedIndex >= index {
		r.membershipRollbackLocked()
	}
	if index > r.log.LastIndex() {
		return nil
	}
	if r.log.referenced(index) {
		return ErrLogBusy
	}
	if err := r.io.Truncate(index); err != nil {
		return err
	}
	return r.log.Truncate(index)
}

// syncPgrepIndexLocked adopts the leader's window start as the local
// snapshot boundary and re-snapshots the FSM there, so the catch-up restart
// has a consistent base.
func (r *Raft) syncPgrepIndexLocked(args *AppendEntries) error {
	prevSnapIndex := r.log.SnapshotIndex()
	prevSnapTerm := r.log.SnapshotTerm()
	prevConfIndex := r.configurationIndex

	r.log.Restore(args.PrevLogIndex, args.PrevLogTerm)
	r.configurationIndex = 0

	if err := r.pgrepTakeSnapshotLocked(); err != nil {
		r.log.Restore(prevSnapIndex, prevSnapTerm)
		r.configurationIndex = prevConfIndex
		return err
	}

	r.lastStored = args.PrevLogIndex
	r.commitIndex = args.PrevLogIndex
	r.lastApplied = args.PrevLogIndex
	r.lastApplying = args.PrevLogIndex
	r.io.PgrepResetCheckpoint()
	return nil
}

// pgrepTakeSnapshotLocked persists a snapshot at the current boundary.
func (r *Raft) pgrepTakeSnapshotLocked() error {
	data, err := r.fsm.Snapshot()
	if err != nil {
		return err
	}

	snapshot := &Snapshot{
		Index:              r.log.SnapshotIndex(),
		Term:               r.log.SnapshotTerm(),
		Configuration:      r.configuration.Copy(),
		ConfigurationIndex: r.configurationIndex,
		Data:               data,
	}
	r.snapshot.pending = snapshot

	r.io.SnapshotPut(0, snapshot, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.snapshot.pending = nil
		if err != nil {
			r.logger.Warn("boundary snapshot store failed", "server_id", r.id, "error", err)
		}
	})
	return nil
}
