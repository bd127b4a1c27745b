package raft

// replicationHeartbeatLocked triggers replication toward every peer that
// receives entries: voters, standbys, loggers, and a spare being promoted.
// Servers recently removed from the configuration are served on the side
// until the removal is committed and they have been told about it.
func (r *Raft) replicationHeartbeatLocked() {
	for i := range r.configuration.Servers {
		s := &r.configuration.Servers[i]
		if s.ID == r.id {
			continue
		}
		if r.configuration.IsSpare(s, s.Groups) && s.ID != r.leader.promoteeID {
			continue
		}
		if err := r.replicationProgressLocked(i); err != nil && err != ErrNoConnection {
			r.logger.Debug("replication to peer failed",
				"server_id", r.id,
				"peer", s.ID,
				"error", err,
			)
		}
	}
	r.replicationFarewellLocked()
}

// replicationFarewellLocked serves removed servers: entries while the
// removing change is uncommitted, then one heartbeat carrying the commit
// index, then nothing.
func (r *Raft) replicationFarewellLocked() {
	now := r.io.Time()
	kept := r.leader.farewell[:0]
	for i := range r.leader.farewell {
		fw := r.leader.farewell[i]
		if now-fw.lastSend < r.heartbeatTimeout {
			kept = append(kept, fw)
			continue
		}

		prevIndex := fw.nextIndex - 1
		var prevTerm Term
		if prevIndex > 0 {
			prevTerm = r.log.TermOf(prevIndex)
			if prevTerm == 0 {
				// The tail it needs is compacted away; give up on it.
				continue
			}
		}

		entries := r.log.Acquire(fw.nextIndex)
		msg := &AppendEntries{
			header:       header{From: r.id, To: fw.id, Term: r.currentTerm},
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: r.commitIndex,
		}
		acquired := entries
		r.io.Send(msg, func(error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.log.Release(acquired)
		})

		if r.configurationUncommittedIndex != 0 {
			// The removal is not committed yet; keep serving.
			fw.nextIndex += Index(len(entries))
			fw.lastSend = now
			kept = append(kept, fw)
		}
	}
	r.leader.farewell = kept
}

// replicationProgressLocked drives replication for the i'th configuration
// slot, choosing between a normal AppendEntries, the catch-up path, and a
// snapshot installation.
func (r *Raft) replicationProgressLocked(i int) error {
	var pi PermitInfo
	return r.replicationProgressPermitLocked(i, pi)
}

func (r *Raft) replicationProgressPermitLocked(i int, pi PermitInfo) error {
	server := &r.configuration.Servers[i]
	snapshotIndex := r.log.SnapshotIndex()
	nextIndex := r.leader.progress[i].NextIndex

	if !pi.Permit && !r.progressShouldReplicate(i) {
		return nil
	}

	if r.enterPgreplicatingLocked(i, pi) {
		return r.sendPgrepTickLocked(i, pi)
	}

	var prevIndex Index
	var prevTerm Term
	if nextIndex == 1 {
		// Sending from the very beginning: prev is null. If the first entry
		// has been compacted, fall back to a snapshot.
		if snapshotIndex > 0 {
			return r.replicationCatchUpLocked(i, server)
		}
	} else {
		prevIndex = nextIndex - 1
		prevTerm = r.log.TermOf(prevIndex)
		if prevTerm == 0 {
			// The entry is gone from our log.
			return r.replicationCatchUpLocked(i, server)
		}
	}

	pi.Permit = false
	pi.Replicating = PgrepRoundNormal
	return r.sendAppendEntriesLocked(i, prevIndex, prevTerm, pi)
}

// replicationCatchUpLocked handles a follower whose next entries have been
// compacted away. A server fenced by the external catch-up process is
// demoted to standby and left to that machinery; anyone else gets the latest
// snapshot installed.
func (r *Raft) replicationCatchUpLocked(i int, server *Server) error {
	if r.pgrepID != 0 && server.ID == r.pgrepID {
		r.logger.Info("demoting fenced follower to standby",
			"server_id", r.id,
			"peer", server.ID,
		)
		r.assignRoleLocked(server.ID, RoleStandby)
		return nil
	}
	return r.sendSnapshotLocked(i)
}

// sendAppendEntriesLocked ships entries [prevIndex+1, last] to the i'th
// server. In the catch-up rounds only the section up to last_applied is
// shipped so the external copy process stays ahead of the log.
func (r *Raft) sendAppendEntriesLocked(i int, prevIndex Index, prevTerm Term, pi PermitInfo) error {
	server := &r.configuration.Servers[i]
	nextIndex := prevIndex + 1

	var entries []Entry
	if pi.Permit {
		if pi.Replicating == PgrepRoundBegin {
			// The opening message of a round carries no entries; it only
			// agrees on the index.
			entries = nil
		} else {
			entries = r.log.AcquireSection(nextIndex, r.lastApplied)
		}
		// Revalidate the permit right before dispatch.
		r.io.PgrepPermit(&pi)
		if !pi.Permit {
			r.log.Release(entries)
			return ErrBusy
		}
	} else {
		entries = r.log.Acquire(nextIndex)
		r.ioTick++
		pi.Time = r.ioTick
	}

	msg := &AppendEntries{
		header:       header{From: r.id, To: server.ID, Term: r.currentTerm},
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
		Permit:       pi,
	}

	peer := server.ID
	acquired := entries
	optimisticNext := nextIndex + Index(len(entries))

	r.io.Send(msg, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.state == Leader {
			if j := r.configuration.IndexOf(peer); j < len(r.configuration.Servers) && err != nil {
				r.logger.Debug("append entries dispatch failed",
					"server_id", r.id,
					"peer", peer,
					"error", err,
				)
				r.progressToProbe(j)
			}
		}
		r.log.Release(acquired)
	})

	if r.leader.progress[i].State == ProgressPipeline {
		r.progressOptimisticNextIndex(i, optimisticNext)
	}
	r.progressUpdateLastSend(i)
	r.metrics.IncAppendEntriesSent(r.id, peer, len(entries))
	return nil
}

// sendSnapshotLocked moves the i'th server to the snapshot progress state
// and ships the latest stored snapshot.
func (r *Raft) sendSnapshotLocked(i int) error {
	server := &r.configuration.Servers[i]
	peer := server.ID

	r.progressToSnapshot(i)

	r.io.SnapshotGet(func(snap *Snapshot, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if err != nil || snap == nil {
			r.logger.Warn("snapshot fetch for installation failed",
				"server_id", r.id,
				"peer", peer,
				"error", err,
			)
			r.abortSnapshotSendLocked(peer)
			return
		}
		if r.state != Leader {
			return
		}
		j := r.configuration.IndexOf(peer)
		if j == len(r.configuration.Servers) {
			// The server was removed in the meantime.
			return
		}
		if r.leader.progress[j].State != ProgressSnapshot {
			return
		}

		var data []byte
		if len(snap.Data) > 0 {
			data = snap.Data[0]
		}
		msg := &InstallSnapshot{
			header:             header{From: r.id, To: peer, Term: r.currentTerm},
			LastIndex:          snap.Index,
			LastTerm:           snap.Term,
			Configuration:      snap.Configuration.Copy(),
			ConfigurationIndex: snap.ConfigurationIndex,
			Data:               data,
		}
		r.io.Send(msg, func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if err != nil {
				r.abortSnapshotSendLocked(peer)
			}
		})
		r.metrics.IncSnapshotInstallSent(r.id, peer)
		if k := r.configuration.IndexOf(peer); k < len(r.configuration.Servers) {
			r.progressUpdateSnapshotLastSend(k)
		}
	})

	r.progressUpdateLastSend(i)
	return nil
}

func (r *Raft) abortSnapshotSendLocked(peer ID) {
	if r.state != Leader {
		return
	}
	if j := r.configuration.IndexOf(peer); j < len(r.configuration.Servers) &&
		r.leader.progress[j].State == ProgressSnapshot {
		r.progressAbortSnapshot(j)
	}
}

// replicationTriggerLocked persists newly appended entries locally and fans
// replication out to all followers.
func (r *Raft) replicationTriggerLocked(index Index) error {
	if err := r.appendLeaderLocked(index); err != nil {
		return err
	}
	r.replicationHeartbeatLocked()
	return nil
}

// appendLeaderLocked submits a durable write for all entries from index
// onward. The acquired range stays pinned until the write completes.
func (r *Raft) appendLeaderLocked(index Index) error {
	entries := r.log.Acquire(index)
	if len(entries) == 0 {
		return ErrNotFound
	}

	first := index
	r.io.Append(entries, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.appendLeaderDone(first, entries, err)
	})
	return nil
}

func (r *Raft) appendLeaderDone(first Index, entries []Entry, err error) {
	defer func() {
		r.log.Release(entries)
		if err != nil {
			_ = r.log.Discard(first)
		}
	}()

	if err != nil {
		// The write failed while we were the leader that created these
		// entries: roll the log back and fail the waiting requests.
		r.logger.Error("leader log write failed", "server_id", r.id, "error", err)
		if req := r.leader.reg.dequeue(first, EntryCommand); req != nil {
			r.leader.reg.fire(req, err)
		}
		r.leader.reg.truncate(first)
		return
	}

	r.updateLastStoredLocked(first, entries)

	if r.state != Leader {
		return
	}

	// Track our own match, unless we were asked to remove ourselves: a
	// leader committing its own removal replicates without counting itself.
	if i := r.configuration.IndexOf(r.id); i < len(r.configuration.Servers) {
		r.leader.progress[i].MatchIndex = r.lastStored
	}

	r.replicationQuorumLocked(r.lastStored)
	if err := r.replicationApplyLocked(); err != nil {
		r.logger.Warn("apply after local store failed", "server_id", r.id, "error", err)
	}
}

// updateLastStoredLocked advances last_stored over the prefix of the written
// entries that is still present in the in-memory log (a concurrent
// truncation may have discarded a suffix).
func (r *Raft) updateLastStoredLocked(first Index, entries []Entry) int {
	i := 0
	for ; i < len(entries); i++ {
		index := first + Index(i)
		localTerm := r.log.TermOf(index)
		if localTerm == 0 || localTerm != entries[i].Term {
			break
		}
	}
	r.lastStored = max(first+Index(i)-1, r.lastStored)
	return i
}

// recvAppendEntriesResult handles a follower's reply on the leader.
func (r *Raft) recvAppendEntriesResult(result *AppendEntriesResult) {
	if result.Term < r.currentTerm {
		return
	}
	if r.state != Leader {
		return
	}
	i := r.configuration.IndexOf(result.From)
	if i == len(r.configuration.Servers) {
		return
	}
	r.replicationUpdateLocked(result.From, result)
}

// replicationUpdateLocked folds a reply into the follower's progress,
// advances commit, and keeps pipeline followers fed.
func (r *Raft) replicationUpdateLocked(id ID, result *AppendEntriesResult) {
	i := r.configuration.IndexOf(id)
	r.progressMarkRecentRecv(i)

	if result.Rejected > 0 {
		r.metrics.IncAppendEntriesReject(r.id, id)
		if r.progressMaybeDecrement(i, result.Rejected, result.LastLogIndex) {
			_ = r.replicationProgressLocked(i)
		}
		return
	}

	lastIndex := min(result.LastLogIndex, r.log.LastIndex())

	updated := r.progressMaybeUpdate(i, lastIndex)

	switch r.leader.progress[i].State {
	case ProgressSnapshot:
		if r.progressSnapshotDone(i) {
			r.progressToProbe(i)
		}
	case ProgressProbe:
		r.progressToPipeline(i)
	}

	if !updated {
		return
	}

	r.replicationQuorumLocked(r.lastStored)

	if !result.Permit.Permit {
		// Best-effort: a failed apply here is retried by the next event.
		if err := r.replicationApplyLocked(); err != nil {
			r.logger.Warn("apply after quorum failed", "server_id", r.id, "error", err)
		}
	}

	// The apply step may have committed our own removal.
	if r.state != Leader {
		return
	}

	r.membershipPromoteeProgressLocked(id)

	i = r.configuration.IndexOf(id)
	if i == len(r.configuration.Servers) {
		return
	}

	if r.transfer != nil && r.transfer.id == id &&
		r.progressIsUpToDate(i) && !r.transfer.sent {
		if err := r.membershipLeadershipTransferStartLocked(); err != nil {
			r.membershipLeadershipTransferCloseLocked(err)
		}
	}

	if r.leader.progress[i].State == ProgressPipeline {
		_ = r.replicationProgressLocked(i)
	}
}

// replicationQuorumLocked advances commit_index to index if a strict
// majority of the voters in every active group has stored it, and the entry
// was created in the current term.
func (r *Raft) replicationQuorumLocked(index Index) {
	if index <= r.commitIndex {
		return
	}

	term := r.log.TermOf(index)
	if term == 0 {
		return
	}
	// Entries from earlier terms commit transitively once a current-term
	// entry reaches quorum.
	if term != r.currentTerm {
		return
	}

	groups := []Group{GroupOld}
	if r.configuration.Phase == PhaseJoint {
		groups = []Group{GroupOld, GroupNew}
	}
	for _, g := range groups {
		voters := 0
		votes := 0
		for i := range r.configuration.Servers {
			s := &r.configuration.Servers[i]
			if !r.configuration.IsVoter(s, g) {
				continue
			}
			voters++
			if r.leader.progress[i].MatchIndex >= index {
				votes++
			}
		}
		if voters == 0 || votes <= voters/2 {
			return
		}
	}

	r.commitIndex = min(index, r.lastStored)
	r.metrics.SetCommitIndex(r.id, r.commitIndex)
	r.logger.Debug("commit index advanced",
		"server_id", r.id,
		"commit_index", r.commitIndex,
		"term", r.currentTerm,
	)
}

// recvAppendEntries handles the follower side of replication.
func (r *Raft) recvAppendEntries(args *AppendEntries) {
	if args.Term < r.currentTerm {
		r.sendAppendEntriesResultLocked(&AppendEntriesResult{
			header:       header{From: r.id, To: args.From, Term: r.currentTerm},
			Rejected:     args.PrevLogIndex,
			LastLogIndex: r.lastStored,
			Permit:       args.Permit,
		}, args)
		return
	}

	if r.state == Candidate {
		// A leader exists for our term.
		r.convertToFollowerLocked()
	}
	if r.state != Follower {
		return
	}

	r.resetElectionTimerLocked()
	r.follower.currentLeader = args.From

	rejected, async, err := r.replicationAppendLocked(args)
	if err == ErrShutdown {
		r.convertToUnavailableLocked()
		return
	}
	if err != nil {
		// Transient refusals (busy log, busy apply, stale catch-up window)
		// are dropped without a reply; the leader retries.
		if err != ErrDiscard {
			r.logger.Debug("append entries dropped",
				"server_id", r.id,
				"from", args.From,
				"error", err,
			)
		}
		return
	}
	if async {
		// The reply is sent from the append or apply completion.
		return
	}

	r.sendAppendEntriesResultLocked(&AppendEntriesResult{
		header:       header{From: r.id, To: args.From, Term: r.currentTerm},
		Rejected:     rejected,
		LastLogIndex: r.lastStored,
		Permit:       args.Permit,
	}, args)
}

func (r *Raft) sendAppendEntriesResultLocked(result *AppendEntriesResult, args *AppendEntries) {
	if args != nil && args.Permit.Replicating.Replicating() {
		// During catch-up the definitive reply comes from the apply path.
		result.Permit.Replicating = PgrepRoundError
	}
	r.io.Send(result, nil)
}

// checkLogMatchingLocked verifies the log matching property against an
// inbound AppendEntries. It returns (reject, fatal).
func (r *Raft) checkLogMatchingLocked(args *AppendEntries) (bool, bool) {
	if args.PrevLogIndex == 0 {
		return false, false
	}
	localPrevTerm := r.log.TermOf(args.PrevLogIndex)
	if localPrevTerm == 0 {
		return true, false
	}
	if localPrevTerm != args.PrevLogTerm {
		if args.PrevLogIndex <= r.commitIndex {
			// Conflicting terms at or below the commit index mean local
			// state corruption.
			r.logger.Error("conflicting terms below commit index",
				"server_id", r.id,
				"index", args.PrevLogIndex,
				"local_term", localPrevTerm,
				"leader_term", args.PrevLogTerm,
				"commit_index", r.commitIndex,
			)
			return true, true
		}
		return true, false
	}
	return false, false
}

// deleteConflictingEntriesLocked walks the incoming entries and truncates
// our log at the first term conflict. It returns the count of leading
// entries we already have.
func (r *Raft) deleteConflictingEntriesLocked(args *AppendEntries) (int, error) {
	for j := range args.Entries {
		entryIndex := args.PrevLogIndex + 1 + Index(j)
		localTerm := r.log.TermOf(entryIndex)

		if localTerm == 0 {
			return j, nil
		}
		if localTerm == args.Entries[j].Term {
			continue
		}
		if entryIndex <= r.commitIndex {
			return j, ErrShutdown
		}

		// Roll back any uncommitted configuration inside the truncated
		// range before dropping the entries.
		if r.configurationUncommittedIndex >= entryIndex {
			r.membershipRollbackLocked()
		}
		if err := r.io.Truncate(entryIndex); err != nil {
			return j, err
		}
		if err := r.log.Truncate(entryIndex); err != nil {
			return j, err
		}
		if r.lastStored >= entryIndex {
			r.lastStored = entryIndex - 1
		}
		return j, nil
	}
	return len(args.Entries), nil
}

// replicationAppendLocked implements the §4.6 receiver flow. When async is
// true the reply is deferred to the durable-append completion (or, during
// catch-up, to the apply completion).
func (r *Raft) replicationAppendLocked(args *AppendEntries) (rejected Index, async bool, err error) {
	rejected = args.PrevLogIndex

	if !args.Permit.Replicating.Replicating() {
		reject, fatal := r.checkLogMatchingLocked(args)
		if fatal {
			return rejected, false, ErrShutdown
		}
		if reject {
			return rejected, false, nil
		}
	}

	var have int
	if !args.Permit.Replicating.Replicating() {
		have, err = r.deleteConflictingEntriesLocked(args)
		if err != nil {
			return rejected, false, err
		}
	}

	rejected = 0
	n := len(args.Entries) - have

	if !args.Permit.Replicating.Replicating() && n == 0 {
		// Nothing to write; possibly advance commit.
		if args.LeaderCommit > r.commitIndex || args.LeaderCommit > r.lastApplying {
			r.commitIndex = min(args.LeaderCommit, r.lastStored)
			if err := r.replicationApplyLocked(); err != nil {
				return rejected, false, err
			}
		}
		return rejected, false, nil
	}

	have, n, async, err = r.checkPgreplicatingLocked(args, have, n)
	if err != nil || !async {
		return rejected, async, err
	}

	// Copy the payloads to decouple from the transport batch, then append
	// the new suffix to the in-memory log.
	first := args.PrevLogIndex + 1 + Index(have)
	for j := 0; j < n; j++ {
		e := &args.Entries[have+j]
		r.log.Append(e.Term, e.Type, append([]byte(nil), e.Data...))
	}

	entries := r.log.AcquireSection(first, first+Index(n)-1)
	if len(entries) != n {
		r.log.Release(entries)
		_ = r.log.Discard(first)
		return rejected, false, ErrShutdown
	}

	req := &appendFollowerRequest{index: first, args: args, entries: entries}
	r.io.Append(entries, func(ioErr error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.appendFollowerDone(req, ioErr)
	})
	return rejected, true, nil
}

// appendFollowerRequest is the context of a follower-side durable append.
type appendFollowerRequest struct {
	index   Index
	args    *AppendEntries
	entries []Entry
}

func (r *Raft) appendFollowerDone(req *appendFollowerRequest, ioErr error) {
	args := req.args
	release := true
	defer func() {
		if release {
			r.log.Release(req.entries)
		}
	}()

	if r.state == Unavailable {
		return
	}

	result := &AppendEntriesResult{
		header: header{From: r.id, To: args.From, Term: r.currentTerm},
		Permit: args.Permit,
	}

	if ioErr != nil {
		if r.state != Follower {
			return
		}
		result.Rejected = args.PrevLogIndex + 1
		result.LastLogIndex = r.lastStored
		r.sendAppendEntriesResultLocked(result, args)
		return
	}

	stored := r.updateLastStoredLocked(req.index, req.entries)
	if stored == 0 || r.state != Follower {
		return
	}

	// Surface configuration changes among the stored entries as uncommitted.
	for j := 0; j < stored; j++ {
		e := &req.entries[j]
		if e.Type != EntryChange {
			continue
		}
		if err := r.membershipUncommittedChangeLocked(req.index+Index(j), e); err != nil {
			return
		}
	}

	if args.LeaderCommit > r.commitIndex {
		r.commitIndex = min(args.LeaderCommit, r.lastStored)
		if args.Permit.Replicating.Replicating() {
			// Defer the reply until the apply loop has drained; the leader
			// uses it to pace the next catch-up window.
			if r.replicationApplyDeferredLocked(req) == nil {
				release = false
				return
			}
		} else if err := r.replicationApplyLocked(); err != nil {
			return
		}
	}

	if r.state != Follower {
		return
	}
	result.Rejected = 0
	result.LastLogIndex = r.lastStored
	r.sendAppendEntriesResultLocked(result, args)
}

// replicationApplyLocked runs the apply loop without a held permit.
func (r *Raft) replicationApplyLocked() error {
	var pi PermitInfo
	return r.replicationApplyInnerLocked(nil, pi)
}

// replicationApplyPermitLocked runs the apply loop with an already granted
// permit.
func (r *Raft) replicationApplyPermitLocked(pi PermitInfo) error {
	return r.replicationApplyInnerLocked(nil, pi)
}

// replicationApplyDeferredLocked runs the apply loop on behalf of a pending
// catch-up append whose reply is suppressed until apply finishes.
func (r *Raft) replicationApplyDeferredLocked(req *appendFollowerRequest) error {
	var pi PermitInfo
	return r.replicationApplyInnerLocked(req, pi)
}
