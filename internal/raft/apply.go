package raft

import "time"

// applyBatchMax bounds one apply round while the external catch-up process
// is active, so control returns to other events between chunks.
const applyBatchMax = 8

// applyBatch tracks completion of one apply round.
type applyBatch struct {
	expect  int
	applied int
}

// replicationApplyInnerLocked drains committed entries into the FSM. On the
// leader the apply loop runs under a catch-up permit; on a follower serving
// a catch-up append (req != nil) the AppendEntries reply is deferred until
// the whole batch has been applied.
func (r *Raft) replicationApplyInnerLocked(req *appendFollowerRequest, pi PermitInfo) error {
	if r.state != Leader && r.state != Follower {
		return nil
	}

	if r.state == Leader && !pi.Permit {
		r.io.PgrepPermit(&pi)
		if !pi.Permit {
			r.applyAbortLocked(req)
			return nil
		}
	}

	if r.lastApplying == r.commitIndex || r.lastApplied == r.commitIndex {
		if pi.Permit {
			r.io.PgrepUnpermit(&pi)
		}
		r.applyAbortLocked(req)
		return nil
	}

	toCommit := r.commitIndex
	if r.pgrepID != 0 {
		toCommit = min(r.commitIndex, r.lastApplying+applyBatchMax)
	}

	batch := &applyBatch{expect: int(toCommit - r.lastApplying)}

	for index := r.lastApplying + 1; index <= toCommit; index++ {
		entry := r.log.Get(index)
		if entry == nil {
			r.applyReleasePermitLocked(&pi)
			r.applyAbortLocked(req)
			return ErrNotFound
		}

		var err error
		switch entry.Type {
		case EntryCommand:
			err = r.applyCommandLocked(index, entry.Data, pi, batch, req)
		case EntryBarrier:
			if r.lastApplying > r.lastApplied {
				// A command is still applying; the barrier waits for it.
				r.applyReleasePermitLocked(&pi)
				r.applyAbortLocked(req)
				return nil
			}
			r.applyBarrierLocked(index)
			r.lastApplied = max(index, r.lastApplied)
			batch.applied++
			r.applyBatchCheckLocked(batch, pi, req)
		case EntryChange:
			if r.lastApplying > r.lastApplied {
				r.applyReleasePermitLocked(&pi)
				r.applyAbortLocked(req)
				return nil
			}
			r.applyChangeLocked(index)
			r.lastApplied = max(index, r.lastApplied)
			batch.applied++
			r.applyBatchCheckLocked(batch, pi, req)
		}
		if err != nil {
			return err
		}

		r.lastApplying = index
	}

	if r.lastApplying == r.lastApplied && r.shouldTakeSnapshotLocked() {
		return r.takeSnapshotLocked()
	}
	return nil
}

// applyReleasePermitLocked returns a held permit when an apply round stops
// early.
func (r *Raft) applyReleasePermitLocked(pi *PermitInfo) {
	if pi.Permit {
		r.io.PgrepUnpermit(pi)
	}
}

// applyAbortLocked releases the deferred catch-up append, if any, without
// replying. The leader retries the window.
func (r *Raft) applyAbortLocked(req *appendFollowerRequest) {
	if req == nil {
		return
	}
	r.log.Release(req.entries)
}

// applyBatchCheckLocked runs the post-batch step once every entry of the
// round has completed.
func (r *Raft) applyBatchCheckLocked(batch *applyBatch, pi PermitInfo, req *appendFollowerRequest) {
	if batch.applied != batch.expect {
		return
	}
	if pi.Permit {
		r.applyLeaderDoneLocked(pi)
	} else {
		r.applyFollowerDoneLocked(req)
	}

	if r.lastApplying == r.lastApplied && r.shouldTakeSnapshotLocked() {
		if err := r.takeSnapshotLocked(); err != nil {
			r.logger.Warn("snapshot attempt failed", "server_id", r.id, "error", err)
		}
	}
}

// applyLeaderDoneLocked runs on the leader after a batch finished, still
// holding the permit. If the fenced follower trails last_applied, a catch-up
// send goes out under the same permit; otherwise the permit is released and
// the loop continues with any remaining commits.
func (r *Raft) applyLeaderDoneLocked(pi PermitInfo) {
	i := r.configuration.IndexOf(r.pgrepID)

	if r.state != Leader || r.pgrepID == 0 || i == len(r.configuration.Servers) ||
		r.leader.progress[i].PrevAppliedIndex == r.lastApplied {
		r.io.PgrepUnpermit(&pi)
		_ = r.replicationApplyLocked()
		return
	}

	_ = r.replicationProgressPermitLocked(i, pi)
}

// applyFollowerDoneLocked sends the reply that was deferred until the
// catch-up batch finished applying.
func (r *Raft) applyFollowerDoneLocked(req *appendFollowerRequest) {
	if req == nil {
		return
	}
	args := req.args
	result := &AppendEntriesResult{
		header:       header{From: r.id, To: args.From, Term: r.currentTerm},
		Rejected:     0,
		LastLogIndex: r.lastApplied,
		Permit:       args.Permit,
	}
	r.io.Send(result, nil)
	r.log.Release(req.entries)
}

// applyCommandLocked hands one committed command to the FSM. The FSM fires
// completion callbacks in submission order; the callback publishes
// last_applied and the client result.
func (r *Raft) applyCommandLocked(index Index, data []byte, pi PermitInfo, batch *applyBatch, req *appendFollowerRequest) error {
	if r.pgrepID != 0 {
		// The copy process's progress boundary serializes fsm application
		// against catch-up traffic.
		bd := r.io.PgrepBoundary()
		r.logger.Debug("applying under copy boundary",
			"server_id", r.id,
			"index", index,
			"object_id", bd.ObjectID,
			"chunk_id", bd.ChunkID,
		)
	}
	start := time.Now()
	err := r.fsm.Apply(data, func(result any, applyErr error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.metrics.ObserveApplyDuration(r.id, time.Since(start))

		if creq := r.leader.reg.dequeue(index, EntryCommand); creq != nil && creq.applyCB != nil {
			creq.applyCB(ApplyResult{Index: index, Result: result}, applyErr)
		}

		r.lastApplied = max(index, r.lastApplied)
		r.metrics.SetApplyLag(r.id, r.commitIndex-r.lastApplied)
		batch.applied++
		r.applyBatchCheckLocked(batch, pi, req)
	})
	if err != nil {
		return err
	}
	return nil
}

// applyBarrierLocked fires the callback of a committed barrier entry.
func (r *Raft) applyBarrierLocked(index Index) {
	if req := r.leader.reg.dequeue(index, EntryBarrier); req != nil && req.barrierCB != nil {
		req.barrierCB(nil)
	}
}

// applyChangeLocked installs a committed configuration change. A leader
// removed by the change steps down; a joint configuration triggers the
// second, Normal-phase entry.
func (r *Raft) applyChangeLocked(index Index) {
	if r.configurationUncommittedIndex == index {
		r.configurationUncommittedIndex = 0
	}
	r.configurationIndex = index
	r.configurationCommitted = r.configuration.Copy()
	r.metrics.IncConfigurationChange(r.id)

	if r.state != Leader {
		if r.configuration.Get(r.id) == nil {
			r.removed = true
		}
		return
	}

	removedSelf := r.configuration.Get(r.id) == nil

	if r.configuration.Phase == PhaseJoint && !removedSelf {
		// The joint entry is committed; submit the transition to Normal. The
		// client callback stays pending until that entry commits.
		if err := r.membershipCommitJointLocked(); err != nil {
			r.logger.Error("joint transition failed", "server_id", r.id, "error", err)
		}
		return
	}

	change := r.leader.change
	r.leader.change = nil

	if removedSelf {
		r.convertToFollowerLocked()
		r.removed = true
	}

	if change != nil {
		if change.cb != nil {
			change.cb(nil)
		}
		r.notifyRoleChangeLocked(change)
	}
}

func (r *Raft) notifyRoleChangeLocked(change *changeRequest) {
	if r.onRoleChange == nil || change.serverID == 0 {
		return
	}
	if s := r.configuration.Get(change.serverID); s != nil {
		r.onRoleChange(*s)
	}
}
