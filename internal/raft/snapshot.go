package raft

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// shouldTakeSnapshotLocked decides whether enough applied entries have
// accrued since the last snapshot to take a new one.
func (r *Raft) shouldTakeSnapshotLocked() bool {
	if r.state == Unavailable {
		return false
	}
	if r.snapshot.pending != nil || r.snapshot.putting {
		return false
	}
	if uint64(r.lastApplied-r.log.SnapshotIndex()) < r.snapshotThreshold {
		return false
	}

	// Entries past the fenced follower's applied boundary must survive
	// until the catch-up process releases them.
	if r.state == Leader && r.pgrepID != 0 {
		i := r.configuration.IndexOf(r.pgrepID)
		if i < len(r.configuration.Servers) &&
			uint64(r.leader.progress[i].PrevAppliedIndex-r.log.SnapshotIndex()) < r.snapshotThreshold {
			return false
		}
	}

	return true
}

// takeSnapshotLocked captures the FSM state at last_applied and hands it to
// the IO provider; on completion the log boundary advances, keeping the
// trailing window.
func (r *Raft) takeSnapshotLocked() error {
	index := r.lastApplied
	term := r.log.TermOf(index)

	data, err := r.fsm.Snapshot()
	if err != nil {
		// Transient FSM refusal: retry at the next apply round.
		if err == ErrBusy {
			return nil
		}
		return err
	}

	snapshot := &Snapshot{
		Index:              index,
		Term:               term,
		Configuration:      r.configuration.Copy(),
		ConfigurationIndex: r.configurationIndex,
		Data:               data,
	}
	r.snapshot.pending = snapshot

	r.logger.Debug("taking snapshot",
		"server_id", r.id,
		"index", index,
		"term", term,
	)

	_, span := r.startSpan(context.Background(), "raft.snapshot.take",
		attribute.Int64("raft.snapshot.index", int64(index)),
		attribute.Int64("raft.snapshot.term", int64(term)),
	)

	trailing := r.snapshot.trailing
	r.io.SnapshotPut(trailing, snapshot, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		spanRecordError(span, err)
		span.End()

		r.snapshot.pending = nil
		if err != nil {
			r.logger.Warn("snapshot store failed",
				"server_id", r.id,
				"index", index,
				"error", err,
			)
			return
		}
		r.log.Snapshot(index, trailing)
		r.metrics.IncSnapshotTaken(r.id)
	})
	return nil
}

// recvInstallSnapshot handles a snapshot shipped by the leader.
func (r *Raft) recvInstallSnapshot(args *InstallSnapshot) {
	if args.Term < r.currentTerm {
		return
	}
	if r.state == Candidate {
		r.convertToFollowerLocked()
	}
	if r.state != Follower {
		return
	}
	r.resetElectionTimerLocked()
	r.follower.currentLeader = args.From

	// A snapshot of our own is being taken or installed; the leader will
	// retry.
	if r.snapshot.pending != nil || r.snapshot.putting {
		return
	}

	// A no-op if our snapshot or log already covers the shipped one.
	if r.log.SnapshotIndex() >= args.LastIndex {
		r.sendAppendEntriesResultLocked(&AppendEntriesResult{
			header:       header{From: r.id, To: args.From, Term: r.currentTerm},
			LastLogIndex: r.lastStored,
		}, nil)
		return
	}
	if localTerm := r.log.TermOf(args.LastIndex); localTerm != 0 && localTerm >= args.LastTerm {
		r.sendAppendEntriesResultLocked(&AppendEntriesResult{
			header:       header{From: r.id, To: args.From, Term: r.currentTerm},
			LastLogIndex: r.lastStored,
		}, nil)
		return
	}

	// Preemptively adopt the boundary; entries are gone either way.
	r.log.Restore(args.LastIndex, args.LastTerm)
	r.lastStored = 0

	snapshot := &Snapshot{
		Index:              args.LastIndex,
		Term:               args.LastTerm,
		Configuration:      args.Configuration.Copy(),
		ConfigurationIndex: args.ConfigurationIndex,
		Data:               [][]byte{args.Data},
	}

	_, span := r.startSpan(context.Background(), "raft.snapshot.install",
		attribute.Int64("raft.snapshot.index", int64(args.LastIndex)),
		attribute.Int64("raft.snapshot.term", int64(args.LastTerm)),
		attribute.Int("raft.snapshot.bytes", len(args.Data)),
	)

	r.snapshot.putting = true
	r.io.SnapshotPut(0 /* replace everything */, snapshot, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		spanRecordError(span, err)
		span.End()

		r.snapshot.putting = false
		if r.state == Unavailable {
			return
		}

		result := &AppendEntriesResult{
			header: header{From: r.id, To: args.From, Term: r.currentTerm},
		}

		if err == nil {
			err = r.snapshotRestoreLocked(snapshot)
		}
		if err != nil {
			r.logger.Warn("snapshot installation failed",
				"server_id", r.id,
				"index", snapshot.Index,
				"error", err,
			)
			result.Rejected = snapshot.Index
		}
		result.LastLogIndex = r.lastStored
		r.sendAppendEntriesResultLocked(result, nil)
	})
}

// snapshotRestoreLocked resets the local state to the installed snapshot:
// the log is already empty at the boundary; the FSM and configuration are
// replaced and every progress index collapses onto the snapshot index.
func (r *Raft) snapshotRestoreLocked(snapshot *Snapshot) error {
	if err := r.fsm.Restore(snapshot.Data); err != nil {
		return err
	}
	r.configuration = snapshot.Configuration.Copy()
	r.configurationCommitted = snapshot.Configuration.Copy()
	r.configurationIndex = snapshot.ConfigurationIndex
	r.configurationUncommittedIndex = 0

	r.lastStored = snapshot.Index
	r.commitIndex = snapshot.Index
	r.lastApplied = snapshot.Index
	r.lastApplying = snapshot.Index

	r.logger.Info("snapshot installed",
		"server_id", r.id,
		"index", snapshot.Index,
		"term", snapshot.Term,
	)
	return nil
}
