package raft

// catchUpRoundsMax bounds promotion catch-up: once this many rounds have
// run, the promotee is promoted when it completes the current round, and a
// round lasting this many election timeouts abandons the promotion.
const catchUpRoundsMax = 10

// membershipCanChangeConfigurationLocked gates a new configuration change:
// only an unencumbered leader with no change in flight may start one.
// allowJoint permits starting while the configuration is in the Joint phase
// (used to complete a joint transition).
func (r *Raft) membershipCanChangeConfigurationLocked(allowJoint bool) error {
	if r.state != Leader || r.transfer != nil || r.leader.removedFromCluster {
		return ErrNotLeader
	}
	if r.configurationUncommittedIndex != 0 {
		return ErrBusy
	}
	if r.leader.change != nil || r.leader.promoteeID != 0 {
		return ErrBusy
	}
	if !allowJoint && r.configuration.Phase == PhaseJoint {
		return ErrBusy
	}
	return nil
}

// membershipUncommittedChangeLocked adopts a configuration received via
// AppendEntries as the (still uncommitted) active one.
func (r *Raft) membershipUncommittedChangeLocked(index Index, entry *Entry) error {
	c, err := DecodeConfiguration(entry.Data)
	if err != nil {
		r.logger.Error("malformed configuration entry",
			"server_id", r.id,
			"index", index,
			"error", err,
		)
		return err
	}
	r.configuration = c
	r.configurationUncommittedIndex = index
	return nil
}

// membershipRollbackLocked reverts to the last committed configuration after
// the uncommitted change entry was truncated away.
func (r *Raft) membershipRollbackLocked() {
	r.configuration = r.configurationCommitted.Copy()
	r.configurationUncommittedIndex = 0
	r.logger.Debug("uncommitted configuration rolled back",
		"server_id", r.id,
		"configuration_index", r.configurationIndex,
	)
}

// clientChangeConfigurationLocked appends a ConfigChange entry carrying the
// given configuration, installs it as the active uncommitted one, and
// replicates it.
func (r *Raft) clientChangeConfigurationLocked(req *changeRequest, configuration Configuration) error {
	index := r.log.LastIndex() + 1

	r.log.AppendConfiguration(r.currentTerm, &configuration)
	req.index = index

	// Servers dropped by this change keep receiving entries until they have
	// observed the change that removed them.
	for i := range r.configuration.Servers {
		s := &r.configuration.Servers[i]
		if s.ID == r.id || configuration.IndexOf(s.ID) < len(configuration.Servers) {
			continue
		}
		r.leader.farewell = append(r.leader.farewell, farewellPeer{
			id:        s.ID,
			nextIndex: r.leader.progress[i].NextIndex,
		})
	}

	r.progressRebuildArray(&configuration)
	r.configuration = configuration
	r.configurationUncommittedIndex = index

	if r.configuration.IndexOf(r.id) == len(r.configuration.Servers) {
		r.leader.removedFromCluster = true
	}

	if err := r.replicationTriggerLocked(index); err != nil {
		_ = r.log.Discard(index)
		r.membershipRollbackLocked()
		r.progressRebuildArray(&r.configuration)
		r.leader.removedFromCluster = false
		return err
	}
	return nil
}

// membershipStartCatchUpLocked opens the first catch-up round for a
// promotion whose target is not yet up to date.
func (r *Raft) membershipStartCatchUpLocked(id ID, role Role, removeID ID) {
	r.leader.promoteeID = id
	r.leader.promoteeRole = role
	r.leader.removeID = removeID
	r.leader.roundNumber = 1
	r.leader.roundIndex = r.log.LastIndex()
	r.leader.roundStart = r.io.Time()

	i := r.configuration.IndexOf(id)
	if err := r.replicationProgressLocked(i); err != nil && err != ErrNoConnection {
		r.logger.Debug("catch-up replication failed", "server_id", r.id, "peer", id, "error", err)
	}
}

// membershipPromoteeProgressLocked checks, after a successful reply from id,
// whether a pending promotion's catch-up round has completed, and either
// appends the actual configuration change or opens the next round.
func (r *Raft) membershipPromoteeProgressLocked(id ID) {
	if r.leader.promoteeID == 0 || r.leader.promoteeID != id {
		return
	}
	i := r.configuration.IndexOf(id)
	if i == len(r.configuration.Servers) {
		return
	}
	if r.leader.progress[i].MatchIndex < r.leader.roundIndex {
		return
	}

	now := r.io.Time()
	caughtUp := now-r.leader.roundStart < r.electionTimeout ||
		r.leader.roundNumber >= catchUpRoundsMax
	if !caughtUp {
		r.leader.roundNumber++
		r.leader.roundIndex = r.log.LastIndex()
		r.leader.roundStart = now
		return
	}

	if err := r.membershipTriggerActualPromotionLocked(); err != nil {
		r.logger.Error("promotion failed", "server_id", r.id, "peer", id, "error", err)
	}
}

// membershipTriggerActualPromotionLocked appends the configuration change
// that was deferred until the promotee caught up with the log.
func (r *Raft) membershipTriggerActualPromotionLocked() error {
	id := r.leader.promoteeID
	role := r.leader.promoteeRole
	removeID := r.leader.removeID

	r.leader.promoteeID = 0
	r.leader.removeID = 0

	configuration := r.configuration.Copy()
	i := configuration.IndexOf(id)
	if i == len(configuration.Servers) {
		return ErrNotFound
	}

	if removeID != 0 {
		configuration.EnterJoint()
		configuration.Servers[i].RoleNew = role
		configuration.JointRemove(removeID)
	} else {
		configuration.Servers[i].Role = role
		configuration.Servers[i].RoleNew = role
	}

	req := r.leader.change
	if req == nil {
		req = &changeRequest{serverID: id, time: r.io.Time()}
		r.leader.change = req
	}
	return r.clientChangeConfigurationLocked(req, configuration)
}

// membershipCommitJointLocked appends the Normal-phase entry that completes
// a committed joint configuration.
func (r *Raft) membershipCommitJointLocked() error {
	configuration := r.configuration.JointToNormal(GroupNew)
	req := r.leader.change
	if req == nil {
		req = &changeRequest{time: r.io.Time()}
		r.leader.change = req
	}
	return r.clientChangeConfigurationLocked(req, configuration)
}

// membershipTickLocked expires stalled promotions and transfers.
func (r *Raft) membershipTickLocked(now int64) {
	if r.leader.promoteeID != 0 &&
		now-r.leader.roundStart >= catchUpRoundsMax*r.electionTimeout {
		r.logger.Warn("promotion catch-up abandoned",
			"server_id", r.id,
			"promotee", r.leader.promoteeID,
			"rounds", r.leader.roundNumber,
		)
		r.leader.promoteeID = 0
		r.leader.removeID = 0
		if change := r.leader.change; change != nil {
			r.leader.change = nil
			if change.cb != nil {
				change.cb(ErrNoConnection)
			}
		}
	}

	if r.transfer != nil && now-r.transfer.start >= r.electionTimeout {
		r.membershipLeadershipTransferCloseLocked(ErrNoConnection)
	}
}

// assignRoleLocked is the internal role assignment used by the catch-up
// machinery (demote to standby, promote back to voter). Failures are logged,
// not surfaced: the next tick retries.
func (r *Raft) assignRoleLocked(id ID, role Role) {
	s := r.configuration.Get(id)
	if s == nil || s.Role == role {
		return
	}
	if err := r.membershipCanChangeConfigurationLocked(false); err != nil {
		r.logger.Debug("role assignment deferred",
			"server_id", r.id,
			"peer", id,
			"role", role.String(),
			"error", err,
		)
		return
	}

	configuration := r.configuration.Copy()
	i := configuration.IndexOf(id)
	configuration.Servers[i].Role = role
	configuration.Servers[i].RoleNew = role

	req := &changeRequest{serverID: id, time: r.io.Time()}
	r.leader.change = req
	if err := r.clientChangeConfigurationLocked(req, configuration); err != nil {
		r.leader.change = nil
		r.logger.Warn("role assignment failed",
			"server_id", r.id,
			"peer", id,
			"role", role.String(),
			"error", err,
		)
	}
}

// membershipLeadershipTransferStartLocked sends TimeoutNow to the
// transferee, which is up to date.
func (r *Raft) membershipLeadershipTransferStartLocked() error {
	t := r.transfer
	msg := &TimeoutNow{
		header: header{From: r.id, To: t.id, Term: r.currentTerm},
	}
	t.sent = true
	r.io.Send(msg, nil)
	r.logger.Info("leadership transfer started",
		"server_id", r.id,
		"transferee", t.id,
		"term", r.currentTerm,
	)
	return nil
}

func (r *Raft) membershipLeadershipTransferCloseLocked(err error) {
	t := r.transfer
	if t == nil {
		return
	}
	r.transfer = nil
	if t.cb != nil {
		t.cb(err)
	}
}
