package raft

// Apply proposes one or more commands. The callback fires once, when the
// first command of the batch has been applied to the FSM, or with an error
// if the proposal is lost.
func (r *Raft) Apply(bufs [][]byte, cb func(ApplyResult, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(bufs) == 0 {
		return ErrMalformed
	}
	if r.state != Leader || r.transfer != nil || r.leader.removedFromCluster {
		return ErrNotLeader
	}

	index := r.log.LastIndex() + 1
	r.log.AppendCommands(r.currentTerm, bufs)

	r.leader.reg.enqueue(&request{
		index:   index,
		typ:     EntryCommand,
		time:    r.io.Time(),
		applyCB: cb,
	})

	if err := r.replicationTriggerLocked(index); err != nil {
		r.leader.reg.remove(index)
		_ = r.log.Discard(index)
		return err
	}
	return nil
}

// Barrier appends a no-payload entry that fences causally dependent
// callbacks: its callback fires only after everything before it has been
// applied.
func (r *Raft) Barrier(cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader || r.transfer != nil {
		return ErrNotLeader
	}
	return r.barrierLocked(cb)
}

func (r *Raft) barrierLocked(cb func(error)) error {
	index := r.log.LastIndex() + 1
	r.log.Append(r.currentTerm, EntryBarrier, nil)

	r.leader.reg.enqueue(&request{
		index:     index,
		typ:       EntryBarrier,
		time:      r.io.Time(),
		barrierCB: cb,
	})

	if err := r.replicationTriggerLocked(index); err != nil {
		r.leader.reg.remove(index)
		_ = r.log.Discard(index)
		return err
	}
	return nil
}

// Add appends a configuration change that introduces a new server as a
// spare. Promote it with Assign or JointPromote once it has caught up.
func (r *Raft) Add(id ID, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.membershipCanChangeConfigurationLocked(false); err != nil {
		return err
	}

	configuration := r.configuration.Copy()
	if err := configuration.Add(id, RoleSpare, RoleSpare, GroupOld); err != nil {
		return err
	}

	req := &changeRequest{serverID: id, time: r.io.Time(), cb: cb}
	if err := r.clientChangeConfigurationLocked(req, configuration); err != nil {
		return err
	}
	r.leader.change = req
	return nil
}

// Assign changes the role of an existing server. A promotion to voter or
// logger of a server that is not up to date first runs catch-up rounds; the
// configuration change is appended when the target reaches the round index.
func (r *Raft) Assign(id ID, role Role, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !validRole(role) {
		return ErrBadRole
	}
	if err := r.membershipCanChangeConfigurationLocked(false); err != nil {
		return err
	}

	server := r.configuration.Get(id)
	if server == nil {
		return ErrNotFound
	}
	if server.Role == role {
		return ErrBadRole
	}

	i := r.configuration.IndexOf(id)
	req := &changeRequest{serverID: id, time: r.io.Time(), cb: cb}

	needsCatchUp := (role == RoleVoter || role == RoleLogger) &&
		r.leader.progress[i].MatchIndex != r.log.LastIndex()
	if !needsCatchUp {
		configuration := r.configuration.Copy()
		configuration.Servers[i].Role = role
		configuration.Servers[i].RoleNew = role
		if err := r.clientChangeConfigurationLocked(req, configuration); err != nil {
			return err
		}
		r.leader.change = req
		return nil
	}

	r.leader.change = req
	r.membershipStartCatchUpLocked(id, role, 0)
	return nil
}

// JointPromote promotes id to the given role while removing removeID, as a
// single joint-consensus transition: first a Joint-phase entry whose Old
// group is the current membership and whose New group swaps removeID for the
// promotee, then the Normal-phase entry once the joint one commits.
func (r *Raft) JointPromote(id ID, role Role, removeID ID, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if role != RoleVoter && role != RoleLogger {
		return ErrBadRole
	}
	if r.configuration.Get(removeID) == nil {
		return ErrNotFound
	}
	if err := r.membershipCanChangeConfigurationLocked(false); err != nil {
		return err
	}

	server := r.configuration.Get(id)
	if server == nil {
		return ErrNotFound
	}
	if server.Role == role {
		return ErrBadRole
	}

	i := r.configuration.IndexOf(id)
	req := &changeRequest{serverID: id, time: r.io.Time(), cb: cb}
	r.leader.change = req

	if r.leader.progress[i].MatchIndex == r.log.LastIndex() {
		configuration := r.configuration.Copy()
		configuration.EnterJoint()
		configuration.Servers[i].RoleNew = role
		configuration.JointRemove(removeID)
		if err := r.clientChangeConfigurationLocked(req, configuration); err != nil {
			r.leader.change = nil
			return err
		}
		return nil
	}

	r.membershipStartCatchUpLocked(id, role, removeID)
	return nil
}

// Remove appends a configuration change that drops the given server. While
// the configuration is in the Joint phase, removal completes the transition
// to the Normal phase on the side that does not contain the server.
func (r *Raft) Remove(id ID, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	joint := r.configuration.Phase == PhaseJoint
	if err := r.membershipCanChangeConfigurationLocked(joint); err != nil {
		return err
	}

	server := r.configuration.Get(id)
	if server == nil {
		return ErrBadID
	}

	var configuration Configuration
	if joint {
		keep := GroupNew
		if server.Groups&GroupNew != 0 {
			keep = GroupOld
		}
		configuration = r.configuration.JointToNormal(keep)
		_ = configuration.Remove(id)
	} else {
		configuration = r.configuration.Copy()
		if err := configuration.Remove(id); err != nil {
			return err
		}
	}

	req := &changeRequest{serverID: id, time: r.io.Time(), cb: cb}
	if err := r.clientChangeConfigurationLocked(req, configuration); err != nil {
		return err
	}
	r.leader.change = req
	return nil
}

// Dup re-appends the current configuration unchanged, re-asserting it to
// the cluster.
func (r *Raft) Dup(cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.membershipCanChangeConfigurationLocked(false); err != nil {
		return err
	}

	req := &changeRequest{time: r.io.Time(), cb: cb}
	if err := r.clientChangeConfigurationLocked(req, r.configuration.Copy()); err != nil {
		return err
	}
	r.leader.change = req
	return nil
}

// Transfer hands leadership to the given voter, or to the most up-to-date
// voter when id is zero. The callback fires when this server observes the
// transferee leading, or with an error if the transfer expires.
func (r *Raft) Transfer(id ID, cb func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Leader || r.transfer != nil {
		return ErrNotLeader
	}

	if id == 0 {
		id = r.selectTransfereeLocked()
		if id == 0 {
			return ErrNotFound
		}
	}

	server := r.configuration.Get(id)
	if server == nil || server.ID == r.id || !r.configuration.IsVoter(server, GroupAny) {
		return ErrBadID
	}

	i := r.configuration.IndexOf(id)
	r.transfer = &transferRequest{id: id, start: r.io.Time(), cb: cb}

	if r.progressIsUpToDate(i) {
		if err := r.membershipLeadershipTransferStartLocked(); err != nil {
			r.transfer = nil
			return err
		}
	}
	return nil
}

// selectTransfereeLocked picks the first up-to-date voting follower, or
// else the voting follower with the highest match index.
func (r *Raft) selectTransfereeLocked() ID {
	var transferee ID
	var best Index
	for i := range r.configuration.Servers {
		s := &r.configuration.Servers[i]
		if s.ID == r.id || !r.configuration.IsVoter(s, GroupAny) {
			continue
		}
		if r.progressIsUpToDate(i) {
			return s.ID
		}
		if transferee == 0 || r.leader.progress[i].MatchIndex > best {
			transferee = s.ID
			best = r.leader.progress[i].MatchIndex
		}
	}
	return transferee
}
