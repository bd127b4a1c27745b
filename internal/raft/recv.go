package raft

// Step feeds one inbound message into the instance. It implements
// MessageHandler; the transport calls it for every delivered envelope.
//
// Messages carrying a term higher than ours first persist the bumped term;
// until that write completes the provider is busy and further messages are
// dropped, then dispatch resumes with the original message.
func (r *Raft) Step(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepLocked(msg)
}

func (r *Raft) stepLocked(msg Message) {
	if r.state == Unavailable || r.ioBusy {
		return
	}

	if r.recvEnsureMatchingTermLocked(msg) {
		// Dispatch resumes from the metadata-write completion.
		return
	}

	switch m := msg.(type) {
	case *AppendEntries:
		r.recvAppendEntries(m)
	case *AppendEntriesResult:
		r.recvAppendEntriesResult(m)
	case *RequestVote:
		r.recvRequestVote(m)
	case *RequestVoteResult:
		r.recvRequestVoteResult(m)
	case *InstallSnapshot:
		r.recvInstallSnapshot(m)
	case *TimeoutNow:
		r.recvTimeoutNow(m)
	default:
		r.logger.Warn("unknown message type dropped", "server_id", r.id)
		return
	}

	// A leadership transfer completes once we follow the transferee.
	if r.transfer != nil && r.state == Follower &&
		r.follower.currentLeader == r.transfer.id {
		r.membershipLeadershipTransferCloseLocked(nil)
	}
}

// recvEnsureMatchingTermLocked checks the message term against ours and, if
// higher, starts the asynchronous durable term bump. RequestVote and its
// result are excluded: the vote path reconciles terms itself so that
// pre-votes never bump anything.
func (r *Raft) recvEnsureMatchingTermLocked(msg Message) bool {
	var vote ID
	switch msg.(type) {
	case *AppendEntries, *InstallSnapshot, *TimeoutNow:
		vote = msg.Src()
	case *AppendEntriesResult:
		vote = 0
	default:
		return false
	}

	if msg.MsgTerm() <= r.currentTerm {
		return false
	}
	r.recvUpdateMetaLocked(msg, msg.MsgTerm(), vote)
	return true
}

// recvUpdateMetaLocked durably records a higher term (and optional vote),
// converting to follower and redelivering the triggering message once the
// write lands.
func (r *Raft) recvUpdateMetaLocked(msg Message, term Term, votedFor ID) {
	r.logger.Debug("remote term is higher, bumping local term",
		"server_id", r.id,
		"term", r.currentTerm,
		"remote_term", term,
	)

	r.ioBusy = true
	r.io.SetMeta(term, votedFor, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.state == Unavailable {
			return
		}
		r.ioBusy = false
		if err != nil {
			r.logger.Error("term bump failed", "server_id", r.id, "error", err)
			r.convertToUnavailableLocked()
			return
		}

		r.currentTerm = term
		r.votedFor = votedFor

		if r.state != Follower {
			r.convertToFollowerLocked()
		}

		if msg != nil {
			r.stepLocked(msg)
		}
	})
}

// recvTimeoutNow makes this server start an election immediately: it is the
// target of a leadership transfer and may disrupt the current leader.
func (r *Raft) recvTimeoutNow(args *TimeoutNow) {
	if r.state != Follower {
		return
	}
	if args.Term < r.currentTerm {
		return
	}
	s := r.configuration.Get(r.id)
	if s == nil || !r.configuration.IsVoter(s, GroupAny) {
		return
	}

	r.logger.Info("timeout-now received, starting election",
		"server_id", r.id,
		"from", args.From,
		"term", r.currentTerm,
	)
	r.disruptLeader = true
	r.state = Candidate
	r.follower.currentLeader = 0
	r.candidate.inPreVote = false
	r.resetElectionTimerLocked()
	r.electionStartLocked()
}
