package raft

// convertToCandidateLocked enters the candidate state and opens either a
// pre-vote round (non-disruptive, no term bump) or a real election.
func (r *Raft) convertToCandidateLocked() {
	r.state = Candidate
	r.follower.currentLeader = 0
	r.candidate.inPreVote = r.preVote
	r.resetElectionTimerLocked()

	if r.preVote {
		r.metrics.IncElectionStarted(r.id, true)
		r.electionSolicitLocked(true)
		return
	}
	r.electionStartLocked()
}

// electionStartLocked begins the real vote: the bumped term and self-vote
// are made durable before any RequestVote leaves this server.
func (r *Raft) electionStartLocked() {
	term := r.currentTerm + 1
	r.metrics.IncElectionStarted(r.id, false)
	r.logger.Debug("starting election",
		"server_id", r.id,
		"term", term,
		"last_log_index", r.log.LastIndex(),
		"last_log_term", r.log.LastTerm(),
	)

	r.ioBusy = true
	r.io.SetMeta(term, r.id, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.state == Unavailable {
			return
		}
		r.ioBusy = false
		if err != nil {
			r.logger.Error("persisting election term failed", "server_id", r.id, "error", err)
			r.convertToUnavailableLocked()
			return
		}
		if r.state != Candidate {
			return
		}

		r.currentTerm = term
		r.votedFor = r.id
		r.candidate.inPreVote = false
		r.electionSolicitLocked(false)
	})
}

// electionSolicitLocked counts the self vote and sends RequestVote to every
// other voter in any active group.
func (r *Raft) electionSolicitLocked(preVote bool) {
	r.candidate.granted = map[ID]bool{r.id: true}
	if r.electionQuorumLocked() {
		// Single-voter cluster: no peers to ask.
		r.electionWonLocked()
		return
	}

	term := r.currentTerm
	if preVote {
		term++
	}

	for i := range r.configuration.Servers {
		s := &r.configuration.Servers[i]
		if s.ID == r.id || !r.configuration.IsVoter(s, GroupAny) {
			continue
		}
		msg := &RequestVote{
			header:        header{From: r.id, To: s.ID, Term: term},
			Candidate:     r.id,
			LastLogIndex:  r.log.LastIndex(),
			LastLogTerm:   r.log.LastTerm(),
			PreVote:       preVote,
			DisruptLeader: r.disruptLeader,
		}
		r.io.Send(msg, nil)
	}
	r.disruptLeader = false
}

// electionQuorumLocked reports whether the granted votes reach a strict
// majority of the voters in every active group.
func (r *Raft) electionQuorumLocked() bool {
	groups := []Group{GroupOld}
	if r.configuration.Phase == PhaseJoint {
		groups = []Group{GroupOld, GroupNew}
	}
	for _, g := range groups {
		voters := r.configuration.VoterCount(g)
		if voters == 0 {
			return false
		}
		granted := 0
		for i := range r.configuration.Servers {
			s := &r.configuration.Servers[i]
			if r.configuration.IsVoter(s, g) && r.candidate.granted[s.ID] {
				granted++
			}
		}
		if granted <= voters/2 {
			return false
		}
	}
	return true
}

func (r *Raft) electionWonLocked() {
	if r.candidate.inPreVote {
		r.logger.Debug("pre-vote quorum reached", "server_id", r.id, "term", r.currentTerm)
		r.candidate.inPreVote = false
		r.electionStartLocked()
		return
	}
	r.convertToLeaderLocked()
}

// electionVoteLocked applies the §4.4 grant rules to a RequestVote whose
// term has already been reconciled. It does not persist anything.
func (r *Raft) electionVoteLocked(args *RequestVote) bool {
	if args.Term < r.currentTerm {
		return false
	}

	// A request from a higher term voids any vote cast in ours.
	votedFor := r.votedFor
	if args.Term > r.currentTerm {
		votedFor = 0
	}
	if !args.PreVote && votedFor != 0 && votedFor != args.Candidate {
		return false
	}

	lastTerm := r.log.LastTerm()
	lastIndex := r.log.LastIndex()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	return upToDate
}

// recvRequestVote handles an inbound RequestVote. A live leader within the
// minimum election timeout suppresses the request unless the candidate was
// told to disrupt. Pre-votes are answered statelessly; real grants persist
// the vote (and any term bump) before the reply leaves.
func (r *Raft) recvRequestVote(args *RequestVote) {
	result := &RequestVoteResult{
		header:  header{From: r.id, To: args.From, Term: r.currentTerm},
		PreVote: args.PreVote,
	}

	hasLeader := r.state == Leader ||
		(r.state == Follower && r.follower.currentLeader != 0 &&
			r.io.Time()-r.electionTimerStart <= r.electionTimeout)
	if hasLeader && !args.DisruptLeader {
		r.logger.Debug("vote request suppressed: live leader",
			"server_id", r.id,
			"candidate", args.Candidate,
			"pre_vote", args.PreVote,
		)
		r.io.Send(result, nil)
		return
	}

	if args.Term < r.currentTerm {
		r.io.Send(result, nil)
		return
	}

	granted := r.electionVoteLocked(args)

	if args.PreVote {
		// Pre-vote never bumps terms or persists anything.
		result.VoteGranted = granted
		r.io.Send(result, nil)
		return
	}

	votedFor := r.votedFor
	term := r.currentTerm
	if args.Term > r.currentTerm {
		term = args.Term
		votedFor = 0
		result.Term = args.Term
	}
	if granted {
		votedFor = args.Candidate
	}
	result.VoteGranted = granted

	if term == r.currentTerm && votedFor == r.votedFor {
		r.io.Send(result, nil)
		return
	}

	// Persist the new term/vote, then reply from the completion.
	r.ioBusy = true
	r.io.SetMeta(term, votedFor, func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.state == Unavailable {
			return
		}
		r.ioBusy = false
		if err != nil {
			r.convertToUnavailableLocked()
			return
		}

		r.currentTerm = term
		r.votedFor = votedFor
		if r.state != Follower {
			r.convertToFollowerLocked()
		}
		if granted {
			r.resetElectionTimerLocked()
		}
		r.io.Send(result, nil)
	})
}

// recvRequestVoteResult tallies a vote reply, possibly winning the pre-vote
// or the election.
func (r *Raft) recvRequestVoteResult(result *RequestVoteResult) {
	if r.configuration.IndexOfVoter(result.From, GroupAny) == r.configuration.VoterCount(GroupAny) {
		r.logger.Debug("vote result from non-voter ignored", "server_id", r.id, "from", result.From)
		return
	}
	if r.state != Candidate {
		return
	}

	if r.candidate.inPreVote {
		// A peer more than one term ahead means a real election happened
		// elsewhere; adopt its term.
		if result.Term > r.currentTerm+1 {
			r.recvUpdateMetaLocked(nil, result.Term, 0)
			return
		}
	} else {
		if result.PreVote {
			// Stale reply from our own pre-vote round.
			return
		}
		if result.Term > r.currentTerm {
			r.recvUpdateMetaLocked(nil, result.Term, 0)
			return
		}
		if result.Term < r.currentTerm {
			return
		}
	}

	if !result.VoteGranted {
		return
	}

	r.candidate.granted[result.From] = true
	if r.electionQuorumLocked() {
		r.electionWonLocked()
	}
}
