package raft

// This file implements the state transitions described by
// original_source/src/state.h: updateCurrentTerm, convertToFollower,
// convertToCandidate, convertToLeader. Each one persists whatever must
// survive a restart before changing in-memory state, matching the paper's
// rule that a server must write its term and vote to stable storage before
// responding to any RPC.

// updateCurrentTerm advances currentTerm and clears votedFor whenever it
// observes a higher term, per Raft's "all servers" rule #2. It is a no-op
// if term is not strictly greater than the current one.
func (r *Raft) updateCurrentTerm(term Term) error {
	if term <= r.currentTerm {
		return nil
	}
	if err := r.io.WriteTerm(term); err != nil {
		return err
	}
	if err := r.io.WriteVote(0); err != nil {
		return err
	}
	r.currentTerm = term
	r.votedFor = 0
	return nil
}

// convertToFollower moves the server into the Follower role, discarding
// any candidate or leader state. leader is 0 if the identity of the
// current leader is not yet known.
func (r *Raft) convertToFollower(leader ServerID) {
	wasRole := r.role
	r.role = Follower
	r.candidate = nil
	r.leader = nil
	r.follower = &followerState{leader: leader}
	r.resetElectionTimeout()
	if wasRole != Follower {
		r.notify(EventStateChange)
	}
}

// convertToCandidate starts a new election round: the term is incremented,
// the server votes for itself, and both are persisted before any
// RequestVote RPC may be sent (the caller is responsible for sending them).
func (r *Raft) convertToCandidate() error {
	term := r.currentTerm + 1
	if err := r.io.WriteTerm(term); err != nil {
		return err
	}
	if err := r.io.WriteVote(r.id); err != nil {
		return err
	}
	r.role = Candidate
	r.follower = nil
	r.leader = nil
	r.currentTerm = term
	r.votedFor = r.id
	r.candidate = &candidateState{votes: map[ServerID]bool{r.id: true}}
	r.resetElectionTimeout()
	r.notify(EventStateChange)
	return nil
}

// convertToLeader moves the server into the Leader role and reinitializes
// the leader-only volatile state (nextIndex optimistically set to one past
// the leader's own last log entry, matchIndex reset to zero) per the
// Raft paper, Figure 2.
func (r *Raft) convertToLeader() {
	r.role = Leader
	r.candidate = nil
	r.follower = nil
	next := r.log.LastIndex() + 1
	nextIndex := make(map[ServerID]Index)
	matchIndex := make(map[ServerID]Index)
	for _, s := range r.configuration.VotingServers() {
		if s.ID == r.id {
			continue
		}
		nextIndex[s.ID] = next
		matchIndex[s.ID] = 0
	}
	r.leader = &leaderState{nextIndex: nextIndex, matchIndex: matchIndex}
	r.heartbeatElapsed = 0
	r.notify(EventStateChange)
}

// resetElectionTimeout draws a fresh randomized election timeout in
// [electionTimeoutMinMs, electionTimeoutMaxMs] and clears the elapsed
// counter. Randomization breaks split-vote ties, per the paper §5.2.
func (r *Raft) resetElectionTimeout() {
	spread := r.electionTimeoutMaxMs - r.electionTimeoutMinMs
	if spread <= 0 {
		r.electionTimeoutMs = r.electionTimeoutMinMs
	} else {
		r.electionTimeoutMs = r.electionTimeoutMinMs + r.rng.Intn(spread+1)
	}
	r.electionElapsed = 0
}

func (r *Raft) notify(t EventType) {
	for _, fn := range r.watchers {
		fn(t)
	}
}
