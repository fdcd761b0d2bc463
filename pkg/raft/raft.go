package raft

import "math/rand"

// Config holds the fixed parameters a Raft is constructed with.
type Config struct {
	ID   ServerID
	IO   IOBackend
	Seed int64

	// ElectionTimeoutMinMs/MaxMs bound the randomized follower/candidate
	// election timeout. Defaults to 150-300ms (the paper's own example)
	// when left zero.
	ElectionTimeoutMinMs int
	ElectionTimeoutMaxMs int
	// HeartbeatIntervalMs is how often a leader sends AppendEntries to
	// keep followers from timing out. Defaults to 50ms when zero.
	HeartbeatIntervalMs int
}

// Raft is the aggregate root of the consensus engine: one value per
// cluster member. It consumes events through its exported methods and
// issues intents through the IOBackend supplied at construction. No
// method starts a goroutine or takes a lock; the caller must serialize
// all calls from a single goroutine (see the package doc comment).
type Raft struct {
	id ServerID
	io IOBackend

	currentTerm   Term
	votedFor      ServerID
	log           *Log
	configuration Configuration

	commitIndex Index

	role      Role
	follower  *followerState
	candidate *candidateState
	leader    *leaderState

	electionElapsed      int
	electionTimeoutMs    int
	electionTimeoutMinMs int
	electionTimeoutMaxMs int
	heartbeatElapsed     int
	heartbeatIntervalMs  int

	submitPending bool
	ioRequests    []IoRequest

	shutdown bool
	watchers []func(EventType)

	rng *rand.Rand
}

// New constructs a Raft that starts as a Follower with an empty log. Call
// Bootstrap (for a brand-new cluster) before delivering any event. There
// is no method for loading persisted term, vote or log state into a Raft,
// so a restarted server starts from an empty log as well.
func New(cfg Config) *Raft {
	if cfg.ElectionTimeoutMinMs == 0 {
		cfg.ElectionTimeoutMinMs = 150
	}
	if cfg.ElectionTimeoutMaxMs == 0 {
		cfg.ElectionTimeoutMaxMs = 300
	}
	if cfg.HeartbeatIntervalMs == 0 {
		cfg.HeartbeatIntervalMs = 50
	}
	r := &Raft{
		id:                   cfg.ID,
		io:                   cfg.IO,
		log:                  NewLog(),
		role:                 Follower,
		follower:             &followerState{},
		electionTimeoutMinMs: cfg.ElectionTimeoutMinMs,
		electionTimeoutMaxMs: cfg.ElectionTimeoutMaxMs,
		heartbeatIntervalMs:  cfg.HeartbeatIntervalMs,
		rng:                  rand.New(rand.NewSource(cfg.Seed)),
	}
	r.resetElectionTimeout()
	return r
}

// Bootstrap seeds a brand-new cluster with its initial Configuration,
// writing it as the CONFIGURATION entry at index 1, term 1, and
// committing it immediately: membership agreed on before any server has
// joined the cluster needs no replication to be safe. It returns
// ErrConfigurationNotEmpty if the log already has entries and
// ErrEmptyConfiguration/ErrBadServerID/ErrNoServerAddress/ErrDupServerID
// for a malformed configuration.
func (r *Raft) Bootstrap(configuration Configuration) error {
	if r.log.NEntries() != 0 {
		return ErrConfigurationNotEmpty
	}
	if len(configuration.Servers) == 0 {
		return ErrEmptyConfiguration
	}
	seen := make(map[ServerID]bool, len(configuration.Servers))
	for _, s := range configuration.Servers {
		if s.ID == 0 {
			return ErrBadServerID
		}
		if s.Address == "" {
			return ErrNoServerAddress
		}
		if seen[s.ID] {
			return ErrDupServerID
		}
		seen[s.ID] = true
	}
	buf := EncodeConfiguration(configuration)
	idx := r.log.Append(1, EntryConfiguration, buf, nil)
	r.configuration = configuration
	r.commitIndex = idx
	return nil
}

// Close marks the engine as shut down: every subsequent event handler
// returns ErrShutdown. There is nothing else to release, since the core
// owns no goroutines, file descriptors, or sockets.
func (r *Raft) Close() error {
	r.shutdown = true
	return nil
}

// ID returns this server's id.
func (r *Raft) ID() ServerID { return r.id }

// Role returns the server's current role.
func (r *Raft) Role() Role { return r.role }

// CurrentTerm returns the server's current term.
func (r *Raft) CurrentTerm() Term { return r.currentTerm }

// CommitIndex returns the highest log index known to be committed.
func (r *Raft) CommitIndex() Index { return r.commitIndex }

// LastLogIndex returns the index of the last entry in the log.
func (r *Raft) LastLogIndex() Index { return r.log.LastIndex() }

// Configuration returns the currently active cluster configuration.
func (r *Raft) Configuration() Configuration { return r.configuration }

// Entry returns the log entry at index, or nil if index is outside
// [FirstIndex, LastLogIndex]. An external state machine applying
// committed entries uses this to read what committed, since the core
// never applies a COMMAND entry to anything itself.
func (r *Raft) Entry(index Index) *LogEntry { return r.log.Get(index) }

// Watch registers fn to be called whenever an EventType fires. fn runs
// synchronously on the caller's event-pump goroutine, before the
// triggering method returns.
func (r *Raft) Watch(fn func(EventType)) {
	r.watchers = append(r.watchers, fn)
}

// Tick advances the engine's internal clock by deltaMs milliseconds. The
// caller owns the actual clock (wall, monotonic, or simulated); the core
// has none of its own.
func (r *Raft) Tick(deltaMs int) error {
	if r.shutdown {
		return ErrShutdown
	}
	if r.role == Leader {
		r.heartbeatElapsed += deltaMs
		if r.heartbeatElapsed >= r.heartbeatIntervalMs {
			r.heartbeatElapsed = 0
			r.broadcastAppendEntries()
		}
		return nil
	}
	r.electionElapsed += deltaMs
	if r.electionElapsed >= r.electionTimeoutMs {
		return r.startElection()
	}
	return nil
}

// Submit appends bufs as new COMMAND entries and begins persisting them,
// returning the index assigned to the last entry. It returns ErrNotLeader
// if this server is not the leader, and ErrBusy if a previous Submit's
// write is still in flight (the engine never overlaps two write_log
// requests, whatever their origin).
func (r *Raft) Submit(bufs [][]byte) (Index, error) {
	if r.shutdown {
		return 0, ErrShutdown
	}
	if r.role != Leader {
		return 0, ErrNotLeader
	}
	if r.submitPending {
		return 0, ErrBusy
	}
	if len(bufs) == 0 {
		return r.log.LastIndex(), nil
	}
	first := r.log.LastIndex() + 1
	var last Index
	for _, b := range bufs {
		last = r.log.Append(r.currentTerm, EntryCommand, b, nil)
	}
	entries := r.log.Acquire(first)
	reqID := r.allocIoRequest(ioRequestWriteLog, first, entries, 0, 0)
	r.submitPending = true
	if err := r.io.WriteLog(reqID, first, entries); err != nil {
		r.log.Release(first, entries)
		r.freeIoRequest(reqID)
		r.submitPending = false
		return 0, err
	}
	return last, nil
}

// HandleIO delivers the outcome of a previously issued asynchronous
// WriteLog or SendAppendEntries request. ioErr is the error the backend
// encountered, or nil on success. A failed local write is treated as
// fatal: the engine shuts down rather than risk exposing unpersisted
// state as durable. A failed send is not fatal — retransmission is the
// caller's concern, not the core's.
func (r *Raft) HandleIO(requestID uint64, ioErr error) error {
	if r.shutdown {
		return ErrShutdown
	}
	req, ok := r.getIoRequest(requestID)
	if !ok {
		return ErrUnknownIoRequest
	}
	r.log.Release(req.FirstIndex, req.Entries)
	r.freeIoRequest(requestID)

	switch req.Type {
	case ioRequestWriteLog:
		r.submitPending = false
		if ioErr != nil {
			r.shutdown = true
			return ErrShutdown
		}
		if r.role == Leader {
			r.maybeAdvanceCommitIndex()
			r.broadcastAppendEntries()
		}
	case ioRequestAppendEntries:
		// Send failures are the transport's problem; nothing to do here.
	default:
		return ErrUnknownIoRequest
	}
	return nil
}

// HandleRequestVote processes an incoming RequestVote RPC and sends the
// reply through IOBackend.SendRequestVoteResponse.
func (r *Raft) HandleRequestVote(candidate ServerID, args RequestVoteArgs) error {
	if r.shutdown {
		return ErrShutdown
	}
	if !r.configuration.HasServer(candidate) {
		return ErrUnknownServer
	}
	if args.Term > r.currentTerm {
		if err := r.updateCurrentTerm(args.Term); err != nil {
			return err
		}
		r.convertToFollower(0)
	}

	grant := false
	switch {
	case args.Term < r.currentTerm:
		grant = false
	case r.votedFor != 0 && r.votedFor != candidate:
		grant = false
	default:
		grant = r.candidateLogUpToDate(args.LastLogTerm, args.LastLogIndex)
	}

	if grant {
		r.votedFor = candidate
		if err := r.io.WriteVote(candidate); err != nil {
			return err
		}
		r.resetElectionTimeout()
	}

	r.io.SendRequestVoteResponse(candidate, RequestVoteResult{
		Term:        r.currentTerm,
		VoteGranted: grant,
	})
	return nil
}

// candidateLogUpToDate implements the paper's §5.4.1 election restriction:
// a candidate's log is at least as up to date as ours if its last entry
// has a strictly higher term, or an equal term and an index at least as
// large.
func (r *Raft) candidateLogUpToDate(lastTerm Term, lastIndex Index) bool {
	ourTerm := r.log.LastTerm()
	if lastTerm != ourTerm {
		return lastTerm > ourTerm
	}
	return lastIndex >= r.log.LastIndex()
}

// HandleRequestVoteResponse processes a reply to a RequestVote RPC this
// server sent while a candidate. Replies received in any other role, or
// for a stale term, are ignored.
func (r *Raft) HandleRequestVoteResponse(from ServerID, result RequestVoteResult) error {
	if r.shutdown {
		return ErrShutdown
	}
	if result.Term > r.currentTerm {
		if err := r.updateCurrentTerm(result.Term); err != nil {
			return err
		}
		r.convertToFollower(0)
		return nil
	}
	if r.role != Candidate || result.Term < r.currentTerm || !result.VoteGranted {
		return nil
	}
	if !r.configuration.HasServer(from) {
		return ErrUnknownServer
	}
	r.candidate.votes[from] = true
	if len(r.candidate.votes) >= r.configuration.Quorum() {
		r.convertToLeader()
		r.broadcastAppendEntries()
	}
	return nil
}

// HandleAppendEntries processes an incoming AppendEntries RPC (a
// heartbeat if Entries is empty), replying through
// IOBackend.SendAppendEntriesResponse.
func (r *Raft) HandleAppendEntries(leader ServerID, args AppendEntriesArgs) error {
	if r.shutdown {
		return ErrShutdown
	}
	if !r.configuration.HasServer(leader) {
		return ErrUnknownServer
	}
	if args.Term > r.currentTerm {
		if err := r.updateCurrentTerm(args.Term); err != nil {
			return err
		}
		r.convertToFollower(leader)
	} else if args.Term == r.currentTerm {
		if r.role != Follower {
			r.convertToFollower(leader)
		} else {
			r.follower.leader = leader
			r.electionElapsed = 0
		}
	}

	if args.Term < r.currentTerm {
		r.io.SendAppendEntriesResponse(leader, AppendEntriesResult{
			Term:         r.currentTerm,
			Success:      false,
			LastLogIndex: r.log.LastIndex(),
		})
		return nil
	}

	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > r.log.LastIndex() {
			r.io.SendAppendEntriesResponse(leader, AppendEntriesResult{
				Term:         r.currentTerm,
				Success:      false,
				LastLogIndex: r.log.LastIndex(),
			})
			return nil
		}
		if r.log.TermOf(args.PrevLogIndex) != args.PrevLogTerm {
			backtrack := args.PrevLogIndex - 1
			r.io.SendAppendEntriesResponse(leader, AppendEntriesResult{
				Term:         r.currentTerm,
				Success:      false,
				LastLogIndex: backtrack,
			})
			return nil
		}
	}

	if err := r.appendNewEntries(args.PrevLogIndex, args.Entries); err != nil {
		return err
	}

	if args.LeaderCommit > r.commitIndex {
		newCommit := args.LeaderCommit
		if r.log.LastIndex() < newCommit {
			newCommit = r.log.LastIndex()
		}
		r.advanceCommitIndex(newCommit)
	}

	r.io.SendAppendEntriesResponse(leader, AppendEntriesResult{
		Term:         r.currentTerm,
		Success:      true,
		LastLogIndex: r.log.LastIndex(),
	})
	return nil
}

// appendNewEntries implements Figure 2's AppendEntries rule 3 and 4: any
// existing entry that conflicts with a new one (same index, different
// term) is truncated along with everything after it, and entries not
// already in the log are appended and queued for a local write_log.
func (r *Raft) appendNewEntries(prevLogIndex Index, entries []LogEntry) error {
	insertFrom := prevLogIndex + 1
	skip := 0
	for skip < len(entries) {
		idx := insertFrom + Index(skip)
		if idx > r.log.LastIndex() {
			break
		}
		if r.log.TermOf(idx) == entries[skip].Term {
			skip++
			continue
		}
		if err := r.log.Truncate(idx); err != nil {
			return err
		}
		break
	}
	toAppend := entries[skip:]
	if len(toAppend) == 0 {
		return nil
	}
	first := insertFrom + Index(skip)
	for _, e := range toAppend {
		r.log.Append(e.Term, e.Type, e.Buf, e.Batch)
	}
	acquired := r.log.Acquire(first)
	reqID := r.allocIoRequest(ioRequestWriteLog, first, acquired, 0, 0)
	if err := r.io.WriteLog(reqID, first, acquired); err != nil {
		r.log.Release(first, acquired)
		r.freeIoRequest(reqID)
		return err
	}
	return nil
}

// advanceCommitIndex moves commitIndex forward to newCommit. Of the
// CONFIGURATION entries it passes over, only the bootstrap entry at index 1
// is applied to Configuration. A CONFIGURATION entry at any later index is
// committed like any other entry but is neither applied nor reported:
// nothing returns ErrConfigChangeUnimplemented, and advanceCommitIndex has
// no error return.
func (r *Raft) advanceCommitIndex(newCommit Index) {
	for idx := r.commitIndex + 1; idx <= newCommit; idx++ {
		e := r.log.Get(idx)
		if e != nil && e.Type == EntryConfiguration && idx == 1 {
			if cfg, err := DecodeConfiguration(e.Buf); err == nil {
				r.configuration = cfg
			}
		}
	}
	r.commitIndex = newCommit
}

// HandleAppendEntriesResponse processes a reply to an AppendEntries RPC
// this server sent while leader. Replies received in any other role, or
// for a stale term, are ignored.
func (r *Raft) HandleAppendEntriesResponse(from ServerID, result AppendEntriesResult) error {
	if r.shutdown {
		return ErrShutdown
	}
	if result.Term > r.currentTerm {
		if err := r.updateCurrentTerm(result.Term); err != nil {
			return err
		}
		r.convertToFollower(0)
		return nil
	}
	if r.role != Leader || result.Term < r.currentTerm {
		return nil
	}
	if !r.configuration.HasServer(from) {
		return ErrUnknownServer
	}
	if result.Success {
		if result.LastLogIndex > r.leader.matchIndex[from] {
			r.leader.matchIndex[from] = result.LastLogIndex
		}
		if result.LastLogIndex+1 > r.leader.nextIndex[from] {
			r.leader.nextIndex[from] = result.LastLogIndex + 1
		}
		r.maybeAdvanceCommitIndex()
		return nil
	}
	next := result.LastLogIndex + 1
	if next < 1 {
		next = 1
	}
	if next < r.leader.nextIndex[from] {
		r.leader.nextIndex[from] = next
	}
	r.sendAppendEntriesTo(from)
	return nil
}

// maybeAdvanceCommitIndex implements the paper's §5.3/§5.4.2 commitment
// rule: commitIndex only ever advances to an index N for which a majority
// of matchIndex (plus the leader's own log) is at least N, and whose
// entry was written in the leader's current term. Committing an entry
// from an earlier term by counting replicas alone is exactly the
// Figure 8 hazard the paper warns against.
func (r *Raft) maybeAdvanceCommitIndex() {
	if r.role != Leader {
		return
	}
	quorum := r.configuration.Quorum()
	for n := r.log.LastIndex(); n > r.commitIndex; n-- {
		if r.log.TermOf(n) != r.currentTerm {
			continue
		}
		count := 1
		for _, m := range r.leader.matchIndex {
			if m >= n {
				count++
			}
		}
		if count >= quorum {
			r.advanceCommitIndex(n)
			return
		}
	}
}

// startElection converts to candidate, persists the vote for self, and
// requests votes from every other voting server.
func (r *Raft) startElection() error {
	if err := r.convertToCandidate(); err != nil {
		return err
	}
	args := RequestVoteArgs{
		Term:         r.currentTerm,
		CandidateID:  r.id,
		LastLogIndex: r.log.LastIndex(),
		LastLogTerm:  r.log.LastTerm(),
	}
	for _, s := range r.configuration.VotingServers() {
		if s.ID == r.id {
			continue
		}
		r.io.SendRequestVote(s.ID, args)
	}
	if len(r.candidate.votes) >= r.configuration.Quorum() {
		r.convertToLeader()
		r.broadcastAppendEntries()
	}
	return nil
}

// broadcastAppendEntries sends every voting peer an AppendEntries RPC
// carrying whatever entries it still needs, or an empty one (a heartbeat)
// if it is fully caught up.
func (r *Raft) broadcastAppendEntries() {
	for _, s := range r.configuration.VotingServers() {
		if s.ID == r.id {
			continue
		}
		r.sendAppendEntriesTo(s.ID)
	}
}

func (r *Raft) sendAppendEntriesTo(target ServerID) {
	next, ok := r.leader.nextIndex[target]
	if !ok || next < 1 {
		next = r.log.LastIndex() + 1
	}
	prevIndex := next - 1
	prevTerm := r.log.TermOf(prevIndex)
	entries := r.log.Acquire(next)
	reqID := r.allocIoRequest(ioRequestAppendEntries, next, entries, target, r.commitIndex)
	args := AppendEntriesArgs{
		Term:         r.currentTerm,
		LeaderID:     r.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	r.io.SendAppendEntries(reqID, target, args)
}

func (r *Raft) allocIoRequest(typ IoRequestType, firstIndex Index, entries []LogEntry, leader ServerID, leaderCommit Index) uint64 {
	req := IoRequest{
		Type:         typ,
		FirstIndex:   firstIndex,
		Entries:      entries,
		LeaderID:     leader,
		LeaderCommit: leaderCommit,
		inUse:        true,
	}
	for i := range r.ioRequests {
		if !r.ioRequests[i].inUse {
			r.ioRequests[i] = req
			return uint64(i)
		}
	}
	r.ioRequests = append(r.ioRequests, req)
	return uint64(len(r.ioRequests) - 1)
}

func (r *Raft) getIoRequest(id uint64) (IoRequest, bool) {
	if id >= uint64(len(r.ioRequests)) || !r.ioRequests[id].inUse {
		return IoRequest{}, false
	}
	return r.ioRequests[id], true
}

func (r *Raft) freeIoRequest(id uint64) {
	if id < uint64(len(r.ioRequests)) {
		r.ioRequests[id] = IoRequest{}
	}
}
