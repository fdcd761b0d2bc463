package raft

// IOBackend is the set of intents the engine emits. It never performs disk
// or network I/O itself; every persistence or transport side effect goes
// through these methods instead. Callers own the implementation: a
// synchronous in-memory fake for tests, pkg/wal for disk, pkg/transport/*
// for the network.
//
// WriteTerm and WriteVote are synchronous by contract: the engine assumes
// the term/vote are durable by the time the call returns, matching
// raft_io.write_term/write_vote in original_source/include/raft.h.
//
// WriteLog and SendAppendEntries are asynchronous: the engine hands them a
// requestID (a slot in its own pending-I/O table) and moves on without
// waiting. The backend completes the operation out of band and reports
// back through HandleIO(requestID, err) on the engine's event-pump
// goroutine — never from inside the WriteLog/SendAppendEntries call itself,
// and never concurrently with another pending write (at most one WriteLog
// may be outstanding at a time, matching the single in-flight slot in
// original_source's raft_io contract).
//
// SendRequestVote, SendRequestVoteResponse, and SendAppendEntriesResponse
// are fire-and-forget: the engine does not wait for, or react to, their
// delivery.
type IOBackend interface {
	WriteTerm(term Term) error
	WriteVote(candidate ServerID) error

	WriteLog(requestID uint64, firstIndex Index, entries []LogEntry) error
	TruncateLog(index Index) error

	SendRequestVote(target ServerID, args RequestVoteArgs)
	SendRequestVoteResponse(target ServerID, result RequestVoteResult)
	SendAppendEntries(requestID uint64, target ServerID, args AppendEntriesArgs)
	SendAppendEntriesResponse(target ServerID, result AppendEntriesResult)
}
