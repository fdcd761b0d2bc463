package grpc

import "github.com/cbarrett/raftcore/pkg/raft"

// LocalStore is the durable subset of raft.IOBackend: everything except
// the network sends. *wal.Store satisfies it.
type LocalStore interface {
	WriteTerm(raft.Term) error
	WriteVote(raft.ServerID) error
	WriteLog(requestID uint64, firstIndex raft.Index, entries []raft.LogEntry) error
	TruncateLog(raft.Index) error
}

// Backend composes a LocalStore with a Transport into a complete
// raft.IOBackend: writes go to disk, sends go over the network. Neither
// half knows about the other, which is what lets cmd/raftd swap in a
// different store (or a different transport) independently.
type Backend struct {
	LocalStore
	transport *Transport
}

// NewBackend pairs store with transport.
func NewBackend(store LocalStore, transport *Transport) *Backend {
	return &Backend{LocalStore: store, transport: transport}
}

// SendRequestVote implements raft.IOBackend.
func (b *Backend) SendRequestVote(target raft.ServerID, args raft.RequestVoteArgs) {
	b.transport.SendRequestVote(target, args)
}

// SendRequestVoteResponse implements raft.IOBackend.
func (b *Backend) SendRequestVoteResponse(target raft.ServerID, result raft.RequestVoteResult) {
	b.transport.SendRequestVoteResponse(target, result)
}

// SendAppendEntries implements raft.IOBackend.
func (b *Backend) SendAppendEntries(requestID uint64, target raft.ServerID, args raft.AppendEntriesArgs) {
	b.transport.SendAppendEntries(requestID, target, args)
}

// SendAppendEntriesResponse implements raft.IOBackend.
func (b *Backend) SendAppendEntriesResponse(target raft.ServerID, result raft.AppendEntriesResult) {
	b.transport.SendAppendEntriesResponse(target, result)
}
