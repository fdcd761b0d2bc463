// Package local is an in-process network fabric for running several
// raft.Raft values in one process without a real socket between them —
// useful for manual multi-node exercises and for tests that want actual
// goroutine concurrency rather than pkg/sim's fully deterministic,
// single-threaded scheduler. It supports the same fault injection the
// teacher's in-memory transport offered: artificial latency, one-way
// disconnects, and whole-node partitions.
package local

import (
	"sync"
	"time"

	"github.com/cbarrett/raftcore/pkg/raft"
)

// EventKind tags the union of things a Backend can deliver to a node's
// inbox: the four cross-node RPC messages, plus a same-node
// I/O-completion notice that must flow through the same channel so it is
// never delivered out of turn with respect to the RPCs it was queued
// behind.
type EventKind int

const (
	EventRequestVote EventKind = iota
	EventRequestVoteResponse
	EventAppendEntries
	EventAppendEntriesResponse
	EventIOComplete
)

// Event is what a Backend posts onto a node's inbox channel. The caller's
// event-pump goroutine is expected to switch on Kind and call the
// matching raft.Raft method.
type Event struct {
	Kind EventKind
	From raft.ServerID

	RequestVote         raft.RequestVoteArgs
	RequestVoteResult   raft.RequestVoteResult
	AppendEntries       raft.AppendEntriesArgs
	AppendEntriesResult raft.AppendEntriesResult

	IORequestID uint64
	IOErr       error
}

// Network is the shared fabric every registered Backend sends through.
type Network struct {
	mu       sync.RWMutex
	inboxes  map[raft.ServerID]chan<- Event
	disabled map[raft.ServerID]map[raft.ServerID]bool
	latency  time.Duration
}

// NewNetwork returns an empty fabric with no registered nodes and no
// induced latency or partitions.
func NewNetwork() *Network {
	return &Network{
		inboxes:  make(map[raft.ServerID]chan<- Event),
		disabled: make(map[raft.ServerID]map[raft.ServerID]bool),
	}
}

// Register attaches a node's inbox to the fabric and returns the
// raft.IOBackend it should construct its Raft with. inbox should be read
// by exactly one goroutine: the node's own event pump.
func (n *Network) Register(id raft.ServerID, inbox chan<- Event) *Backend {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inboxes[id] = inbox
	if n.disabled[id] == nil {
		n.disabled[id] = make(map[raft.ServerID]bool)
	}
	return &Backend{net: n, self: id, inbox: inbox}
}

// SetLatency applies artificial delay to every subsequent send.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Disconnect makes sends from `from` to `to` silently vanish.
func (n *Network) Disconnect(from, to raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] == nil {
		n.disabled[from] = make(map[raft.ServerID]bool)
	}
	n.disabled[from][to] = true
}

// Connect reverses a prior Disconnect.
func (n *Network) Connect(from, to raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] != nil {
		delete(n.disabled[from], to)
	}
}

// Partition disconnects id from every other currently registered node, in
// both directions.
func (n *Network) Partition(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.inboxes {
		if other == id {
			continue
		}
		if n.disabled[id] == nil {
			n.disabled[id] = make(map[raft.ServerID]bool)
		}
		if n.disabled[other] == nil {
			n.disabled[other] = make(map[raft.ServerID]bool)
		}
		n.disabled[id][other] = true
		n.disabled[other][id] = true
	}
}

// Heal reverses a Partition for id.
func (n *Network) Heal(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled[id] = make(map[raft.ServerID]bool)
	for other := range n.disabled {
		delete(n.disabled[other], id)
	}
}

// HealAll reverses every Disconnect and Partition in effect.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled = make(map[raft.ServerID]map[raft.ServerID]bool)
}

func (n *Network) isConnectedLocked(from, to raft.ServerID) bool {
	if n.disabled[from] == nil {
		return true
	}
	return !n.disabled[from][to]
}

// deliver posts ev to target's inbox, honoring the configured latency and
// partition state. A disconnected or unknown target silently drops the
// message: retransmission is the caller's concern, never the network's.
func (n *Network) deliver(from, to raft.ServerID, ev Event) {
	n.mu.RLock()
	inbox, ok := n.inboxes[to]
	connected := n.isConnectedLocked(from, to)
	latency := n.latency
	n.mu.RUnlock()
	if !ok || !connected {
		return
	}
	if latency <= 0 {
		select {
		case inbox <- ev:
		default:
		}
		return
	}
	go func() {
		time.Sleep(latency)
		select {
		case inbox <- ev:
		default:
		}
	}()
}

// Backend is the raft.IOBackend one registered node uses. Storage is kept
// purely in memory — there is no disk involved, and no durability across
// process restarts — since this package exists for in-process
// multi-node exercises, not for running a real server (see pkg/wal for
// that).
type Backend struct {
	net   *Network
	self  raft.ServerID
	inbox chan<- Event

	mu          sync.Mutex
	currentTerm raft.Term
	votedFor    raft.ServerID
	firstIndex  raft.Index
	entries     []raft.LogEntry
}

// WriteTerm implements raft.IOBackend.
func (b *Backend) WriteTerm(term raft.Term) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentTerm = term
	return nil
}

// WriteVote implements raft.IOBackend.
func (b *Backend) WriteVote(candidate raft.ServerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votedFor = candidate
	return nil
}

// WriteLog implements raft.IOBackend. The write itself is immediate (it's
// memory, not disk), but completion is still reported by posting an Event
// rather than by returning an error here — a real backend might report
// minutes later, and callers must not depend on which happens.
func (b *Backend) WriteLog(requestID uint64, firstIndex raft.Index, entries []raft.LogEntry) error {
	b.mu.Lock()
	if b.firstIndex == 0 {
		b.firstIndex = firstIndex
	}
	rel := int(firstIndex - b.firstIndex)
	switch {
	case rel < 0:
		rel = 0
	case rel > len(b.entries):
		rel = len(b.entries)
	}
	b.entries = append(b.entries[:rel:rel], entries...)
	b.mu.Unlock()

	select {
	case b.inbox <- Event{Kind: EventIOComplete, IORequestID: requestID}:
	default:
	}
	return nil
}

// TruncateLog implements raft.IOBackend.
func (b *Backend) TruncateLog(index raft.Index) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.firstIndex == 0 || index < b.firstIndex {
		b.entries = nil
		b.firstIndex = 0
		return nil
	}
	rel := int(index - b.firstIndex)
	if rel < len(b.entries) {
		b.entries = b.entries[:rel]
	}
	return nil
}

// SendRequestVote implements raft.IOBackend.
func (b *Backend) SendRequestVote(target raft.ServerID, args raft.RequestVoteArgs) {
	b.net.deliver(b.self, target, Event{Kind: EventRequestVote, From: b.self, RequestVote: args})
}

// SendRequestVoteResponse implements raft.IOBackend.
func (b *Backend) SendRequestVoteResponse(target raft.ServerID, result raft.RequestVoteResult) {
	b.net.deliver(b.self, target, Event{Kind: EventRequestVoteResponse, From: b.self, RequestVoteResult: result})
}

// SendAppendEntries implements raft.IOBackend. The entries the request
// pins are already copied into the Event's own slice header by the time
// this returns, so it is safe to report completion immediately rather
// than wait for the network goroutine to actually deliver it.
func (b *Backend) SendAppendEntries(requestID uint64, target raft.ServerID, args raft.AppendEntriesArgs) {
	b.net.deliver(b.self, target, Event{Kind: EventAppendEntries, From: b.self, AppendEntries: args})
	select {
	case b.inbox <- Event{Kind: EventIOComplete, IORequestID: requestID}:
	default:
	}
}

// SendAppendEntriesResponse implements raft.IOBackend.
func (b *Backend) SendAppendEntriesResponse(target raft.ServerID, result raft.AppendEntriesResult) {
	b.net.deliver(b.self, target, Event{Kind: EventAppendEntriesResponse, From: b.self, AppendEntriesResult: result})
}
