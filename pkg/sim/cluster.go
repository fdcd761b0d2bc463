package sim

import (
	"fmt"

	"github.com/cbarrett/raftcore/pkg/fsm"
	"github.com/cbarrett/raftcore/pkg/raft"
)

// node bundles one raft.Raft with its in-memory backend and its share of
// the applied state machine.
type node struct {
	id          raft.ServerID
	raft        *raft.Raft
	backend     *memBackend
	fsm         *fsm.Store
	lastApplied raft.Index
}

// memBackend is the in-memory raft.IOBackend a simulated node uses:
// writes apply synchronously, but completion is still reported by
// scheduling an Event onto the network's queue rather than by a direct
// call back into raft.Raft, preserving the engine's non-reentrancy
// contract even though nothing here is actually concurrent.
type memBackend struct {
	self raft.ServerID
	net  *network

	currentTerm raft.Term
	votedFor    raft.ServerID
	firstIndex  raft.Index
	entries     []raft.LogEntry
}

func (b *memBackend) WriteTerm(term raft.Term) error {
	b.currentTerm = term
	return nil
}

func (b *memBackend) WriteVote(candidate raft.ServerID) error {
	b.votedFor = candidate
	return nil
}

func (b *memBackend) WriteLog(requestID uint64, firstIndex raft.Index, entries []raft.LogEntry) error {
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
	b.net.scheduleLocal(b.self, Event{Kind: EventIOComplete, IORequestID: requestID}, 0)
	return nil
}

func (b *memBackend) TruncateLog(index raft.Index) error {
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

func (b *memBackend) SendRequestVote(target raft.ServerID, args raft.RequestVoteArgs) {
	b.net.send(b.self, target, Event{Kind: EventRequestVote, From: b.self, RequestVote: args})
}

func (b *memBackend) SendRequestVoteResponse(target raft.ServerID, result raft.RequestVoteResult) {
	b.net.send(b.self, target, Event{Kind: EventRequestVoteResponse, From: b.self, RequestVoteResult: result})
}

func (b *memBackend) SendAppendEntries(requestID uint64, target raft.ServerID, args raft.AppendEntriesArgs) {
	b.net.send(b.self, target, Event{Kind: EventAppendEntries, From: b.self, AppendEntries: args})
	b.net.scheduleLocal(b.self, Event{Kind: EventIOComplete, IORequestID: requestID}, 0)
}

func (b *memBackend) SendAppendEntriesResponse(target raft.ServerID, result raft.AppendEntriesResult) {
	b.net.send(b.self, target, Event{Kind: EventAppendEntriesResponse, From: b.self, AppendEntriesResult: result})
}

// Cluster is a set of raft.Raft engines driven by a single virtual clock.
// Every call into it — Advance, Submit, Partition — runs on the caller's
// goroutine; nothing here spawns one of its own.
type Cluster struct {
	net   *network
	nodes map[raft.ServerID]*node
	order []raft.ServerID
	seed  int64
}

// New builds a Cluster of size nodes, bootstraps them with a shared
// initial configuration, and wires each one's IOBackend to the shared
// deterministic network.
func New(size int, seed int64) (*Cluster, error) {
	servers := make([]raft.Server, size)
	for i := 0; i < size; i++ {
		id := raft.ServerID(i + 1)
		servers[i] = raft.Server{ID: id, Address: fmt.Sprintf("sim-node-%d", id), Voting: true}
	}
	config := raft.Configuration{Servers: servers}

	c := &Cluster{
		net:   newNetwork(seed),
		nodes: make(map[raft.ServerID]*node, size),
		seed:  seed,
	}
	for _, s := range servers {
		backend := &memBackend{self: s.ID, net: c.net}
		r := raft.New(raft.Config{
			ID:                   s.ID,
			IO:                   backend,
			Seed:                 seed + int64(s.ID),
			ElectionTimeoutMinMs: 150,
			ElectionTimeoutMaxMs: 300,
			HeartbeatIntervalMs:  50,
		})
		if err := r.Bootstrap(config); err != nil {
			return nil, fmt.Errorf("sim: bootstrap node %d: %w", s.ID, err)
		}
		c.nodes[s.ID] = &node{id: s.ID, raft: r, backend: backend, fsm: fsm.New()}
		c.order = append(c.order, s.ID)
	}
	return c, nil
}

// Advance steps the virtual clock forward by deltaMs one millisecond at a
// time, ticking every node and draining whatever the network has
// scheduled for each instant, then applying any commands newly committed
// as a result.
func (c *Cluster) Advance(deltaMs int64) {
	for i := int64(0); i < deltaMs; i++ {
		c.net.now++
		for _, id := range c.order {
			c.nodes[id].raft.Tick(1)
		}
		for _, sch := range c.net.due(c.net.now) {
			c.dispatch(sch.to, sch.ev)
		}
		c.applyCommitted()
	}
}

func (c *Cluster) dispatch(to raft.ServerID, ev Event) {
	n, ok := c.nodes[to]
	if !ok {
		return
	}
	switch ev.Kind {
	case EventRequestVote:
		n.raft.HandleRequestVote(ev.From, ev.RequestVote)
	case EventRequestVoteResponse:
		n.raft.HandleRequestVoteResponse(ev.From, ev.RequestVoteResult)
	case EventAppendEntries:
		n.raft.HandleAppendEntries(ev.From, ev.AppendEntries)
	case EventAppendEntriesResponse:
		n.raft.HandleAppendEntriesResponse(ev.From, ev.AppendEntriesResult)
	case EventIOComplete:
		n.raft.HandleIO(ev.IORequestID, ev.IOErr)
	}
}

// applyCommitted drives every node's fsm.Store forward to each node's
// current CommitIndex. The core itself never does this — it is exactly
// the external collaborator spec.md's non-goals describe.
func (c *Cluster) applyCommitted() {
	for _, n := range c.nodes {
		commit := n.raft.CommitIndex()
		for idx := n.lastApplied + 1; idx <= commit; idx++ {
			entry := n.raft.Entry(idx)
			if entry == nil {
				break
			}
			if entry.Type == raft.EntryCommand {
				n.fsm.Apply(entry.Buf)
			}
			n.lastApplied = idx
		}
	}
}

// Submit submits bufs through whichever node currently believes itself
// leader, returning ErrNotLeader-shaped behavior (no leader yet) as an
// error if none does.
func (c *Cluster) Submit(bufs [][]byte) (raft.Index, error) {
	leader := c.Leader()
	if leader == nil {
		return 0, fmt.Errorf("sim: no leader to submit to")
	}
	return leader.raft.Submit(bufs)
}

// Leader returns the node currently in the Leader role, or nil.
func (c *Cluster) Leader() *node {
	for _, id := range c.order {
		if c.nodes[id].raft.Role() == raft.Leader {
			return c.nodes[id]
		}
	}
	return nil
}

// WaitForLeader advances the clock in small steps until some node becomes
// leader or maxMs elapses.
func (c *Cluster) WaitForLeader(maxMs int64) *node {
	const step = 10
	for elapsed := int64(0); elapsed < maxMs; elapsed += step {
		if l := c.Leader(); l != nil {
			return l
		}
		c.Advance(step)
	}
	return c.Leader()
}

// LeaderCount returns how many nodes currently believe themselves leader
// — used by invariant checks that expect at most one.
func (c *Cluster) LeaderCount() int {
	count := 0
	for _, id := range c.order {
		if c.nodes[id].raft.Role() == raft.Leader {
			count++
		}
	}
	return count
}

// Node exposes one node's raft.Raft for direct inspection in tests.
func (c *Cluster) Node(id raft.ServerID) *raft.Raft {
	if n, ok := c.nodes[id]; ok {
		return n.raft
	}
	return nil
}

// FSM exposes one node's applied state machine for direct inspection.
func (c *Cluster) FSM(id raft.ServerID) *fsm.Store {
	if n, ok := c.nodes[id]; ok {
		return n.fsm
	}
	return nil
}

// Partition isolates id from every other node, in both directions.
func (c *Cluster) Partition(id raft.ServerID) {
	c.net.Partition(id, c.order)
}

// Heal reverses a Partition for id.
func (c *Cluster) Heal(id raft.ServerID) {
	c.net.Heal(id, c.order)
}

// HealAll clears every partition and link condition in the cluster.
func (c *Cluster) HealAll() {
	c.net.HealAll()
}

// Kill removes id from the node rotation entirely: it is ticked no
// further and can neither send nor receive, simulating a crashed
// process rather than a network partition.
func (c *Cluster) Kill(id raft.ServerID) {
	c.net.Partition(id, c.order)
	newOrder := c.order[:0:0]
	for _, existing := range c.order {
		if existing != id {
			newOrder = append(newOrder, existing)
		}
	}
	c.order = newOrder
}

// Seed returns the seed this Cluster was constructed with, for
// reproducing a failing run.
func (c *Cluster) Seed() int64 { return c.seed }
