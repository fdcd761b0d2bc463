// Package sim is a deterministic cluster simulator: one goroutine steps a
// virtual clock, ticks every raft.Raft, and drains a priority queue of
// scheduled deliveries. There are no real goroutines and no wall-clock
// reads anywhere in this package — a given seed reproduces an identical
// run, which is what distinguishes it from pkg/transport/local's
// real-concurrency, non-deterministic fabric.
package sim

import (
	"container/heap"
	"math/rand"

	"github.com/cbarrett/raftcore/pkg/raft"
)

// EventKind tags what a scheduled delivery becomes once it reaches a
// node.
type EventKind int

const (
	EventRequestVote EventKind = iota
	EventRequestVoteResponse
	EventAppendEntries
	EventAppendEntriesResponse
	EventIOComplete
)

// Event is what the network schedules for delivery to one node.
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

// NetworkCondition describes the link from one node to another.
type NetworkCondition struct {
	DelayMs     int64
	DropRate    float64
	Partitioned bool
}

type scheduled struct {
	at  int64
	seq uint64
	to  raft.ServerID
	ev  Event
}

type eventHeap []*scheduled

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*scheduled)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// network is the deterministic delivery fabric: every send is scheduled
// at a virtual timestamp and only handed to a node when Cluster.Advance's
// loop reaches that timestamp.
type network struct {
	now        int64
	seq        uint64
	q          eventHeap
	conditions map[raft.ServerID]map[raft.ServerID]*NetworkCondition
	rng        *rand.Rand
}

func newNetwork(seed int64) *network {
	n := &network{
		conditions: make(map[raft.ServerID]map[raft.ServerID]*NetworkCondition),
		rng:        rand.New(rand.NewSource(seed)),
	}
	heap.Init(&n.q)
	return n
}

func (n *network) condition(from, to raft.ServerID) *NetworkCondition {
	if n.conditions[from] == nil {
		return nil
	}
	return n.conditions[from][to]
}

// SetCondition installs a link condition from -> to.
func (n *network) SetCondition(from, to raft.ServerID, cond *NetworkCondition) {
	if n.conditions[from] == nil {
		n.conditions[from] = make(map[raft.ServerID]*NetworkCondition)
	}
	n.conditions[from][to] = cond
}

// Partition isolates id from every other known peer in both directions.
func (n *network) Partition(id raft.ServerID, peers []raft.ServerID) {
	for _, other := range peers {
		if other == id {
			continue
		}
		n.SetCondition(id, other, &NetworkCondition{Partitioned: true})
		n.SetCondition(other, id, &NetworkCondition{Partitioned: true})
	}
}

// Heal reverses a Partition for id.
func (n *network) Heal(id raft.ServerID, peers []raft.ServerID) {
	for _, other := range peers {
		if other == id {
			continue
		}
		delete(n.conditions[id], other)
		delete(n.conditions[other], id)
	}
}

// HealAll clears every link condition.
func (n *network) HealAll() {
	n.conditions = make(map[raft.ServerID]map[raft.ServerID]*NetworkCondition)
}

// send schedules ev for delivery to to, honoring the from->to link
// condition: partitioned or randomly dropped sends never reach the
// queue at all, matching the "no built-in retransmission" rule every
// transport in this repository follows.
func (n *network) send(from, to raft.ServerID, ev Event) {
	cond := n.condition(from, to)
	delay := int64(0)
	if cond != nil {
		if cond.Partitioned {
			return
		}
		if cond.DropRate > 0 && n.rng.Float64() < cond.DropRate {
			return
		}
		delay = cond.DelayMs
	}
	n.scheduleLocal(to, ev, delay)
}

// scheduleLocal queues ev for to without consulting link conditions —
// used for same-node I/O completions, which are never subject to network
// partition or drop.
func (n *network) scheduleLocal(to raft.ServerID, ev Event, delayMs int64) {
	n.seq++
	heap.Push(&n.q, &scheduled{at: n.now + delayMs, seq: n.seq, to: to, ev: ev})
}

// due pops and returns every entry scheduled at or before now, in
// timestamp then insertion order.
func (n *network) due(now int64) []*scheduled {
	var out []*scheduled
	for n.q.Len() > 0 && n.q[0].at <= now {
		out = append(out, heap.Pop(&n.q).(*scheduled))
	}
	return out
}
