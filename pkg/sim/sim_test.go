package sim

import (
	"testing"

	"github.com/cbarrett/raftcore/pkg/fsm"
	"github.com/cbarrett/raftcore/pkg/raft"
)

// S1: 3 servers, all alive, tick 600ms -> exactly one leader, others
// Followers.
func TestS1ThreeServersElectExactlyOneLeader(t *testing.T) {
	c, err := New(3, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Advance(600)

	if got := c.LeaderCount(); got != 1 {
		t.Fatalf("expected exactly one leader, got %d", got)
	}
	leader := c.Leader()
	for _, id := range c.order {
		if id == leader.id {
			continue
		}
		if role := c.Node(id).Role(); role != raft.Follower {
			t.Errorf("node %d: expected Follower, got %v", id, role)
		}
	}
}

// S2: leader elected, client submits a 4KiB buffer, commit_index
// reaches last_index within 2*heartbeat and all followers' logs
// match.
func TestS2CommittedEntryReplicatesToAllFollowers(t *testing.T) {
	c, err := New(3, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WaitForLeader(1000)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	idx, err := c.Submit([][]byte{buf})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c.Advance(2 * 50) // two heartbeat intervals (HeartbeatIntervalMs is 50)

	for _, id := range c.order {
		n := c.Node(id)
		if n.CommitIndex() < idx {
			t.Errorf("node %d: commit index %d has not reached %d", id, n.CommitIndex(), idx)
		}
		entry := n.Entry(idx)
		if entry == nil || string(entry.Buf) != string(buf) {
			t.Errorf("node %d: entry at %d does not match submitted buffer", id, idx)
		}
	}

	ic := NewInvariantChecker()
	ic.Collect(c)
	if violations := ic.Check(); len(violations) > 0 {
		t.Errorf("invariant violations: %+v", violations)
	}
	if ok, diffs := CompareStateMachines(c); !ok {
		t.Errorf("state machines diverged: %v", diffs)
	}
}

// S3: 5 servers, leader elected, kill 2 non-leaders, submit a
// COMMAND -> entry still commits (majority = 3).
func TestS3EntryCommitsWithMajorityAfterKillingMinority(t *testing.T) {
	c, err := New(5, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	leader := c.WaitForLeader(1000)
	if leader == nil {
		t.Fatal("no leader elected")
	}

	killed := 0
	for _, id := range c.order {
		if id == leader.id || killed >= 2 {
			continue
		}
		c.Kill(id)
		killed++
	}

	cmd, _ := fsm.EncodeCommand(fsm.CommandSet, "k", []byte("v"), "client1", 1)
	idx, err := c.Submit([][]byte{cmd})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c.Advance(500)

	if c.Node(leader.id).CommitIndex() < idx {
		t.Fatalf("leader never committed index %d with a surviving majority", idx)
	}
}

// S4: 5 servers, leader elected, kill leader + 2 followers, tick
// until timers expire -> no new leader (no majority); commit_index
// stable.
func TestS4NoLeaderWithoutMajority(t *testing.T) {
	c, err := New(5, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	leader := c.WaitForLeader(1000)
	if leader == nil {
		t.Fatal("no leader elected")
	}
	commitBefore := c.Node(leader.id).CommitIndex()

	c.Kill(leader.id)
	killed := 0
	for _, id := range append([]raft.ServerID{}, c.order...) {
		if killed >= 2 {
			break
		}
		c.Kill(id)
		killed++
	}

	c.Advance(2000)

	if got := c.LeaderCount(); got != 0 {
		t.Fatalf("expected no leader without a majority of survivors, got %d", got)
	}
	for _, id := range c.order {
		if got := c.Node(id).CommitIndex(); got != commitBefore {
			t.Errorf("node %d: commit index moved from %d to %d without a majority", id, commitBefore, got)
		}
	}
}

// S5: 3 servers, disconnect leader from one follower, tick 2s ->
// leader remains and commit continues on the connected follower; the
// partitioned follower eventually becomes Candidate at a higher term;
// once reconnected the leader steps down and a new leader is elected
// at the higher term.
func TestS5PartitionedFollowerElectsHigherTermOnReconnect(t *testing.T) {
	c, err := New(3, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	leader := c.WaitForLeader(1000)
	if leader == nil {
		t.Fatal("no leader elected")
	}
	leaderTerm := c.Node(leader.id).CurrentTerm()

	var isolated, connected raft.ServerID
	for _, id := range c.order {
		if id == leader.id {
			continue
		}
		if isolated == 0 {
			isolated = id
		} else {
			connected = id
		}
	}

	c.net.SetCondition(leader.id, isolated, &NetworkCondition{Partitioned: true})
	c.net.SetCondition(isolated, leader.id, &NetworkCondition{Partitioned: true})

	c.Advance(2000)

	if c.Node(leader.id).Role() != raft.Leader {
		t.Fatalf("leader with a surviving majority (self + %d) should remain leader", connected)
	}
	if c.Node(isolated).Role() != raft.Candidate {
		t.Errorf("isolated node %d: expected Candidate after repeated election timeouts, got %v", isolated, c.Node(isolated).Role())
	}
	if c.Node(isolated).CurrentTerm() <= leaderTerm {
		t.Errorf("isolated node %d: expected term above %d, got %d", isolated, leaderTerm, c.Node(isolated).CurrentTerm())
	}

	c.net.SetCondition(leader.id, isolated, nil)
	c.net.SetCondition(isolated, leader.id, nil)

	c.Advance(1000)

	newLeader := c.Leader()
	if newLeader == nil {
		t.Fatal("no leader after reconnecting at the higher term")
	}
	if got := c.Node(newLeader.id).CurrentTerm(); got < c.Node(isolated).CurrentTerm() {
		t.Errorf("expected the cluster to settle at term >= %d, got %d", c.Node(isolated).CurrentTerm(), got)
	}
	if got := c.LeaderCount(); got != 1 {
		t.Errorf("expected exactly one leader after reconnect, got %d", got)
	}
}

func TestLinearizabilityCheckerFlagsStaleRead(t *testing.T) {
	lc := NewLinearizabilityChecker()
	set := lc.Invoke(OpSet, "k", 0)
	set.Ok("v1", 5)

	get := lc.Invoke(OpGet, "k", 10)
	get.Ok("stale", 12)

	violations := lc.Check()
	if len(violations) == 0 {
		t.Fatal("expected a violation for a read that ignores a completed write")
	}
}

func TestLinearizabilityCheckerAcceptsConsistentHistory(t *testing.T) {
	lc := NewLinearizabilityChecker()
	set := lc.Invoke(OpSet, "k", 0)
	set.Ok("v1", 5)

	get := lc.Invoke(OpGet, "k", 10)
	get.Ok("v1", 12)

	if violations := lc.Check(); len(violations) != 0 {
		t.Errorf("expected no violations, got %+v", violations)
	}
}
