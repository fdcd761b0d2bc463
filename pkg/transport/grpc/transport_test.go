package grpc

import (
	"testing"
	"time"

	"github.com/cbarrett/raftcore/pkg/raft"
)

func TestRequestVoteRoundTripsOverRealSockets(t *testing.T) {
	inboxA := make(chan Event, 8)
	inboxB := make(chan Event, 8)

	peers := map[raft.ServerID]string{1: "127.0.0.1:17601", 2: "127.0.0.1:17602"}
	a := NewTransport(1, peers[1], peers, inboxA, nil)
	b := NewTransport(2, peers[2], peers, inboxB, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	a.SendRequestVote(2, raft.RequestVoteArgs{Term: 4, CandidateID: 1, LastLogIndex: 9, LastLogTerm: 3})

	select {
	case ev := <-inboxB:
		if ev.Kind != EventRequestVote {
			t.Fatalf("expected EventRequestVote, got %v", ev.Kind)
		}
		if ev.From != 1 || ev.RequestVote.Term != 4 || ev.RequestVote.LastLogIndex != 9 {
			t.Fatalf("unexpected decoded args: %+v from %d", ev.RequestVote, ev.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RequestVote to arrive")
	}
}

func TestAppendEntriesResponseRoundTrips(t *testing.T) {
	inboxA := make(chan Event, 8)
	inboxB := make(chan Event, 8)

	peers := map[raft.ServerID]string{1: "127.0.0.1:17611", 2: "127.0.0.1:17612"}
	a := NewTransport(1, peers[1], peers, inboxA, nil)
	b := NewTransport(2, peers[2], peers, inboxB, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	b.SendAppendEntriesResponse(1, raft.AppendEntriesResult{Term: 7, Success: true, LastLogIndex: 42})

	select {
	case ev := <-inboxA:
		if ev.Kind != EventAppendEntriesResponse {
			t.Fatalf("expected EventAppendEntriesResponse, got %v", ev.Kind)
		}
		if ev.From != 2 || ev.AppendEntriesResult.Term != 7 || ev.AppendEntriesResult.LastLogIndex != 42 {
			t.Fatalf("unexpected decoded result: %+v from %d", ev.AppendEntriesResult, ev.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AppendEntriesResponse to arrive")
	}
}

func TestSendAppendEntriesReportsIOCompleteImmediately(t *testing.T) {
	inboxA := make(chan Event, 8)
	inboxB := make(chan Event, 8)

	peers := map[raft.ServerID]string{1: "127.0.0.1:17621", 2: "127.0.0.1:17622"}
	a := NewTransport(1, peers[1], peers, inboxA, nil)
	b := NewTransport(2, peers[2], peers, inboxB, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer a.Stop()
	defer b.Stop()

	a.SendAppendEntries(99, 2, raft.AppendEntriesArgs{Term: 1, LeaderID: 1})

	select {
	case ev := <-inboxA:
		if ev.Kind != EventIOComplete || ev.IORequestID != 99 {
			t.Fatalf("expected immediate EventIOComplete for request 99, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IO completion")
	}
}

func TestUnreachablePeerDropsSilently(t *testing.T) {
	inboxA := make(chan Event, 8)
	peers := map[raft.ServerID]string{1: "127.0.0.1:17631"}
	a := NewTransport(1, peers[1], peers, inboxA, nil)
	if err := a.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()

	done := make(chan struct{})
	go func() {
		a.SendRequestVote(42, raft.RequestVoteArgs{Term: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send to unknown peer should fail fast, not hang")
	}
}
