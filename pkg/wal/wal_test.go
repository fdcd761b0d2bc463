package wal

import (
	"testing"
	"time"

	"github.com/cbarrett/raftcore/pkg/raft"
)

func newTestStore(t *testing.T) (*Store, chan error) {
	t.Helper()
	completions := make(chan error, 8)
	s, err := New(t.TempDir(), func(requestID uint64, err error) {
		completions <- err
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, completions
}

func waitComplete(t *testing.T, ch chan error) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("write_log completed with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write_log completion")
	}
}

func TestStoreStartsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	term, votedFor, firstIndex, entries := s.LoadState()
	if term != 0 || votedFor != 0 || firstIndex != 0 || len(entries) != 0 {
		t.Fatalf("expected empty state, got term=%d votedFor=%d firstIndex=%d entries=%d", term, votedFor, firstIndex, len(entries))
	}
}

func TestWriteTermAndVoteArePersisted(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.WriteTerm(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.WriteVote(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	term, votedFor, _, _ := s.LoadState()
	if term != 5 || votedFor != 2 {
		t.Fatalf("expected term=5 votedFor=2, got term=%d votedFor=%d", term, votedFor)
	}
}

func TestWriteLogAppendsEntriesAsynchronously(t *testing.T) {
	s, completions := newTestStore(t)
	entries := []raft.LogEntry{
		{Term: 1, Type: raft.EntryCommand, Buf: []byte("a")},
		{Term: 1, Type: raft.EntryCommand, Buf: []byte("b")},
	}
	if err := s.WriteLog(1, 1, entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitComplete(t, completions)

	_, _, firstIndex, got := s.LoadState()
	if firstIndex != 1 {
		t.Fatalf("expected firstIndex 1, got %d", firstIndex)
	}
	if len(got) != 2 || string(got[0].Buf) != "a" || string(got[1].Buf) != "b" {
		t.Fatalf("unexpected entries after write: %+v", got)
	}
}

func TestWriteLogOverwritesConflictingSuffix(t *testing.T) {
	s, completions := newTestStore(t)
	if err := s.WriteLog(1, 1, []raft.LogEntry{
		{Term: 1, Buf: []byte("a")},
		{Term: 1, Buf: []byte("b")},
		{Term: 1, Buf: []byte("c")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitComplete(t, completions)

	if err := s.WriteLog(2, 2, []raft.LogEntry{
		{Term: 2, Buf: []byte("b2")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitComplete(t, completions)

	_, _, _, got := s.LoadState()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after overwrite, got %d", len(got))
	}
	if got[1].Term != 2 || string(got[1].Buf) != "b2" {
		t.Fatalf("expected entry 2 overwritten, got %+v", got[1])
	}
}

func TestTruncateLogDropsTail(t *testing.T) {
	s, completions := newTestStore(t)
	if err := s.WriteLog(1, 1, []raft.LogEntry{
		{Term: 1, Buf: []byte("a")},
		{Term: 1, Buf: []byte("b")},
		{Term: 1, Buf: []byte("c")},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitComplete(t, completions)

	if err := s.TruncateLog(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, _, _, got := s.LoadState()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after truncate, got %d", len(got))
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	completions := make(chan error, 4)
	s1, err := New(dir, func(requestID uint64, err error) { completions <- err })
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s1.WriteTerm(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.WriteVote(7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.WriteLog(1, 1, []raft.LogEntry{{Term: 3, Buf: []byte("hello")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case err := <-completions:
		if err != nil {
			t.Fatalf("write_log failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write_log completion")
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()
	term, votedFor, firstIndex, entries := s2.LoadState()
	if term != 3 || votedFor != 7 {
		t.Fatalf("expected term=3 votedFor=7 after reopen, got term=%d votedFor=%d", term, votedFor)
	}
	if firstIndex != 1 || len(entries) != 1 || string(entries[0].Buf) != "hello" {
		t.Fatalf("expected one recovered entry 'hello', got firstIndex=%d entries=%+v", firstIndex, entries)
	}
}
