package raft

import "testing"

func TestRequestVoteArgsRoundTrip(t *testing.T) {
	want := RequestVoteArgs{Term: 7, CandidateID: 3, LastLogIndex: 42, LastLogTerm: 6}
	got, err := DecodeRequestVoteArgs(EncodeRequestVoteArgs(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRequestVoteResultRoundTrip(t *testing.T) {
	for _, want := range []RequestVoteResult{
		{Term: 5, VoteGranted: true},
		{Term: 5, VoteGranted: false},
	} {
		got, err := DecodeRequestVoteResult(EncodeRequestVoteResult(want))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestAppendEntriesArgsRoundTripWithEntries(t *testing.T) {
	want := AppendEntriesArgs{
		Term:         9,
		LeaderID:     1,
		PrevLogIndex: 10,
		PrevLogTerm:  8,
		LeaderCommit: 10,
		Entries: []LogEntry{
			{Term: 9, Type: EntryCommand, Buf: []byte("hello")},
			{Term: 9, Type: EntryConfiguration, Buf: []byte("x")},
			{Term: 9, Type: EntryCommand, Buf: []byte{}},
		},
	}
	got, err := DecodeAppendEntriesArgs(EncodeAppendEntriesArgs(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Term != want.Term || got.LeaderID != want.LeaderID ||
		got.PrevLogIndex != want.PrevLogIndex || got.PrevLogTerm != want.PrevLogTerm ||
		got.LeaderCommit != want.LeaderCommit {
		t.Fatalf("fixed fields mismatch: got %+v, want %+v", got, want)
	}
	if len(got.Entries) != len(want.Entries) {
		t.Fatalf("expected %d entries, got %d", len(want.Entries), len(got.Entries))
	}
	for i := range want.Entries {
		if got.Entries[i].Term != want.Entries[i].Term || got.Entries[i].Type != want.Entries[i].Type {
			t.Fatalf("entry %d metadata mismatch: got %+v, want %+v", i, got.Entries[i], want.Entries[i])
		}
		if string(got.Entries[i].Buf) != string(want.Entries[i].Buf) {
			t.Fatalf("entry %d data mismatch: got %q, want %q", i, got.Entries[i].Buf, want.Entries[i].Buf)
		}
		if got.Entries[i].Batch == nil {
			t.Fatalf("entry %d expected a shared batch after decode", i)
		}
	}
	if len(want.Entries) > 1 && got.Entries[0].Batch != got.Entries[1].Batch {
		t.Fatalf("expected decoded entries to share one batch")
	}
}

func TestAppendEntriesArgsRoundTripEmptyHeartbeat(t *testing.T) {
	want := AppendEntriesArgs{Term: 2, LeaderID: 1, PrevLogIndex: 4, PrevLogTerm: 2, LeaderCommit: 4}
	got, err := DecodeAppendEntriesArgs(EncodeAppendEntriesArgs(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(got.Entries))
	}
}

func TestAppendEntriesResultRoundTrip(t *testing.T) {
	want := AppendEntriesResult{Term: 3, Success: true, LastLogIndex: 11}
	got, err := DecodeAppendEntriesResult(EncodeAppendEntriesResult(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestConfigurationRoundTrip(t *testing.T) {
	want := Configuration{Servers: []Server{
		{ID: 1, Address: "10.0.0.1:8001", Voting: true},
		{ID: 2, Address: "10.0.0.2:8001", Voting: true},
		{ID: 3, Address: "10.0.0.3:8001", Voting: false},
	}}
	got, err := DecodeConfiguration(EncodeConfiguration(want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Servers) != len(want.Servers) {
		t.Fatalf("expected %d servers, got %d", len(want.Servers), len(got.Servers))
	}
	for i := range want.Servers {
		if got.Servers[i] != want.Servers[i] {
			t.Fatalf("server %d mismatch: got %+v, want %+v", i, got.Servers[i], want.Servers[i])
		}
	}
}

func TestDecodeConfigurationRejectsZeroServerID(t *testing.T) {
	buf := EncodeConfiguration(Configuration{Servers: []Server{
		{ID: 0, Address: "10.0.0.1:8001", Voting: true},
	}})
	if _, err := DecodeConfiguration(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for zero server id, got %v", err)
	}
}

func TestDecodeConfigurationRejectsDuplicateServerID(t *testing.T) {
	buf := EncodeConfiguration(Configuration{Servers: []Server{
		{ID: 1, Address: "10.0.0.1:8001", Voting: true},
		{ID: 1, Address: "10.0.0.2:8001", Voting: true},
	}})
	if _, err := DecodeConfiguration(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for duplicate server id, got %v", err)
	}
}

func TestDecodeConfigurationRejectsMissingAddressTerminator(t *testing.T) {
	address := "10.0.0.1:8001"
	buf := EncodeConfiguration(Configuration{Servers: []Server{
		{ID: 1, Address: address, Voting: true},
	}})
	// The address starts right after the table header (16 bytes) and the
	// record's fixed id/voting/reserved header (16 bytes); overwrite its
	// terminator and the rest of its padding with non-zero bytes so no
	// terminator remains.
	addrStart := 32
	for i := addrStart + len(address); i < len(buf); i++ {
		buf[i] = 'x'
	}
	if _, err := DecodeConfiguration(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for missing address terminator, got %v", err)
	}
}

func TestDecodeMalformedReturnsErrMalformed(t *testing.T) {
	if _, err := DecodeRequestVoteArgs([]byte{1, 2, 3}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := DecodeAppendEntriesArgs([]byte{1, 2, 3}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := DecodeConfiguration([]byte{1, 2, 3}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	truncatedBatch := EncodeAppendEntriesArgs(AppendEntriesArgs{
		Entries: []LogEntry{{Term: 1, Buf: []byte("hello world")}},
	})
	if _, err := DecodeAppendEntriesArgs(truncatedBatch[:len(truncatedBatch)-4]); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed on truncated batch, got %v", err)
	}
}
