package raft

import (
	"encoding/binary"
)

// This file implements the bit-exact little-endian wire format described by
// spec.md §4.2 (itself transcribed from original_source/include/raft.h's
// comment above raft_decode_entries_batch). Every multi-byte integer is
// little-endian; every variable-length field is padded with zero bytes up
// to the next multiple of 8 so records stay naturally aligned. Only
// encoding/binary is used here, deliberately: any higher-level encoder
// (gob, protobuf, JSON) would pick its own layout, and this layout must be
// identical across every implementation that speaks this protocol.

const (
	requestVoteArgsLen = 32 // term, candidate_id, last_log_index, last_log_term
	// requestVoteResultLen pads vote_granted's trailing byte out to 8-byte
	// alignment, the same reserved-padding treatment AppendEntries result
	// gives success(1); see DESIGN.md for why this is wider than the
	// unpadded 9-byte layout.
	requestVoteResultLen      = 16 // term, vote_granted (+ 7 bytes reserved)
	appendEntriesArgsFixedLen = 40 // term, leader_id, prev_log_index, prev_log_term, leader_commit
	appendEntriesResultLen    = 24 // term, success (+ padding), last_log_index
	entryHeaderLen            = 16 // term, type, 3 bytes reserved, data_len
)

func align8(n int) int {
	return (n + 7) &^ 7
}

func putBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}

// EncodeRequestVoteArgs encodes a RequestVote RPC request.
func EncodeRequestVoteArgs(a RequestVoteArgs) []byte {
	out := make([]byte, requestVoteArgsLen)
	binary.LittleEndian.PutUint64(out[0:8], uint64(a.Term))
	binary.LittleEndian.PutUint64(out[8:16], uint64(a.CandidateID))
	binary.LittleEndian.PutUint64(out[16:24], uint64(a.LastLogIndex))
	binary.LittleEndian.PutUint64(out[24:32], uint64(a.LastLogTerm))
	return out
}

// DecodeRequestVoteArgs decodes a RequestVote RPC request.
func DecodeRequestVoteArgs(buf []byte) (RequestVoteArgs, error) {
	if len(buf) != requestVoteArgsLen {
		return RequestVoteArgs{}, ErrMalformed
	}
	return RequestVoteArgs{
		Term:         Term(binary.LittleEndian.Uint64(buf[0:8])),
		CandidateID:  ServerID(binary.LittleEndian.Uint64(buf[8:16])),
		LastLogIndex: Index(binary.LittleEndian.Uint64(buf[16:24])),
		LastLogTerm:  Term(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

// EncodeRequestVoteResult encodes a RequestVote RPC reply.
func EncodeRequestVoteResult(r RequestVoteResult) []byte {
	out := make([]byte, requestVoteResultLen)
	binary.LittleEndian.PutUint64(out[0:8], uint64(r.Term))
	putBool(out[8:9], r.VoteGranted)
	return out
}

// DecodeRequestVoteResult decodes a RequestVote RPC reply.
func DecodeRequestVoteResult(buf []byte) (RequestVoteResult, error) {
	if len(buf) != requestVoteResultLen {
		return RequestVoteResult{}, ErrMalformed
	}
	return RequestVoteResult{
		Term:        Term(binary.LittleEndian.Uint64(buf[0:8])),
		VoteGranted: buf[8] != 0,
	}, nil
}

// EncodeAppendEntriesArgs encodes an AppendEntries RPC request, including
// its entries batch.
func EncodeAppendEntriesArgs(a AppendEntriesArgs) []byte {
	batch := encodeEntriesBatch(a.Entries)
	out := make([]byte, appendEntriesArgsFixedLen+len(batch))
	binary.LittleEndian.PutUint64(out[0:8], uint64(a.Term))
	binary.LittleEndian.PutUint64(out[8:16], uint64(a.LeaderID))
	binary.LittleEndian.PutUint64(out[16:24], uint64(a.PrevLogIndex))
	binary.LittleEndian.PutUint64(out[24:32], uint64(a.PrevLogTerm))
	binary.LittleEndian.PutUint64(out[32:40], uint64(a.LeaderCommit))
	copy(out[appendEntriesArgsFixedLen:], batch)
	return out
}

// DecodeAppendEntriesArgs decodes an AppendEntries RPC request. All decoded
// entries share a single Batch: they arrived together on the wire and are
// released together.
func DecodeAppendEntriesArgs(buf []byte) (AppendEntriesArgs, error) {
	if len(buf) < appendEntriesArgsFixedLen {
		return AppendEntriesArgs{}, ErrMalformed
	}
	entries, err := decodeEntriesBatch(buf[appendEntriesArgsFixedLen:])
	if err != nil {
		return AppendEntriesArgs{}, err
	}
	return AppendEntriesArgs{
		Term:         Term(binary.LittleEndian.Uint64(buf[0:8])),
		LeaderID:     ServerID(binary.LittleEndian.Uint64(buf[8:16])),
		PrevLogIndex: Index(binary.LittleEndian.Uint64(buf[16:24])),
		PrevLogTerm:  Term(binary.LittleEndian.Uint64(buf[24:32])),
		Entries:      entries,
		LeaderCommit: Index(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// EncodeAppendEntriesResult encodes an AppendEntries RPC reply.
func EncodeAppendEntriesResult(r AppendEntriesResult) []byte {
	out := make([]byte, appendEntriesResultLen)
	binary.LittleEndian.PutUint64(out[0:8], uint64(r.Term))
	putBool(out[8:9], r.Success)
	binary.LittleEndian.PutUint64(out[16:24], uint64(r.LastLogIndex))
	return out
}

// DecodeAppendEntriesResult decodes an AppendEntries RPC reply.
func DecodeAppendEntriesResult(buf []byte) (AppendEntriesResult, error) {
	if len(buf) != appendEntriesResultLen {
		return AppendEntriesResult{}, ErrMalformed
	}
	return AppendEntriesResult{
		Term:         Term(binary.LittleEndian.Uint64(buf[0:8])),
		Success:      buf[8] != 0,
		LastLogIndex: Index(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// EncodeEntriesBatch exposes the batch framing used inside AppendEntries
// requests for standalone use by an I/O backend persisting entries to
// disk (see pkg/wal), so the on-disk format matches the wire format
// instead of diverging into an ad hoc encoding of its own.
func EncodeEntriesBatch(entries []LogEntry) []byte {
	return encodeEntriesBatch(entries)
}

// DecodeEntriesBatch is the inverse of EncodeEntriesBatch.
func DecodeEntriesBatch(buf []byte) ([]LogEntry, error) {
	return decodeEntriesBatch(buf)
}

// encodeEntriesBatch lays out n (8 bytes), then one 16-byte header per
// entry (term, type, 3 reserved bytes, data_len), then every entry's data
// padded up to the next multiple of 8 bytes.
func encodeEntriesBatch(entries []LogEntry) []byte {
	total := 8
	for _, e := range entries {
		total += entryHeaderLen + align8(len(e.Buf))
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(entries)))
	off := 8
	for _, e := range entries {
		binary.LittleEndian.PutUint64(out[off:off+8], uint64(e.Term))
		out[off+8] = byte(e.Type)
		// out[off+9 : off+12] left zero: reserved
		binary.LittleEndian.PutUint32(out[off+12:off+16], uint32(len(e.Buf)))
		off += entryHeaderLen
		copy(out[off:off+len(e.Buf)], e.Buf)
		off += align8(len(e.Buf))
	}
	return out
}

// decodeEntriesBatch is the inverse of encodeEntriesBatch. All entries it
// returns share one freshly allocated Batch backing every Buf sub-slice, so
// the caller gets the same zero-copy sharing a locally appended batch
// would have.
func decodeEntriesBatch(buf []byte) ([]LogEntry, error) {
	if len(buf) < 8 {
		return nil, ErrMalformed
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	if n == 0 {
		return nil, nil
	}
	type header struct {
		term    Term
		typ     EntryType
		dataLen int
		dataOff int
	}
	headers := make([]header, 0, n)
	dataTotal := 0
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+entryHeaderLen > len(buf) {
			return nil, ErrMalformed
		}
		term := Term(binary.LittleEndian.Uint64(buf[off : off+8]))
		typ := EntryType(buf[off+8])
		dataLen := int(binary.LittleEndian.Uint32(buf[off+12 : off+16]))
		off += entryHeaderLen
		if dataLen < 0 || off+align8(dataLen) > len(buf) {
			return nil, ErrMalformed
		}
		headers = append(headers, header{term, typ, dataLen, off})
		dataTotal += dataLen
		off += align8(dataLen)
	}
	batch := &Batch{Data: make([]byte, dataTotal)}
	entries := make([]LogEntry, n)
	dataOff := 0
	for i, h := range headers {
		entryBuf := batch.Data[dataOff : dataOff+h.dataLen]
		copy(entryBuf, buf[h.dataOff:h.dataOff+h.dataLen])
		entries[i] = LogEntry{Term: h.term, Type: h.typ, Buf: entryBuf, Batch: batch}
		dataOff += h.dataLen
	}
	return entries, nil
}

// EncodeConfiguration encodes a Configuration as the payload of a
// CONFIGURATION log entry: a version byte, the server count, then one
// record per server: id(8) | voting(1) | reserved(7) | address bytes
// terminated by a zero byte, with the address-plus-terminator padded so
// the next record starts on an 8-byte boundary.
func EncodeConfiguration(c Configuration) []byte {
	const version = 1
	total := 16 // version (+ reserved) + server count
	for _, s := range c.Servers {
		total += 16 + align8(len(s.Address)+1)
	}
	out := make([]byte, total)
	out[0] = version
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(c.Servers)))
	off := 16
	for _, s := range c.Servers {
		binary.LittleEndian.PutUint64(out[off:off+8], uint64(s.ID))
		putBool(out[off+8:off+9], s.Voting)
		// out[off+9 : off+16] left zero: reserved
		off += 16
		copy(out[off:off+len(s.Address)], s.Address)
		// out[off+len(s.Address)] left zero: null terminator
		off += align8(len(s.Address) + 1)
	}
	return out
}

// DecodeConfiguration decodes a Configuration previously written by
// EncodeConfiguration. It fails with ErrMalformed on a wrong version
// byte, a truncated record, an address missing its zero terminator, or
// a zero or duplicate server id.
func DecodeConfiguration(buf []byte) (Configuration, error) {
	if len(buf) < 16 {
		return Configuration{}, ErrMalformed
	}
	if buf[0] != 1 {
		return Configuration{}, ErrMalformed
	}
	n := binary.LittleEndian.Uint64(buf[8:16])
	servers := make([]Server, 0, n)
	seen := make(map[ServerID]bool, n)
	off := 16
	for i := uint64(0); i < n; i++ {
		if off+16 > len(buf) {
			return Configuration{}, ErrMalformed
		}
		id := ServerID(binary.LittleEndian.Uint64(buf[off : off+8]))
		voting := buf[off+8] != 0
		off += 16

		if id == 0 || seen[id] {
			return Configuration{}, ErrMalformed
		}

		term := -1
		for j := off; j < len(buf); j++ {
			if buf[j] == 0 {
				term = j
				break
			}
		}
		if term < 0 {
			return Configuration{}, ErrMalformed
		}
		addr := string(buf[off:term])
		recLen := align8(len(addr) + 1)
		if off+recLen > len(buf) {
			return Configuration{}, ErrMalformed
		}
		off += recLen

		seen[id] = true
		servers = append(servers, Server{ID: id, Address: addr, Voting: voting})
	}
	return Configuration{Servers: servers}, nil
}
