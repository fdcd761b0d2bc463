// Package wal is a disk-backed raft.IOBackend half: it durably persists
// current term, voted-for candidate, and the log entries a Raft has
// accepted, and asynchronously reports write_log completions back to the
// caller so they can be redelivered to the engine as HandleIO events.
//
// Entries are framed with the raft package's own wire codec rather than
// gob: after its CRC header and its fixed term/vote/firstIndex fields, a
// segment holds the entries in byte-for-byte the same batch framing an
// AppendEntries request carries on the network.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cbarrett/raftcore/pkg/raft"
)

const (
	walFileName      = "raft.wal"
	recordHeaderSize = 8 // 4 bytes CRC32 + 4 bytes length
	writeQueueDepth  = 1 // at most one write_log in flight, per raft.IOBackend's contract
)

// Store is the durable half of an IOBackend: WriteTerm/WriteVote/
// TruncateLog are synchronous (the engine assumes they are durable the
// moment the call returns), WriteLog is asynchronous (it queues the write
// and reports completion through the onWriteComplete callback supplied to
// New).
type Store struct {
	mu   sync.Mutex
	dir  string
	file *os.File

	segmentID uuid.UUID

	currentTerm raft.Term
	votedFor    raft.ServerID
	firstIndex  raft.Index
	entries     []raft.LogEntry

	queue    chan writeJob
	complete func(requestID uint64, err error)
	done     chan struct{}
	wg       sync.WaitGroup
}

type writeJob struct {
	requestID  uint64
	firstIndex raft.Index
	entries    []raft.LogEntry
}

// New opens (or creates) a WAL segment under dir and replays it into
// memory. onWriteComplete is invoked, from a private goroutine, once per
// WriteLog call, with the error (nil on success) the disk write produced
// — the caller is responsible for turning that into a HandleIO event on
// the engine's own event-pump goroutine; it must not call into a Raft
// directly from this callback.
func New(dir string, onWriteComplete func(requestID uint64, err error)) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}
	s := &Store{
		dir:       dir,
		segmentID: uuid.New(),
		queue:     make(chan writeJob, writeQueueDepth),
		complete:  onWriteComplete,
		done:      make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("wal: recover: %w", err)
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.queue:
			err := s.applyWrite(job)
			if s.complete != nil {
				s.complete(job.requestID, err)
			}
		case <-s.done:
			return
		}
	}
}

// WriteTerm implements raft.IOBackend.
func (s *Store) WriteTerm(term raft.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = term
	return s.persistLocked()
}

// WriteVote implements raft.IOBackend.
func (s *Store) WriteVote(candidate raft.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidate
	return s.persistLocked()
}

// WriteLog implements raft.IOBackend. It returns raft.ErrIOBusy if a
// previous write_log has not yet completed — which should never happen in
// practice, since the engine itself never issues a second one while one
// is outstanding, but a defensive backend checks anyway.
func (s *Store) WriteLog(requestID uint64, firstIndex raft.Index, entries []raft.LogEntry) error {
	select {
	case s.queue <- writeJob{requestID: requestID, firstIndex: firstIndex, entries: entries}:
		return nil
	default:
		return raft.ErrIOBusy
	}
}

func (s *Store) applyWrite(job writeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstIndex == 0 {
		s.firstIndex = job.firstIndex
	}
	rel := int(job.firstIndex - s.firstIndex)
	switch {
	case rel < 0:
		rel = 0
	case rel > len(s.entries):
		rel = len(s.entries)
	}
	s.entries = append(s.entries[:rel:rel], job.entries...)
	return s.persistLocked()
}

// TruncateLog implements raft.IOBackend.
func (s *Store) TruncateLog(index raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstIndex == 0 || index < s.firstIndex {
		s.entries = nil
		s.firstIndex = 0
		return s.persistLocked()
	}
	rel := int(index - s.firstIndex)
	if rel < len(s.entries) {
		s.entries = s.entries[:rel]
	}
	return s.persistLocked()
}

// LoadState returns the durable term, vote, and log entries recovered at
// open time (or accumulated since). raft.Raft has no method that accepts
// them, so nothing in this repository replays them into an engine.
func (s *Store) LoadState() (term raft.Term, votedFor raft.ServerID, firstIndex raft.Index, entries []raft.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]raft.LogEntry, len(s.entries))
	copy(out, s.entries)
	return s.currentTerm, s.votedFor, s.firstIndex, out
}

// Close stops the background writer and closes the underlying file. Any
// WriteLog queued but not yet applied is lost, matching raft_io's
// documented behavior that a backend abandoned mid-write never reports
// its completion.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// persistLocked rewrites the entire segment as one CRC32-framed record.
// Like the structure it replaced, it trades write amplification for
// simplicity: state is small enough (term, vote, and a bounded working
// set of unapplied entries) that rewriting it whole on every call is
// cheap compared to the fsync that follows it.
func (s *Store) persistLocked() error {
	if s.file == nil {
		f, err := os.OpenFile(filepath.Join(s.dir, walFileName), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("wal: open segment: %w", err)
		}
		s.file = f
	}

	data := s.encodeState()
	crc := crc32.ChecksumIEEE(data)
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return s.file.Sync()
}

// encodeState lays out term (8 bytes), votedFor (8 bytes), firstIndex (8
// bytes), then the entries themselves using raft.EncodeEntriesBatch's
// framing.
func (s *Store) encodeState() []byte {
	fixed := make([]byte, 24)
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(s.currentTerm))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(s.votedFor))
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(s.firstIndex))
	return append(fixed, raft.EncodeEntriesBatch(s.entries)...)
}

func (s *Store) recover() error {
	path := filepath.Join(s.dir, walFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	s.file = f

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil // brand-new, empty segment
		}
		return fmt.Errorf("read header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	if crc32.ChecksumIEEE(data) != crc {
		return fmt.Errorf("CRC mismatch in WAL segment %s", s.segmentID)
	}
	return s.decodeState(data)
}

func (s *Store) decodeState(data []byte) error {
	if len(data) < 24 {
		return fmt.Errorf("truncated WAL record")
	}
	s.currentTerm = raft.Term(binary.LittleEndian.Uint64(data[0:8]))
	s.votedFor = raft.ServerID(binary.LittleEndian.Uint64(data[8:16]))
	s.firstIndex = raft.Index(binary.LittleEndian.Uint64(data[16:24]))
	entries, err := raft.DecodeEntriesBatch(data[24:])
	if err != nil {
		return fmt.Errorf("decode entries: %w", err)
	}
	s.entries = entries
	return nil
}
