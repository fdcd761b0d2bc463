package raft

// Log is a ring-buffered, reference-counted cache of the replicated log.
// size is always a power of two; front and back are wrap-around slot
// indices with n_entries = (back - front) mod size; offset is the index of
// the entry that would sit just before slot front, so the entry stored at
// slot front has index offset+1.
//
// refs is the reference-count table described by spec §4.1. A Go map
// keyed by Index, holding a slice of *EntryRef per key, already is the
// "bucket by index mod table_size, chain collisions" hash table the spec
// describes — introducing a second, hand-rolled bucket array on top of a
// map would only hide the same lookup behind extra code.
type Log struct {
	entries []LogEntry
	size    int
	front   int
	back    int
	offset  Index
	refs    map[Index][]*EntryRef
}

const logInitialSize = 8

// NewLog returns an empty log with offset 0 (no entries, no configuration).
func NewLog() *Log {
	return &Log{
		entries: make([]LogEntry, logInitialSize),
		size:    logInitialSize,
		refs:    make(map[Index][]*EntryRef),
	}
}

// NEntries returns the number of entries currently in the log.
func (l *Log) NEntries() int {
	return (l.back - l.front + l.size) % l.size
}

// FirstIndex returns the index of the oldest entry in the log (offset+1,
// whether or not an entry actually occupies it — callers compare against
// LastIndex to know whether the range is non-empty).
func (l *Log) FirstIndex() Index {
	return l.offset + 1
}

// LastIndex returns the index of the newest entry in the log.
func (l *Log) LastIndex() Index {
	return l.offset + Index(l.NEntries())
}

// TermOf returns the term of the entry at index, or 0 if index is the
// sentinel (0) or outside [FirstIndex, LastIndex].
func (l *Log) TermOf(index Index) Term {
	if index == 0 || index < l.FirstIndex() || index > l.LastIndex() {
		return 0
	}
	return l.entries[l.slotFor(index)].Term
}

// LastTerm is a convenience for TermOf(LastIndex()).
func (l *Log) LastTerm() Term {
	return l.TermOf(l.LastIndex())
}

func (l *Log) slotFor(index Index) int {
	return (l.front + int(index-l.FirstIndex())) % l.size
}

// full reports whether only one free slot is left. That slot is never
// filled: with every slot in use back would equal front, and NEntries would
// read the ring as empty.
func (l *Log) full() bool {
	return l.NEntries()+1 >= l.size
}

// grow doubles capacity and copies the live range to the front of the new
// backing array.
func (l *Log) grow() {
	newSize := l.size * 2
	newEntries := make([]LogEntry, newSize)
	n := l.NEntries()
	for i := 0; i < n; i++ {
		newEntries[i] = l.entries[(l.front+i)%l.size]
	}
	l.entries = newEntries
	l.size = newSize
	l.front = 0
	l.back = n
}

// Append adds a new entry to the tail of the log and returns its index.
// Ownership of buf (and batch, if non-nil) is transferred to the log: the
// caller must not mutate it afterward.
func (l *Log) Append(term Term, typ EntryType, buf []byte, batch *Batch) Index {
	if l.full() {
		l.grow()
	}
	index := l.offset + Index(l.NEntries()) + 1
	l.entries[l.back] = LogEntry{Term: term, Type: typ, Buf: buf, Batch: batch}
	if batch != nil {
		batch.live++
	}
	l.back = (l.back + 1) % l.size
	l.refs[index] = append(l.refs[index], &EntryRef{Term: term, Index: index, Count: 1})
	return index
}

// Get returns a pointer to the entry at index, stable until the entry is
// shifted or truncated away, or nil if index is out of range.
func (l *Log) Get(index Index) *LogEntry {
	if index < l.FirstIndex() || index > l.LastIndex() {
		return nil
	}
	return &l.entries[l.slotFor(index)]
}

// Acquire returns a contiguous snapshot of entries [fromIndex, LastIndex],
// incrementing each entry's reference count (and the live count of its
// batch, if it has one) by one. The returned slice's
// entries share their Buf/Batch pointers with the log (zero-copy); the
// caller must pass the same fromIndex and slice back to Release once done.
func (l *Log) Acquire(fromIndex Index) []LogEntry {
	last := l.LastIndex()
	if fromIndex > last {
		return nil
	}
	if fromIndex < l.FirstIndex() {
		fromIndex = l.FirstIndex()
	}
	n := int(last - fromIndex + 1)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		idx := fromIndex + Index(i)
		e := l.entries[l.slotFor(idx)]
		out[i] = e
		l.bumpRef(idx, e.Term, 1)
		if e.Batch != nil {
			e.Batch.live++
		}
	}
	return out
}

// Release drops one reference on each entry previously returned by
// Acquire. On a count dropping to zero, an owned buffer or a batch with no
// remaining live siblings is released (its backing array dropped so the
// garbage collector can reclaim it).
func (l *Log) Release(fromIndex Index, entries []LogEntry) {
	for i, e := range entries {
		idx := fromIndex + Index(i)
		l.bumpRef(idx, e.Term, -1)
		if e.Batch != nil {
			e.Batch.live--
			if e.Batch.live <= 0 {
				e.Batch.Data = nil
			}
		}
	}
}

func (l *Log) bumpRef(index Index, term Term, delta int) {
	chain := l.refs[index]
	for _, r := range chain {
		if r.Term == term {
			r.Count += delta
			if r.Count <= 0 {
				l.removeRef(index, r)
			}
			return
		}
	}
}

func (l *Log) removeRef(index Index, target *EntryRef) {
	chain := l.refs[index]
	for i, r := range chain {
		if r == target {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(l.refs, index)
	} else {
		l.refs[index] = chain
	}
}

// Truncate deletes entries [index, LastIndex] from the tail. It is an
// error to truncate below FirstIndex.
func (l *Log) Truncate(index Index) error {
	if index < l.FirstIndex() {
		return ErrInternal
	}
	last := l.LastIndex()
	if index > last {
		return nil
	}
	n := int(last - index + 1)
	for k := 0; k < n; k++ {
		l.back = (l.back - 1 + l.size) % l.size
		idx := last - Index(k)
		e := l.entries[l.back]
		l.releaseOwned(idx, e)
		l.entries[l.back] = LogEntry{}
	}
	return nil
}

// Shift deletes entries [FirstIndex, index] from the head, advancing
// offset and front accordingly.
func (l *Log) Shift(index Index) error {
	first := l.FirstIndex()
	if index < first {
		return nil
	}
	last := l.LastIndex()
	if index > last {
		index = last
	}
	n := int(index - first + 1)
	for k := 0; k < n; k++ {
		idx := first + Index(k)
		e := l.entries[l.front]
		l.releaseOwned(idx, e)
		l.entries[l.front] = LogEntry{}
		l.front = (l.front + 1) % l.size
	}
	l.offset = index
	return nil
}

// releaseOwned drops the log's own reference (the one taken at Append) on
// an entry being removed from the ring, same as bumpRef(-1) plus batch
// bookkeeping.
func (l *Log) releaseOwned(index Index, e LogEntry) {
	l.bumpRef(index, e.Term, -1)
	if e.Batch != nil {
		e.Batch.live--
		if e.Batch.live <= 0 {
			e.Batch.Data = nil
		}
	}
}

// RefCount returns the current reference count for (index, term), or 0 if
// no such ref exists. Exposed for tests verifying property 7 (ref-count
// consistency at quiescence).
func (l *Log) RefCount(index Index, term Term) int {
	for _, r := range l.refs[index] {
		if r.Term == term {
			return r.Count
		}
	}
	return 0
}
