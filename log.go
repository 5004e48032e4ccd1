package raft

// Log is an ordered, gap-free sequence of LogEntry values, indexed
// positionally starting at 0. It enforces spec.md §3's no-holes invariant.
// Term monotonicity and the match property are not checked here: entry
// terms are taken as given, and the match property falls out of
// AppendEntries never truncating a prefix that's already agreed.
//
// Log is not safe for concurrent use; callers serialize access the same
// way Server serializes all of its other state (spec §5).
type Log struct {
	entries []LogEntry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	return len(l.entries)
}

// LastIndex returns the index of the final entry, or NoIndex if the log is
// empty.
func (l *Log) LastIndex() Index {
	return Index(len(l.entries) - 1)
}

// LastTerm returns the term of the final entry, or NoTerm if the log is
// empty.
func (l *Log) LastTerm() Term {
	if len(l.entries) == 0 {
		return NoTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index i, and whether i names an
// entry actually present in the log. i == NoIndex reports (NoTerm, true)
// by convention, matching the "before the log begins" sentinel.
func (l *Log) TermAt(i Index) (Term, bool) {
	if i == NoIndex {
		return NoTerm, true
	}
	if i < 0 || int(i) >= len(l.entries) {
		return NoTerm, false
	}
	return l.entries[i].Term, true
}

// EntryAt returns the entry at index i. Panics if i is out of range; a
// caller must bounds-check with Len/LastIndex first, the same discipline
// spec.md §7 treats any log hole or out-of-range access as an invariant
// violation worth crashing over.
func (l *Log) EntryAt(i Index) LogEntry {
	return l.entries[i]
}

// EntriesFrom returns a copy of the entries at index >= from, in order. An
// empty slice is returned if from is past the end of the log.
func (l *Log) EntriesFrom(from Index) []LogEntry {
	start := int(from)
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return nil
	}
	out := make([]LogEntry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// AppendEntries implements spec.md §4.1's append-with-continuity-check
// algorithm. It is a pure function over the log's own state: given the
// index/term the new entries are meant to follow, and the entries
// themselves, it either rejects the whole call (continuity failure,
// log unchanged) or applies every entry, truncating on the first
// conflicting term and otherwise skipping entries already present.
//
// Replaying the same call after a first success is a no-op (idempotence);
// a call that finds only entries already present at matching terms never
// truncates, so delayed or duplicated leader messages can't erase a
// committed suffix.
func (l *Log) AppendEntries(prevIndex Index, prevTerm Term, entries []LogEntry) bool {
	if prevIndex != NoIndex {
		if int(prevIndex) >= len(l.entries) {
			return false
		}
		if l.entries[prevIndex].Term != prevTerm {
			return false
		}
	}

	for k, entry := range entries {
		dst := int(prevIndex) + 1 + k
		switch {
		case dst >= len(l.entries):
			l.entries = append(l.entries, entry)
		case l.entries[dst].Term != entry.Term:
			l.entries = append(l.entries[:dst], entry)
		default:
			// Already present with a matching term; by the match property
			// it's identical. Skip without truncating.
		}
	}

	return true
}

// Entries returns a copy of every entry currently in the log, in order.
// Used by the persistence layer, which always writes the full log rather
// than a diff (spec §6's persistence contract).
func (l *Log) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// AppendCommand appends a single leader-originated entry at the end of the
// log. It always succeeds: the leader is, by definition, appending after
// its own last entry. This is the §4.5 ClientAppend helper.
func (l *Log) AppendCommand(term Term, command []byte) Index {
	l.entries = append(l.entries, LogEntry{Term: term, Command: command})
	return l.LastIndex()
}
