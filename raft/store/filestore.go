// Package store provides the durable persistence layer spec.md's §6/§7
// require for current_term, voted_for, and the log: every RPC response
// that depends on a changed value must wait for that value to be fsync'd
// first, and any I/O error here is treated as fatal rather than a
// protocol-level rejection.
package store

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dsavitskiy/raft"
)

// record is the on-disk shape of a single persisted state snapshot. It's
// intentionally flat (not a diff) — FileStore always writes and fsyncs the
// entire current_term/voted_for/log triple, trading write amplification
// for a persistence format simple enough to read back without replaying a
// write-ahead log.
type record struct {
	CurrentTerm raft.Term       `json:"current_term"`
	VotedFor    *raft.ServerID  `json:"voted_for,omitempty"`
	Entries     []raft.LogEntry `json:"entries"`
}

// FileStore is an append-only, length-prefixed sequence of JSON records on
// disk. Only the last record matters for recovery; earlier ones are
// retained only until the next Compact call, so a crash mid-write never
// loses the previously-synced state (the truncated tail is simply ignored
// on replay).
type FileStore struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the file at path as a FileStore.
func Open(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("raft/store: open %s: %w", path, err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Save persists currentTerm, votedFor, and the full log, fsync'ing before
// returning. Per spec.md §7, a caller that can't persist state must treat
// this as fatal rather than respond to the in-flight RPC.
func (s *FileStore) Save(currentTerm raft.Term, votedFor *raft.ServerID, entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := json.Marshal(record{CurrentTerm: currentTerm, VotedFor: votedFor, Entries: entries})
	if err != nil {
		return fmt.Errorf("raft/store: marshal: %w", err)
	}

	if _, err := s.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("raft/store: seek: %w", err)
	}
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(buf)))
	if _, err := s.f.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("raft/store: write length prefix: %w", err)
	}
	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("raft/store: write record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("raft/store: fsync: %w", err)
	}
	return nil
}

// Load replays the file and returns the last complete record, or the zero
// state (term 0, no vote, empty log) if the file is empty. A truncated
// final record — from a crash mid-write — is discarded rather than
// treated as an error, since the previous Save already fsync'd a valid
// prior record.
func (s *FileStore) Load() (raft.Term, *raft.ServerID, []raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, nil, fmt.Errorf("raft/store: seek: %w", err)
	}
	r := bufio.NewReader(s.f)

	var last record
	haveOne := false
	for {
		var lenPrefix [8]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint64(lenPrefix[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			break // truncated final record
		}
		var rec record
		if err := json.Unmarshal(buf, &rec); err != nil {
			break // truncated/corrupt final record
		}
		last = rec
		haveOne = true
	}
	if !haveOne {
		return 0, nil, nil, nil
	}
	return last.CurrentTerm, last.VotedFor, last.Entries, nil
}

// Compact rewrites the file to hold only the most recent record, bounding
// disk growth. It's safe to call periodically; a crash during Compact
// leaves either the old or the new file intact, never a mix, since the
// rewrite happens into a temp file that's renamed into place.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	term, votedFor, entries, err := s.loadLocked()
	if err != nil {
		return err
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("raft/store: create temp: %w", err)
	}

	buf, err := json.Marshal(record{CurrentTerm: term, VotedFor: votedFor, Entries: entries})
	if err != nil {
		tmp.Close()
		return fmt.Errorf("raft/store: marshal: %w", err)
	}
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(buf)))
	if _, err := tmp.Write(lenPrefix[:]); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("raft/store: rename: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.f.Close()
	s.f = f
	return nil
}

func (s *FileStore) loadLocked() (raft.Term, *raft.ServerID, []raft.LogEntry, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, nil, err
	}
	r := bufio.NewReader(s.f)
	var last record
	haveOne := false
	for {
		var lenPrefix [8]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint64(lenPrefix[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		var rec record
		if err := json.Unmarshal(buf, &rec); err != nil {
			break
		}
		last = rec
		haveOne = true
	}
	if !haveOne {
		return 0, nil, nil, nil
	}
	return last.CurrentTerm, last.VotedFor, last.Entries, nil
}
