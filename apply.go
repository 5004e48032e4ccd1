package raft

import "sync"

// ApplyFunc is the application state machine's apply hook: given a
// committed command, it returns whatever response the originating client
// should see. It must be deterministic and it must be idempotent-safe to
// call exactly once per index — the binding guarantees the "exactly once"
// part, not the function itself.
type ApplyFunc func(command []byte) ([]byte, error)

// Applier is the thin contract described in spec.md §4.6: it watches a
// Server's monotonically non-decreasing CommitIndex and, whenever
// lastApplied < commitIndex, applies log[lastApplied+1..commitIndex] to
// the application, in order, advancing lastApplied as it goes. The core
// never calls the application directly; only Applier does, which is what
// lets §4.6 say "the binding, not the core, decides whether apply itself
// must be durable."
type Applier struct {
	mu          sync.Mutex
	server      *Server
	apply       ApplyFunc
	lastApplied Index
}

// NewApplier builds an Applier bound to a Server and an apply function.
// lastApplied starts at NoIndex, matching spec.md §3's initial volatile
// state.
func NewApplier(s *Server, apply ApplyFunc) *Applier {
	return &Applier{server: s, apply: apply, lastApplied: NoIndex}
}

// LastApplied returns the highest index applied so far.
func (a *Applier) LastApplied() Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastApplied
}

// Tick applies any newly committed entries. It's meant to be called
// whenever the bound Server's commit index might have advanced — after
// handling a message, after a client append, or on a dedicated poll
// interval in a real runtime. Each committed index is applied exactly
// once: Tick is idempotent if called with no new commits.
func (a *Applier) Tick() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	commitIndex := a.server.CommitIndex()
	for a.lastApplied < commitIndex {
		next := a.lastApplied + 1
		entry, ok := a.server.EntryAt(next)
		if !ok {
			// commitIndex names an index the log doesn't have; that's an
			// invariant violation (spec §7 kind 2), not a protocol
			// rejection.
			panic("raft: commit index outruns log")
		}
		result, err := a.apply(entry.Command)
		if err != nil {
			return err
		}
		a.lastApplied = next
		a.server.notifyApplied(next, result)
	}
	return nil
}
