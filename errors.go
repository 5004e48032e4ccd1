package raft

import "errors"

// Persister is the external persistence contract from spec.md §6: a
// Server holding one must have it durably record current_term, voted_for,
// and the full log before releasing any RPC response that depends on the
// new value. Save always receives the complete current state, not a diff
// — matching raft/store.FileStore's append-only-full-record design.
//
// A Save error is, per spec.md §7, a fatal fault: the Server that holds
// the Persister halts rather than acknowledge state it can't honor after
// a restart.
type Persister interface {
	Save(currentTerm Term, votedFor *ServerID, entries []LogEntry) error
}

var (
	// ErrNotLeader is returned by LocalPeer.Command when the server isn't
	// the current leader; Server.ClientAppend reports the same case as
	// ok == false.
	ErrNotLeader = errors.New("not the leader")

	// ErrUnknownLeader reports that the server isn't the leader and has no
	// hint as to who is. No function in this module returns it.
	ErrUnknownLeader = errors.New("not the leader, and no known leader")

	// ErrDeposed reports that a leader has been superseded by a higher
	// term. No function in this module returns it.
	ErrDeposed = errors.New("deposed during replication")

	// ErrAppendEntriesRejected reports that a follower rejected a
	// replication attempt because of a log-continuity mismatch. No function
	// in this module returns it; rejections travel as Success == false.
	ErrAppendEntriesRejected = errors.New("AppendEntries RPC rejected")

	// ErrTimeout is returned by the transport package's Memory-routed Peer
	// when Command cannot reach its destination (partitioned or dropped).
	ErrTimeout = errors.New("timed out waiting for quorum")
)
