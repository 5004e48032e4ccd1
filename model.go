package raft

import "fmt"

// Event is the tagged union of inputs the pure core accepts, per spec.md
// §9's "step(state, event) -> (state', outbox)" shape: MessageIn,
// ElectionTimeoutEvent, HeartbeatTimeoutEvent, ClientAppendEvent. Model.Step
// dispatches on it the same way Server's followerSelect/candidateSelect/
// leaderSelect dispatch on a channel receive, but synchronously and
// without any goroutine, channel, or real timer in the way.
type Event interface {
	isEvent()
}

// MessageIn is a message arriving from another node. From is used only to
// address a response, matching how a real Peer call carries an implicit
// reply-to.
type MessageIn struct {
	From ServerID
	Msg  Message
}

func (MessageIn) isEvent() {}

// ElectionTimeoutEvent is a tick of the randomized election timer.
type ElectionTimeoutEvent struct{}

func (ElectionTimeoutEvent) isEvent() {}

// HeartbeatTimeoutEvent is a tick of the leader's fixed heartbeat timer.
type HeartbeatTimeoutEvent struct{}

func (HeartbeatTimeoutEvent) isEvent() {}

// ClientAppendEvent is a client submitting a command to this node.
type ClientAppendEvent struct {
	Command []byte
}

func (ClientAppendEvent) isEvent() {}

// Model is a pure, non-suspending facade over the same engine a Server
// drives through goroutines and channels: every call runs to completion
// and returns its outgoing messages as data. It exists so a deterministic
// simulator (raft/sim) can explore event orderings — drop, duplicate,
// reorder, arbitrary timer interleavings — without any real concurrency
// or wall-clock time standing between one step and the next, which is
// what makes a run fully reproducible given the same event sequence
// (spec.md §9's stated purpose for factoring the core this way).
//
// Model is not safe for concurrent use; a deterministic driver calls Step
// from a single goroutine, one event at a time, the same discipline
// Server's single loop goroutine observes.
type Model struct {
	e *engine
}

// NewModel builds a Model for id with the given peer set, starting as a
// Follower with an empty log, term 0, and no vote — spec.md §3's initial
// state. metrics may be nil.
func NewModel(id ServerID, peers []ServerID, metrics *Metrics) *Model {
	return &Model{e: newEngine(id, peers, metrics)}
}

// ID returns this node's ID.
func (m *Model) ID() ServerID { return m.e.id }

// Role returns the current role.
func (m *Model) Role() Role { return m.e.role }

// Term returns the current term.
func (m *Model) Term() Term { return m.e.currentTerm }

// CommitIndex returns the highest index this node believes is committed.
func (m *Model) CommitIndex() Index { return m.e.commitIndex }

// VotedFor reports who this node voted for in the current term, if
// anyone.
func (m *Model) VotedFor() (ServerID, bool) {
	if m.e.votedFor == nil {
		return 0, false
	}
	return *m.e.votedFor, true
}

// LogLen returns the number of entries in this node's log.
func (m *Model) LogLen() int { return m.e.log.Len() }

// EntryAt returns the log entry at index i, and whether it's present.
func (m *Model) EntryAt(i Index) (LogEntry, bool) {
	if i < 0 || int(i) >= m.e.log.Len() {
		return LogEntry{}, false
	}
	return m.e.log.EntryAt(i), true
}

// MatchIndex returns this node's (leader-only) view of peer's replication
// progress; zero value for a node that has never been leader or an
// unknown peer. A node that stepped down keeps the values from its last
// term as leader.
func (m *Model) MatchIndex(peer ServerID) Index { return m.e.matchIndex[peer] }

// NextIndex returns this node's (leader-only) next-index for peer.
func (m *Model) NextIndex(peer ServerID) Index { return m.e.nextIndex[peer] }

// Step dispatches a single event to the pure core and returns the
// messages it produced. It is the entire surface a deterministic
// simulator needs: no timers, no sockets, no goroutines.
func (m *Model) Step(ev Event) []Outbound {
	switch v := ev.(type) {
	case ElectionTimeoutEvent:
		return m.e.onElectionTimeout()
	case HeartbeatTimeoutEvent:
		return m.e.onHeartbeatTimeout()
	case ClientAppendEvent:
		m.e.clientAppend(v.Command)
		return nil
	case MessageIn:
		return m.deliver(v.From, v.Msg)
	default:
		panic(fmt.Sprintf("raft: unknown event %T", ev))
	}
}

func (m *Model) deliver(from ServerID, msg Message) []Outbound {
	switch req := msg.(type) {
	case RequestVote:
		resp := m.e.handleRequestVote(req)
		return []Outbound{{Dest: from, Msg: resp}}
	case RequestVoteResponse:
		if m.e.handleRequestVoteResponse(req) {
			return m.e.becomeLeader()
		}
		return nil
	case AppendEntries:
		resp := m.e.handleAppendEntries(req)
		return []Outbound{{Dest: from, Msg: resp}}
	case AppendEntriesResponse:
		m.e.handleAppendEntriesResponse(req)
		return nil
	default:
		panic(fmt.Sprintf("raft: unknown message %T", msg))
	}
}
