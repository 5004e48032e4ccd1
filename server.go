package raft

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server is the agent that performs all of the Raft protocol logic. It
// wraps an engine (the pure event-step core) in a single goroutine driven
// by Go channels, the same shape as the teacher's followerSelect /
// candidateSelect / leaderSelect loop: every event the outside world can
// raise — an RPC arriving, a client command, a timer firing — becomes a
// tuple pushed onto a channel, and the loop goroutine is the only thing
// that ever touches the engine directly.
type Server struct {
	id     ServerID
	peers  Peers
	logger *zap.SugaredLogger

	mu        sync.Mutex
	engine    *engine
	persister Persister

	appendEntriesChan chan appendEntriesTuple
	requestVoteChan   chan requestVoteTuple
	commandChan       chan *commandTuple
	isLeaderChan      chan isLeaderTuple

	electionTick  <-chan time.Time
	heartbeatTick <-chan time.Time
	rvRespChan    chan RequestVoteResponse
	aeRespChan    chan AppendEntriesResponse

	commitWatchers map[Index][]chan []byte
	appliedCommand map[Index][]byte // loopback so LocalPeer.Command can hand back a response

	quit chan struct{}
}

type appendEntriesTuple struct {
	Request  AppendEntries
	Response chan AppendEntriesResponse
}

type requestVoteTuple struct {
	Request  RequestVote
	Response chan RequestVoteResponse
}

type commandTuple struct {
	Command  []byte
	Response chan []byte
	Err      chan error
	index    Index // filled in by leaderSelect before Response fires
	term     Term
}

type isLeaderTuple struct {
	Response chan bool
}

// NewServer returns an initialized, un-started Server. id must be unique
// within the cluster. logger and metrics may both be nil; a nil logger
// gets zap.NewNop(), matching how the teacher's log.Printf calls are
// always safe to make regardless of configuration.
func NewServer(id ServerID, logger *zap.SugaredLogger, metrics *Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		id:                id,
		logger:            logger.With("server_id", id),
		engine:            newEngine(id, nil, metrics),
		appendEntriesChan: make(chan appendEntriesTuple),
		requestVoteChan:   make(chan requestVoteTuple),
		commandChan:       make(chan *commandTuple),
		isLeaderChan:      make(chan isLeaderTuple),
		electionTick:      time.NewTimer(ElectionTimeout()).C,
		rvRespChan:        make(chan RequestVoteResponse, 64),
		aeRespChan:        make(chan AppendEntriesResponse, 64),
		commitWatchers:    map[Index][]chan []byte{},
		appliedCommand:    map[Index][]byte{},
		quit:              make(chan struct{}),
	}
}

// ID returns this server's ID.
func (s *Server) ID() ServerID { return s.id }

// SetPersister wires a durable Persister (typically raft/store.FileStore)
// that current_term/voted_for/log must be saved to before this Server
// releases any RPC response depending on a new value (spec §6/§7). A
// Server with no Persister set runs with no durability at all, which is
// only appropriate for tests and the in-process simulator.
func (s *Server) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

// persistSnapshot captures the three fields a Persister must record, for
// before/after comparison around an engine call.
type persistSnapshot struct {
	term     Term
	votedFor *ServerID
	logLen   int
}

func (s *Server) snapshotLocked() persistSnapshot {
	return persistSnapshot{term: s.engine.currentTerm, votedFor: s.engine.votedFor, logLen: s.engine.log.Len()}
}

func sameVotedFor(a, b *ServerID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// persistIfChanged durably records current_term/voted_for/log if any of
// them changed since before was captured, immediately before the caller
// releases whatever RPC response depends on the new value. A Save error
// is fatal (spec §7 kind 3): this server cannot honor an ack it can't
// survive a restart with, so it halts rather than respond.
func (s *Server) persistIfChanged(before persistSnapshot) {
	if s.persister == nil {
		return
	}
	s.mu.Lock()
	after := s.snapshotLocked()
	changed := after.term != before.term || !sameVotedFor(before.votedFor, after.votedFor) || after.logLen != before.logLen
	var entries []LogEntry
	if changed {
		entries = s.engine.log.Entries()
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.persister.Save(after.term, after.votedFor, entries); err != nil {
		s.logger.Fatalw("persistence failed, halting", "error", err)
	}
}

// RestoreState loads previously-persisted current_term, voted_for, and log
// entries into this Server. It must be called before Start, typically
// right after a Persister's Load returns what survived the last restart
// (spec §3: "persistent state... must survive restart").
func (s *Server) RestoreState(term Term, votedFor *ServerID, entries []LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.currentTerm = term
	s.engine.votedFor = votedFor
	for _, e := range entries {
		s.engine.log.AppendCommand(e.Term, e.Command)
	}
	s.engine.metrics.setTerm(term)
}

// SetPeers injects the set of Peers this server will talk to. The set
// should include a Peer representing this server itself, so quorum is
// computed over the full cluster (matching the teacher's convention).
func (s *Server) SetPeers(p Peers) {
	s.peers = p
	others := make([]ServerID, 0, len(p))
	for id := range p.Except(s.id) {
		others = append(others, id)
	}
	s.mu.Lock()
	s.engine.peers = others
	s.mu.Unlock()
}

// State returns the current role: Follower, Candidate, or Leader.
func (s *Server) State() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.role
}

// Term returns the current term.
func (s *Server) Term() Term {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.currentTerm
}

// CommitIndex returns the highest index this server believes is
// committed, for Applier to poll.
func (s *Server) CommitIndex() Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.commitIndex
}

// EntryAt returns the log entry at index i, and whether it's present.
func (s *Server) EntryAt(i Index) (LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || int(i) >= s.engine.log.Len() {
		return LogEntry{}, false
	}
	return s.engine.log.EntryAt(i), true
}

// LeaderHint returns the server this one last believed was leader, per
// spec.md's "not_leader (with optional hint)" response shape.
func (s *Server) LeaderHint() (ServerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.leaderHint()
}

// Start triggers the Server to begin communicating with its peers.
func (s *Server) Start() {
	go s.loop()
}

// Stop halts the Server's event loop.
func (s *Server) Stop() {
	close(s.quit)
}

// HandleAppendEntries processes the given RPC and returns the response.
// Exported so transports (HTTP, in-memory, or a LocalPeer) can deliver
// inbound RPCs without reaching into the loop's internals.
func (s *Server) HandleAppendEntries(ae AppendEntries) AppendEntriesResponse {
	t := appendEntriesTuple{Request: ae, Response: make(chan AppendEntriesResponse)}
	s.appendEntriesChan <- t
	return <-t.Response
}

// HandleRequestVote processes the given RPC and returns the response.
func (s *Server) HandleRequestVote(rv RequestVote) RequestVoteResponse {
	t := requestVoteTuple{Request: rv, Response: make(chan RequestVoteResponse)}
	s.requestVoteChan <- t
	return <-t.Response
}

// ClientAppend appends a command to the leader's log. It returns
// immediately with the index the command landed at; the caller uses
// watchCommit (or Applier) to learn when it's actually committed.
func (s *Server) ClientAppend(cmd []byte) (Index, Term, bool) {
	t := &commandTuple{Command: cmd, Response: make(chan []byte, 1), Err: make(chan error, 1)}
	s.commandChan <- t
	select {
	case <-t.Response:
		return t.index, t.term, true
	case <-t.Err:
		return NoIndex, 0, false
	}
}

// IsLeader implements the confirmed-leader read barrier: it blocks and
// returns true only once a majority of peers have acknowledged a heartbeat
// round started after this call, and false if this server is not the
// leader or loses its term first.
func (s *Server) IsLeader() bool {
	t := isLeaderTuple{Response: make(chan bool, 1)}
	s.isLeaderChan <- t
	return <-t.Response
}

// watchCommit registers response to be sent the applied command's result
// once index is applied, matching spec.md §4.6's "the binding... decides
// when to notify the client." It's a simple loopback here: real
// applications drive this from their own Applier.
func (s *Server) watchCommit(index Index, response chan []byte) {
	s.mu.Lock()
	if cmd, ok := s.appliedCommand[index]; ok {
		s.mu.Unlock()
		response <- cmd
		return
	}
	s.commitWatchers[index] = append(s.commitWatchers[index], response)
	s.mu.Unlock()
}

// notifyApplied lets an Applier tell the Server an index has been
// applied, waking any watchCommit callers blocked on it.
func (s *Server) notifyApplied(index Index, result []byte) {
	s.mu.Lock()
	s.appliedCommand[index] = result
	watchers := s.commitWatchers[index]
	delete(s.commitWatchers, index)
	s.mu.Unlock()
	for _, w := range watchers {
		w <- result
	}
}

func (s *Server) resetElectionTimeout() {
	s.electionTick = time.NewTimer(ElectionTimeout()).C
}

func (s *Server) loop() {
	for {
		switch s.State() {
		case Follower:
			s.followerSelect()
		case Candidate:
			s.candidateSelect()
		case Leader:
			s.leaderSelect()
		default:
			panic(fmt.Sprintf("raft: unknown server state %q", s.State()))
		}
		select {
		case <-s.quit:
			return
		default:
		}
	}
}

// send delivers each Outbound the engine produced to its destination
// peer, fire-and-forget (responses come back asynchronously through the
// normal RPC channels, exactly like the teacher's candidateSelect
// scattering RequestVotes and collecting responses on a shared channel).
func (s *Server) send(out []Outbound) {
	for _, o := range out {
		peer, ok := s.peers[o.Dest]
		if !ok {
			continue
		}
		go func(peer Peer, msg Message) {
			switch m := msg.(type) {
			case RequestVote:
				resp := peer.RequestVote(m)
				s.requestVoteResponseChan() <- resp
			case AppendEntries:
				resp := peer.AppendEntries(m)
				s.appendEntriesResponseChan() <- resp
			}
		}(peer, o.Msg)
	}
}

// requestVoteResponseChan and appendEntriesResponseChan exist so send's
// goroutines have somewhere to deliver asynchronous RPC responses back
// into the loop. They return the buffered rvRespChan/aeRespChan fields
// made in NewServer; only candidateSelect and leaderSelect read them.
func (s *Server) requestVoteResponseChan() chan<- RequestVoteResponse {
	return s.rvRespChan
}
func (s *Server) appendEntriesResponseChan() chan<- AppendEntriesResponse {
	return s.aeRespChan
}

func (s *Server) followerSelect() {
	for {
		select {
		case <-s.quit:
			return
		case ct := <-s.commandChan:
			ct.Err <- ErrNotLeader
		case <-s.electionTick:
			// checkElectionTimeout only decides whether to campaign; it
			// never calls becomeCandidate itself, so the term is bumped and
			// RequestVote broadcast exactly once, from candidateSelect's
			// single authoritative call site — not twice (once here, once
			// more when the loop re-enters candidateSelect).
			s.mu.Lock()
			campaign := s.engine.checkElectionTimeout()
			s.mu.Unlock()
			s.resetElectionTimeout()
			if campaign {
				s.logger.Infow("election timeout, starting campaign")
				return
			}
		case t := <-s.appendEntriesChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleAppendEntries(t.Request)
			s.mu.Unlock()
			s.persistIfChanged(before)
			// Only a non-stale AppendEntries sets heard_from_leader
			// (engine.go's stale-term check returns before that line);
			// resetting the timer for a stale-term RPC would let a zombie
			// leader suppress legitimate elections.
			if resp.Term <= t.Request.Term {
				s.resetElectionTimeout()
			}
			t.Response <- resp
		case t := <-s.requestVoteChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleRequestVote(t.Request)
			s.mu.Unlock()
			s.persistIfChanged(before)
			if resp.Granted {
				s.resetElectionTimeout()
			}
			t.Response <- resp
		case t := <-s.isLeaderChan:
			t.Response <- false
		}
	}
}

func (s *Server) candidateSelect() {
	s.mu.Lock()
	before := s.snapshotLocked()
	out := s.engine.becomeCandidate()
	role, term, required := s.engine.role, s.engine.currentTerm, s.engine.quorum()
	s.mu.Unlock()
	s.persistIfChanged(before)
	s.logger.Debugw("election started", "term", term, "votes_required", required)
	s.send(out)
	if role != Candidate {
		s.logger.Infow("single-node cluster, won outright", "term", term)
		return
	}

	for {
		select {
		case <-s.quit:
			return
		case ct := <-s.commandChan:
			ct.Err <- ErrNotLeader
		case resp := <-s.rvRespChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			won := s.engine.handleRequestVoteResponse(resp)
			var out []Outbound
			if won {
				out = s.engine.becomeLeader()
			}
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			if won {
				s.logger.Infow("won election", "term", s.Term())
				s.send(out)
				return
			}
			if role != Candidate {
				return // term rule stepped us down
			}
		case t := <-s.appendEntriesChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleAppendEntries(t.Request)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			t.Response <- resp
			if role != Candidate {
				s.resetElectionTimeout()
				return
			}
		case t := <-s.requestVoteChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleRequestVote(t.Request)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			t.Response <- resp
			if role != Candidate {
				return
			}
		case <-s.electionTick:
			s.resetElectionTimeout()
			return // draw; re-enter candidateSelect with a fresh term
		case t := <-s.isLeaderChan:
			t.Response <- false
		}
	}
}

func (s *Server) leaderSelect() {
	s.heartbeatTick = time.Tick(BroadcastInterval())

	for {
		select {
		case <-s.quit:
			return
		case ct := <-s.commandChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			index, term, ok := s.engine.clientAppend(ct.Command)
			s.mu.Unlock()
			s.persistIfChanged(before)
			if !ok {
				ct.Err <- ErrNotLeader
				continue
			}
			ct.index, ct.term = index, term
			ct.Response <- []byte{}

		case <-s.heartbeatTick:
			s.mu.Lock()
			out := s.engine.onHeartbeatTimeout()
			s.mu.Unlock()
			s.send(out)

		case resp := <-s.aeRespChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			s.engine.handleAppendEntriesResponse(resp)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			if role != Leader {
				s.resetElectionTimeout()
				return
			}

		case resp := <-s.rvRespChan:
			// A vote response arriving after the election already
			// concluded; only useful for its term-rule side effect.
			s.mu.Lock()
			before := s.snapshotLocked()
			s.engine.handleRequestVoteResponse(resp)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			if role != Leader {
				s.resetElectionTimeout()
				return
			}

		case t := <-s.appendEntriesChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleAppendEntries(t.Request)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			t.Response <- resp
			if role != Leader {
				s.resetElectionTimeout()
				return
			}

		case t := <-s.requestVoteChan:
			s.mu.Lock()
			before := s.snapshotLocked()
			resp := s.engine.handleRequestVote(t.Request)
			role := s.engine.role
			s.mu.Unlock()
			s.persistIfChanged(before)
			t.Response <- resp
			if role != Leader {
				s.resetElectionTimeout()
				return
			}

		case t := <-s.isLeaderChan:
			s.mu.Lock()
			s.engine.isLeader(func(ok bool) { t.Response <- ok })
			s.mu.Unlock()
		}
	}
}
