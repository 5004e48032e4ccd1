package raft

// Role is the three-valued state every server is in: Follower, Candidate,
// or Leader (spec §3/§4.2). It's a defined string type rather than a bare
// enum so log lines and test failures read the same way the teacher's
// string constants did.
type Role string

const (
	Follower  Role = "Follower"
	Candidate Role = "Candidate"
	Leader    Role = "Leader"
)

func (r Role) String() string { return string(r) }

// Outbound pairs a message with the peer it's addressed to. It's the
// "outbox" spec.md §9 calls for: every event-step entry point below
// returns a list of these instead of performing I/O inline, which is what
// makes the type usable unchanged from a deterministic simulator, a
// randomized property tester, or a goroutine-driven real runtime.
type Outbound struct {
	Dest ServerID
	Msg  Message
}

// engine is the pure, non-suspending core described in spec.md §5 and §9:
// every mutation to a server's state happens inside one of the methods
// below, each of which runs to completion and returns outbound messages as
// data. Nothing here touches a socket, a clock, or a goroutine.
type engine struct {
	id    ServerID
	peers []ServerID // cluster members other than id

	currentTerm Term
	votedFor    *ServerID
	log         *Log

	role            Role
	commitIndex     Index
	heardFromLeader bool
	knownLeader     ServerID
	haveLeader      bool

	votesReceived map[ServerID]bool
	nextIndex     map[ServerID]Index
	matchIndex    map[ServerID]Index

	confirm *leaderConfirm
	metrics *Metrics
}

func newEngine(id ServerID, peers []ServerID, m *Metrics) *engine {
	e := &engine{
		id:          id,
		peers:       append([]ServerID(nil), peers...),
		log:         NewLog(),
		role:        Follower,
		commitIndex: NoIndex,
		confirm:     newLeaderConfirm(),
		metrics:     m,
	}
	e.metrics.setTerm(e.currentTerm)
	e.metrics.setRole(e.role)
	e.metrics.setCommitIndex(e.commitIndex)
	return e
}

// quorum is a strict majority of the full cluster, including self (spec
// GLOSSARY).
func (e *engine) quorum() int {
	total := len(e.peers) + 1
	return total/2 + 1
}

// applyTermRule is spec §4.2's universal rule, run before role-specific
// dispatch on every message: any server observing a higher term steps down
// to Follower, adopts the term, and clears its vote.
func (e *engine) applyTermRule(term Term) bool {
	if term <= e.currentTerm {
		return false
	}
	e.currentTerm = term
	e.votedFor = nil
	e.role = Follower
	e.haveLeader = false
	e.votesReceived = nil
	e.confirm.abort()
	e.metrics.setTerm(e.currentTerm)
	e.metrics.setRole(e.role)
	return true
}

// handleRequestVote implements spec §4.3.
func (e *engine) handleRequestVote(rv RequestVote) RequestVoteResponse {
	e.applyTermRule(rv.Term)

	if rv.Term < e.currentTerm {
		return RequestVoteResponse{Term: e.currentTerm, VoterID: e.id, Granted: false, reason: "stale term"}
	}

	if e.votedFor != nil && *e.votedFor != rv.CandidateID {
		return RequestVoteResponse{Term: e.currentTerm, VoterID: e.id, Granted: false, reason: "already voted this term"}
	}

	myLastTerm, myLastIndex := e.log.LastTerm(), e.log.LastIndex()
	upToDate := rv.LastLogTerm > myLastTerm ||
		(rv.LastLogTerm == myLastTerm && rv.LastLogIndex >= myLastIndex)
	if !upToDate {
		return RequestVoteResponse{Term: e.currentTerm, VoterID: e.id, Granted: false, reason: "candidate log is behind"}
	}

	candidate := rv.CandidateID
	e.votedFor = &candidate
	e.heardFromLeader = true // optional per spec §4.3: avoids a competing election
	return RequestVoteResponse{Term: e.currentTerm, VoterID: e.id, Granted: true}
}

// handleRequestVoteResponse implements spec §4.3's candidate bookkeeping.
// It returns true exactly when this response just won the election, in
// which case the caller must invoke becomeLeader.
func (e *engine) handleRequestVoteResponse(resp RequestVoteResponse) bool {
	if e.applyTermRule(resp.Term) {
		return false
	}
	if e.role != Candidate || resp.Term != e.currentTerm || !resp.Granted {
		return false
	}
	if e.votesReceived == nil {
		e.votesReceived = map[ServerID]bool{}
	}
	e.votesReceived[resp.VoterID] = true
	e.metrics.incVotesGranted()
	return len(e.votesReceived) >= e.quorum()
}

// handleAppendEntries implements spec §4.4's follower handling.
func (e *engine) handleAppendEntries(ae AppendEntries) AppendEntriesResponse {
	e.applyTermRule(ae.Term)

	if ae.Term < e.currentTerm {
		return AppendEntriesResponse{Term: e.currentTerm, From: e.id, Success: false, MatchIndex: NoIndex, Round: ae.Round, reason: "stale term"}
	}

	// Candidate (or, defensively, Leader) seeing a current-term leader
	// steps down (spec §4.2's Candidate->Follower / Leader->Follower rows).
	if e.role != Follower {
		e.role = Follower
		e.metrics.setRole(e.role)
	}

	e.heardFromLeader = true
	e.knownLeader = ae.LeaderID
	e.haveLeader = true

	if !e.log.AppendEntries(ae.PrevIndex, ae.PrevTerm, ae.Entries) {
		e.metrics.incAppendRejected()
		return AppendEntriesResponse{Term: e.currentTerm, From: e.id, Success: false, MatchIndex: NoIndex, Round: ae.Round, reason: "log continuity check failed"}
	}

	matchIndex := ae.PrevIndex + Index(len(ae.Entries))
	if ae.LeaderCommit > e.commitIndex {
		newCommit := ae.LeaderCommit
		if matchIndex < newCommit {
			newCommit = matchIndex
		}
		if newCommit > e.commitIndex {
			e.commitIndex = newCommit
			e.metrics.setCommitIndex(e.commitIndex)
		}
	}

	return AppendEntriesResponse{Term: e.currentTerm, From: e.id, Success: true, MatchIndex: matchIndex, Round: ae.Round}
}

// handleAppendEntriesResponse implements spec §4.4's leader handling,
// including the Figure-8 commit-index safety rule.
func (e *engine) handleAppendEntriesResponse(resp AppendEntriesResponse) {
	if e.applyTermRule(resp.Term) {
		return
	}
	if e.role != Leader || resp.Term != e.currentTerm {
		return
	}

	// resp.Round is the round the follower actually answered (echoed back
	// from the AppendEntries it received), not whatever round is current
	// by the time this response is processed — see leader_confirm.go.
	e.confirm.ack(resp.From, resp.Round)

	if resp.Success {
		if resp.MatchIndex > e.matchIndex[resp.From] {
			e.matchIndex[resp.From] = resp.MatchIndex
		}
		e.nextIndex[resp.From] = e.matchIndex[resp.From] + 1
		e.recomputeCommitIndex()
	} else if e.nextIndex[resp.From] > 0 {
		e.nextIndex[resp.From]--
	}

	e.confirm.resolve(e.currentTerm, e.quorum())
}

// recomputeCommitIndex implements spec §4.4's commit-index advancement,
// including the Figure-8 safety rule: a leader only commits by
// replication count once it has replicated at least one entry of its own
// term, which implicitly commits every entry before it.
func (e *engine) recomputeCommitIndex() {
	for n := e.log.LastIndex(); n > e.commitIndex; n-- {
		term, ok := e.log.TermAt(n)
		if !ok || term != e.currentTerm {
			continue
		}
		count := 1 // leader's own log always counts
		for _, p := range e.peers {
			if e.matchIndex[p] >= n {
				count++
			}
		}
		if count >= e.quorum() {
			e.commitIndex = n
			e.metrics.setCommitIndex(e.commitIndex)
			return
		}
	}
}

// becomeCandidate implements the Follower->Candidate and
// Candidate->Candidate rows of spec §4.2's transition table.
func (e *engine) becomeCandidate() []Outbound {
	e.currentTerm++
	self := e.id
	e.votedFor = &self
	e.role = Candidate
	e.votesReceived = map[ServerID]bool{e.id: true}
	e.haveLeader = false
	e.metrics.incElectionsStarted()
	e.metrics.setTerm(e.currentTerm)
	e.metrics.setRole(e.role)

	if len(e.votesReceived) >= e.quorum() {
		// Single-node (or otherwise trivially-won) cluster.
		return e.becomeLeader()
	}

	rv := RequestVote{
		Term:         e.currentTerm,
		CandidateID:  e.id,
		LastLogIndex: e.log.LastIndex(),
		LastLogTerm:  e.log.LastTerm(),
	}
	out := make([]Outbound, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, Outbound{Dest: p, Msg: rv})
	}
	return out
}

// becomeLeader implements the Candidate->Leader row: reinitialize
// per-follower progress and broadcast an immediate heartbeat.
func (e *engine) becomeLeader() []Outbound {
	e.role = Leader
	e.nextIndex = map[ServerID]Index{}
	e.matchIndex = map[ServerID]Index{}
	next := e.log.LastIndex() + 1
	for _, p := range e.peers {
		e.nextIndex[p] = next
		e.matchIndex[p] = NoIndex
	}
	e.haveLeader = true
	e.knownLeader = e.id
	e.confirm.reset()
	e.metrics.setRole(e.role)
	return e.onHeartbeatTimeout()
}

// checkElectionTimeout implements the election-timeout-tick decision from
// spec §4.2's transition table and §5: heard_from_leader is cleared on
// every tick, and the caller should only start a campaign if it was
// already false. It's split out from onElectionTimeout so a caller that
// has its own, separate single authoritative call site for
// becomeCandidate (the goroutine Server's candidateSelect) can make this
// decision without triggering a second becomeCandidate itself.
func (e *engine) checkElectionTimeout() bool {
	heard := e.heardFromLeader
	e.heardFromLeader = false
	return e.role != Leader && !heard
}

// onElectionTimeout implements the full election-timeout-tick behavior:
// decide, then (if warranted) become a candidate in the same step. Used
// by Model, where a single Step call is the only entry point there is.
func (e *engine) onElectionTimeout() []Outbound {
	if !e.checkElectionTimeout() {
		return nil
	}
	return e.becomeCandidate()
}

// onHeartbeatTimeout implements the leader's send policy from spec §4.4.
// It's a no-op for non-leaders (a stale timer firing after a step-down).
func (e *engine) onHeartbeatTimeout() []Outbound {
	if e.role != Leader {
		return nil
	}
	e.metrics.incHeartbeatsSent()
	e.confirm.onHeartbeatRound()
	out := make([]Outbound, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, e.appendEntriesFor(p))
	}
	return out
}

// appendEntriesFor builds the AppendEntries a leader would send a given
// peer right now, per spec §4.4's leader send policy.
func (e *engine) appendEntriesFor(peer ServerID) Outbound {
	next := e.nextIndex[peer]
	prevIndex := next - 1
	prevTerm, _ := e.log.TermAt(prevIndex)
	return Outbound{Dest: peer, Msg: AppendEntries{
		Term:         e.currentTerm,
		LeaderID:     e.id,
		PrevIndex:    prevIndex,
		PrevTerm:     prevTerm,
		Entries:      e.log.EntriesFrom(next),
		LeaderCommit: e.commitIndex,
		Round:        e.confirm.round,
	}}
}

// clientAppend implements spec §4.5's local half of ClientAppend: append
// to the leader's own log. Actual replication happens on the next
// heartbeat tick.
func (e *engine) clientAppend(command []byte) (Index, Term, bool) {
	if e.role != Leader {
		return NoIndex, e.currentTerm, false
	}
	idx := e.log.AppendCommand(e.currentTerm, command)
	// The leader's own log counts toward the majority, so a single-node
	// cluster commits here; with peers this waits for their acks.
	e.recomputeCommitIndex()
	return idx, e.currentTerm, true
}

// leaderHint reports the last server this engine believes is (or recently
// was) the leader, for spec §4.5's "not_leader (with optional hint)".
func (e *engine) leaderHint() (ServerID, bool) {
	return e.knownLeader, e.haveLeader
}

// isLeader implements spec §4.5/§9's confirmed-leader read barrier.
func (e *engine) isLeader(done func(bool)) {
	if e.role != Leader {
		done(false)
		return
	}
	e.confirm.enqueue(e.currentTerm, e.quorum(), done)
}
