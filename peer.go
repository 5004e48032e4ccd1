package raft

// Peer is how a Server reaches another cluster member. It's deliberately
// narrow: RequestVote and AppendEntries are synchronous calls that return a
// response (possibly a zero-value one, standing in for "no reply arrived"),
// matching the teacher's peer.AppendEntries(...)/peer.RequestVote(...)
// call sites in leaderSelect/candidateSelect. Command submits a client
// command through the Peer; it is not forwarded to the leader, so a Peer
// whose server is not the leader returns an error (LocalPeer returns
// ErrNotLeader).
type Peer interface {
	ID() ServerID
	RequestVote(RequestVote) RequestVoteResponse
	AppendEntries(AppendEntries) AppendEntriesResponse
	Command(cmd []byte, response chan []byte) error
}

// Peers is the set of Peer implementations a Server talks to, keyed by ID.
type Peers map[ServerID]Peer

// MakePeers builds a Peers set from a list, keyed by each Peer's own ID.
func MakePeers(peers ...Peer) Peers {
	out := make(Peers, len(peers))
	for _, p := range peers {
		out[p.ID()] = p
	}
	return out
}

// Except returns a copy of the set excluding the given ID. It's used so a
// Server never sends itself RPCs.
func (p Peers) Except(id ServerID) Peers {
	out := make(Peers, len(p))
	for pid, peer := range p {
		if pid != id {
			out[pid] = peer
		}
	}
	return out
}

// Count is the number of peers, including self.
func (p Peers) Count() int {
	return len(p)
}

// Quorum is the number of votes/acks required for a majority of the full
// cluster (including self).
func (p Peers) Quorum() int {
	return len(p)/2 + 1
}

// IDs returns the peer IDs in no particular order.
func (p Peers) IDs() []ServerID {
	out := make([]ServerID, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	return out
}

// LocalPeer adapts a *Server into a Peer by calling directly into it,
// in-process. Used by the simulator and by in-process tests, the same way
// the teacher's server_test.go wires raft.NewLocalPeer(s1) into raft.Peers
// for TestSimpleConsensus/testOrder.
type LocalPeer struct {
	server *Server
}

// NewLocalPeer wraps a Server as a Peer usable by other in-process Servers.
func NewLocalPeer(s *Server) *LocalPeer {
	return &LocalPeer{server: s}
}

func (p *LocalPeer) ID() ServerID { return p.server.ID() }

func (p *LocalPeer) RequestVote(rv RequestVote) RequestVoteResponse {
	return p.server.HandleRequestVote(rv)
}

func (p *LocalPeer) AppendEntries(ae AppendEntries) AppendEntriesResponse {
	return p.server.HandleAppendEntries(ae)
}

func (p *LocalPeer) Command(cmd []byte, response chan []byte) error {
	index, _, isLeader := p.server.ClientAppend(cmd)
	if !isLeader {
		return ErrNotLeader
	}
	p.server.watchCommit(index, response)
	return nil
}
