// Package transport provides the two Peer implementations a Server can be
// wired to: an in-process, fault-injectable Memory network for simulation
// and tests, and an HTTP binding for a real deployment.
package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dsavitskiy/raft"
)

// Memory is an in-process datagram network connecting a set of raft.Peer
// implementations (normally raft.LocalPeer wrapping real Servers). Unlike
// LocalPeer's direct synchronous calls, Memory can be told to drop a
// fraction of deliveries or to partition traffic between specific nodes.
// It does not duplicate, delay, or reorder calls: each delivered RPC is a
// direct call into the destination Peer.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	peers      map[raft.ServerID]raft.Peer
	partitions map[raft.ServerID]map[raft.ServerID]bool // [from][to] = cut
	dropRate   float64
	rng        *rand.Rand
}

// NewMemory returns a Memory network with no peers and no partitions.
func NewMemory() *Memory {
	return &Memory{
		peers:      map[raft.ServerID]raft.Peer{},
		partitions: map[raft.ServerID]map[raft.ServerID]bool{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add registers a peer with the network. The ID the underlying Peer
// reports is used as its network address.
func (m *Memory) Add(p raft.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID()] = p
}

// SetDropRate sets the fraction (0.0-1.0) of deliveries that silently fail,
// simulating packet loss uniformly across the network.
func (m *Memory) SetDropRate(rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropRate = rate
}

// Partition cuts communication from -> to in both directions, simulating a
// network partition. Heal reverses it.
func (m *Memory) Partition(from, to raft.ServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cut(from, to, true)
	m.cut(to, from, true)
}

// Heal reverses a prior Partition between from and to.
func (m *Memory) Heal(from, to raft.ServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cut(from, to, false)
	m.cut(to, from, false)
}

func (m *Memory) cut(from, to raft.ServerID, broken bool) {
	if m.partitions[from] == nil {
		m.partitions[from] = map[raft.ServerID]bool{}
	}
	m.partitions[from][to] = broken
}

func (m *Memory) connected(from, to raft.ServerID) bool {
	// A write lock, not a read lock: m.rng is not safe for concurrent use.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partitions[from] != nil && m.partitions[from][to] {
		return false
	}
	return m.rng.Float64() >= m.dropRate
}

// Peer returns a raft.Peer that routes RPCs to dest through this network,
// as seen by a caller identified as from. Use this — not the dest Peer
// directly — wherever fault injection should apply.
func (m *Memory) Peer(from, dest raft.ServerID) raft.Peer {
	return &routedPeer{net: m, from: from, dest: dest}
}

type routedPeer struct {
	net  *Memory
	from raft.ServerID
	dest raft.ServerID
}

func (p *routedPeer) ID() raft.ServerID { return p.dest }

func (p *routedPeer) destination() (raft.Peer, bool) {
	p.net.mu.RLock()
	peer, ok := p.net.peers[p.dest]
	p.net.mu.RUnlock()
	return peer, ok && p.net.connected(p.from, p.dest)
}

func (p *routedPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	peer, ok := p.destination()
	if !ok {
		return raft.RequestVoteResponse{}
	}
	return peer.RequestVote(rv)
}

func (p *routedPeer) AppendEntries(ae raft.AppendEntries) raft.AppendEntriesResponse {
	peer, ok := p.destination()
	if !ok {
		return raft.AppendEntriesResponse{}
	}
	return peer.AppendEntries(ae)
}

func (p *routedPeer) Command(cmd []byte, response chan []byte) error {
	peer, ok := p.destination()
	if !ok {
		return raft.ErrTimeout
	}
	return peer.Command(cmd, response)
}

// PeersFrom builds the raft.Peers set that `from` should use: every other
// registered peer routed through this network (so faults apply), plus
// from's own direct Peer so self-counting and LocalPeer delivery still
// work.
func (m *Memory) PeersFrom(from raft.ServerID) raft.Peers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(raft.Peers, len(m.peers))
	for id, p := range m.peers {
		if id == from {
			out[id] = p
			continue
		}
		out[id] = m.Peer(from, id)
	}
	return out
}
