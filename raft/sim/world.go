package sim

import (
	"fmt"
	"math/rand"

	"github.com/dsavitskiy/raft"
)

// envelope is a message in flight between two nodes, queued until the
// driver chooses to deliver (or drop, or duplicate) it. Unlike Cluster's
// goroutine-driven servers, nothing here delivers automatically: a World
// only changes state when the driver calls one of its methods, which is
// what makes a whole run reproducible from nothing but the sequence of
// calls made against it.
type envelope struct {
	from, to raft.ServerID
	msg      raft.Message
}

// World is the deterministic counterpart to Cluster: an n-node raft
// cluster built entirely from raft.Model values, with no goroutines, no
// real timers, and no sockets. Every state change is one explicit step —
// deliver/drop/duplicate a queued message, or fire one node's election or
// heartbeat timeout — so a sequence of steps can be replayed exactly,
// which is the property spec.md §8's "exhaustively (or via randomized
// DFS) explore event orderings" needs from its harness.
type World struct {
	models map[raft.ServerID]*raft.Model
	ids    []raft.ServerID
	queue  []envelope
}

// NewWorld builds an n-node cluster, every node a peer of every other,
// all starting as Followers with empty logs.
func NewWorld(n int) *World {
	ids := make([]raft.ServerID, n)
	for i := range ids {
		ids[i] = raft.ServerID(i + 1)
	}
	w := &World{models: make(map[raft.ServerID]*raft.Model, n), ids: ids}
	for _, id := range ids {
		peers := make([]raft.ServerID, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		w.models[id] = raft.NewModel(id, peers, nil)
	}
	return w
}

// Model returns the node identified by id.
func (w *World) Model(id raft.ServerID) *raft.Model { return w.models[id] }

// IDs returns every node ID in the cluster.
func (w *World) IDs() []raft.ServerID { return append([]raft.ServerID(nil), w.ids...) }

// Pending returns the number of messages currently queued, undelivered.
func (w *World) Pending() int { return len(w.queue) }

func (w *World) enqueue(from raft.ServerID, out []raft.Outbound) {
	for _, o := range out {
		w.queue = append(w.queue, envelope{from: from, to: o.Dest, msg: o.Msg})
	}
}

// ElectionTimeout fires id's election timeout.
func (w *World) ElectionTimeout(id raft.ServerID) {
	w.enqueue(id, w.models[id].Step(raft.ElectionTimeoutEvent{}))
}

// HeartbeatTimeout fires id's heartbeat timeout (a no-op unless id is
// Leader).
func (w *World) HeartbeatTimeout(id raft.ServerID) {
	w.enqueue(id, w.models[id].Step(raft.HeartbeatTimeoutEvent{}))
}

// ClientAppend submits cmd to id's log (a no-op unless id is Leader).
func (w *World) ClientAppend(id raft.ServerID, cmd []byte) {
	w.models[id].Step(raft.ClientAppendEvent{Command: cmd})
}

// DeliverAt delivers the queued message at index i to its destination,
// removing it from the queue and enqueueing whatever reply it produces.
func (w *World) DeliverAt(i int) {
	env := w.queue[i]
	w.queue = append(w.queue[:i:i], w.queue[i+1:]...)
	dest, ok := w.models[env.to]
	if !ok {
		return
	}
	w.enqueue(env.to, dest.Step(raft.MessageIn{From: env.from, Msg: env.msg}))
}

// DropAt discards the queued message at index i without delivering it —
// spec.md §5/§7's "message loss is silently accepted."
func (w *World) DropAt(i int) {
	w.queue = append(w.queue[:i:i], w.queue[i+1:]...)
}

// DuplicateAt re-enqueues a copy of the message at index i, leaving the
// original in place — spec.md §5's "duplicate delivery is tolerated."
func (w *World) DuplicateAt(i int) {
	w.queue = append(w.queue, w.queue[i])
}

// DeliverTo delivers every currently-queued message addressed to id, in
// queue order, and returns how many were delivered. Responses those
// deliveries produce are addressed back to the original sender, not to
// id, so this always terminates. It's the building block scenario tests
// use to simulate "this node is the only one that hears about it" without
// hand-tracking queue indices.
func (w *World) DeliverTo(id raft.ServerID) int {
	delivered := 0
	for {
		idx := -1
		for i, e := range w.queue {
			if e.to == id {
				idx = i
				break
			}
		}
		if idx == -1 {
			return delivered
		}
		w.DeliverAt(idx)
		delivered++
	}
}

// DropTo discards every currently-queued message addressed to id, without
// delivering any of them, and returns how many were dropped. Used to
// simulate a node being (temporarily or permanently) unreachable.
func (w *World) DropTo(id raft.ServerID) int {
	dropped := 0
	kept := w.queue[:0]
	for _, e := range w.queue {
		if e.to == id {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	w.queue = kept
	return dropped
}

// CheckInvariants asserts the universal invariants from spec.md §8
// against the World's current state: no log holes up to commit_index, no
// two leaders in the same term, and state-machine safety (any two nodes
// that have both committed index i agree on the command there).
func (w *World) CheckInvariants() error {
	leadersByTerm := map[raft.Term][]raft.ServerID{}
	committed := map[raft.Index][]byte{}

	for _, id := range w.ids {
		m := w.models[id]
		if m.Role() == raft.Leader {
			leadersByTerm[m.Term()] = append(leadersByTerm[m.Term()], id)
		}
		if int(m.CommitIndex())+1 > m.LogLen() {
			return fmt.Errorf("node %d: commit index %d outruns log length %d", id, m.CommitIndex(), m.LogLen())
		}
		for i := raft.Index(0); i <= m.CommitIndex(); i++ {
			entry, ok := m.EntryAt(i)
			if !ok {
				return fmt.Errorf("node %d: hole at committed index %d", id, i)
			}
			if prior, seen := committed[i]; seen {
				if string(prior) != string(entry.Command) {
					return fmt.Errorf("state-machine safety violated at index %d: %q vs %q", i, prior, entry.Command)
				}
			} else {
				committed[i] = entry.Command
			}
		}
	}
	for term, leaders := range leadersByTerm {
		if len(leaders) > 1 {
			return fmt.Errorf("term %d: multiple leaders %v", term, leaders)
		}
	}
	return nil
}

// RandomRun drives steps random actions against a fresh nodes-node World,
// asserting CheckInvariants after every single one, and returns the first
// violation encountered (or nil if none occurred across the whole run).
// rng is caller-supplied so a failing run's seed can be logged and
// replayed exactly — the randomized-DFS exploration spec.md §8 asks for.
func RandomRun(rng *rand.Rand, nodes int, steps int) error {
	w := NewWorld(nodes)
	for i := 0; i < steps; i++ {
		w.randomStep(rng)
		if err := w.CheckInvariants(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// randomStep performs one of: fire a random node's election timeout, fire
// a random node's heartbeat timeout, submit a random client command to a
// random node, or (only when something is queued) deliver/drop/duplicate
// a random pending message. Folding message actions into the same choice
// as timer actions is what produces the arbitrary interleavings of
// replication and election traffic spec.md's Figure-8 scenario depends on.
func (w *World) randomStep(rng *rand.Rand) {
	const timerActions = 3
	n := timerActions
	if len(w.queue) > 0 {
		n += 3
	}
	switch rng.Intn(n) {
	case 0:
		w.ElectionTimeout(w.randomID(rng))
	case 1:
		w.HeartbeatTimeout(w.randomID(rng))
	case 2:
		w.ClientAppend(w.randomID(rng), []byte{byte(rng.Intn(256))})
	case 3:
		w.DeliverAt(rng.Intn(len(w.queue)))
	case 4:
		w.DropAt(rng.Intn(len(w.queue)))
	case 5:
		w.DuplicateAt(rng.Intn(len(w.queue)))
	}
}

func (w *World) randomID(rng *rand.Rand) raft.ServerID {
	return w.ids[rng.Intn(len(w.ids))]
}

// DrainMessages repeatedly delivers the head of the queue until it's
// empty or limit deliveries have happened, for scenarios that want a
// quiescent network without reasoning about delivery order themselves.
func (w *World) DrainMessages(limit int) {
	for i := 0; i < limit && len(w.queue) > 0; i++ {
		w.DeliverAt(0)
	}
}
