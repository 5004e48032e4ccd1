package raft_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsavitskiy/raft"
)

func TestFollowerToCandidate(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	server := raft.NewServer(1, nil, nil)
	server.SetPeers(raft.MakePeers(raft.NewLocalPeer(server), nonresponsivePeer(2), nonresponsivePeer(3)))
	if server.State() != raft.Follower {
		t.Fatalf("didn't start as Follower")
	}

	server.Start()
	defer server.Stop()

	time.Sleep(raft.MaximumElectionTimeout())

	cutoff := time.Now().Add(2 * raft.MinimumElectionTimeout())
	backoff := raft.BroadcastInterval()
	for {
		if time.Now().After(cutoff) {
			t.Fatal("failed to become Candidate")
		}
		if state := server.State(); state != raft.Candidate {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		break
	}
}

func TestCandidateToLeader(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	server := raft.NewServer(1, nil, nil)
	server.SetPeers(raft.MakePeers(raft.NewLocalPeer(server), approvingPeer(2), nonresponsivePeer(3)))
	server.Start()
	defer server.Stop()

	time.Sleep(raft.MaximumElectionTimeout())

	cutoff := time.Now().Add(2 * raft.MaximumElectionTimeout())
	backoff := raft.BroadcastInterval()
	for {
		if time.Now().After(cutoff) {
			t.Fatal("failed to become Leader")
		}
		if state := server.State(); state != raft.Leader {
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		break
	}
}

func TestFailedElection(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	server := raft.NewServer(1, nil, nil)
	server.SetPeers(raft.MakePeers(raft.NewLocalPeer(server), disapprovingPeer(2), nonresponsivePeer(3)))
	server.Start()
	defer server.Stop()

	time.Sleep(2 * raft.ElectionTimeout())
	if server.State() == raft.Leader {
		t.Fatalf("erroneously became Leader")
	}
}

// TestHeartbeatPreventsElection verifies scenario 6 from the replication
// protocol: a follower hearing heartbeats on schedule never starts an
// election, even as its timeout repeatedly comes due.
func TestHeartbeatPreventsElection(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	leader := raft.NewServer(1, nil, nil)
	follower := raft.NewServer(2, nil, nil)
	peers := raft.MakePeers(raft.NewLocalPeer(leader), raft.NewLocalPeer(follower))
	leader.SetPeers(peers)
	follower.SetPeers(peers)

	leader.Start()
	follower.Start()
	defer leader.Stop()
	defer follower.Stop()

	// Force an election so one of the two becomes leader.
	deadline := time.Now().Add(2 * time.Second)
	for leader.State() != raft.Leader && follower.State() != raft.Leader {
		if time.Now().After(deadline) {
			t.Fatal("no leader elected")
		}
		time.Sleep(raft.BroadcastInterval())
	}

	// Now hold for several election timeouts; the follower must never
	// itself start an election while heartbeats keep arriving, and any
	// election would bump the term.
	term := leader.Term()
	if follower.Term() > term {
		term = follower.Term()
	}
	for i := 0; i < 5; i++ {
		time.Sleep(raft.MaximumElectionTimeout())
		if lt, ft := leader.Term(), follower.Term(); lt != term || ft != term {
			t.Fatalf("term moved from %d to %d/%d despite heartbeats", term, lt, ft)
		}
	}
}

func TestSimpleConsensus(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	type SetValue struct {
		Value int32 `json:"value"`
	}

	var i1, i2, i3 int32

	applyValue := func(i *int32) raft.ApplyFunc {
		return func(cmd []byte) ([]byte, error) {
			var sv SetValue
			if err := json.Unmarshal(cmd, &sv); err != nil {
				return []byte{}, err
			}
			atomic.StoreInt32(i, sv.Value)
			return json.Marshal(sv)
		}
	}

	s1 := raft.NewServer(1, nil, nil)
	s2 := raft.NewServer(2, nil, nil)
	s3 := raft.NewServer(3, nil, nil)

	a1 := raft.NewApplier(s1, applyValue(&i1))
	a2 := raft.NewApplier(s2, applyValue(&i2))
	a3 := raft.NewApplier(s3, applyValue(&i3))

	peers := raft.MakePeers(raft.NewLocalPeer(s1), raft.NewLocalPeer(s2), raft.NewLocalPeer(s3))
	s1.SetPeers(peers)
	s2.SetPeers(peers)
	s3.SetPeers(peers)

	s1.Start()
	s2.Start()
	s3.Start()
	defer s1.Stop()
	defer s2.Stop()
	defer s3.Stop()

	stopApplying := make(chan struct{})
	defer close(stopApplying)
	for _, a := range []*raft.Applier{a1, a2, a3} {
		go func(a *raft.Applier) {
			ticker := time.NewTicker(raft.BroadcastInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.Tick()
				case <-stopApplying:
					return
				}
			}
		}(a)
	}

	var v int32 = 42
	cmd, _ := json.Marshal(SetValue{v})

	leader := waitForLeader(t, []*raft.Server{s1, s2, s3}, 2*time.Second)
	if _, _, ok := leader.ClientAppend(cmd); !ok {
		t.Fatal("leader rejected its own ClientAppend")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		i1l, i2l, i3l := atomic.LoadInt32(&i1), atomic.LoadInt32(&i2), atomic.LoadInt32(&i3)
		if i1l == v && i2l == v && i3l == v {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for replication: i1=%d i2=%d i3=%d", i1l, i2l, i3l)
		}
		time.Sleep(raft.BroadcastInterval())
	}
}

// recordingPersister captures every Save call, for asserting that a
// Server persists before it replies to RPCs that mutate its state (spec
// §6/§7).
type recordingPersister struct {
	mu    sync.Mutex
	saves []struct {
		term     raft.Term
		votedFor *raft.ServerID
	}
}

func (p *recordingPersister) Save(term raft.Term, votedFor *raft.ServerID, _ []raft.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, struct {
		term     raft.Term
		votedFor *raft.ServerID
	}{term, votedFor})
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

// TestPersister_SavesVoteBeforeGranting verifies that granting a vote
// durably records (current_term, voted_for) — spec §4.3: "persist...
// before replying granted=true."
func TestPersister_SavesVoteBeforeGranting(t *testing.T) {
	server := raft.NewServer(1, nil, nil)
	persister := &recordingPersister{}
	server.SetPersister(persister)
	server.SetPeers(raft.MakePeers(raft.NewLocalPeer(server), nonresponsivePeer(2), nonresponsivePeer(3)))
	server.Start()
	defer server.Stop()

	resp := server.HandleRequestVote(raft.RequestVote{Term: 5, CandidateID: 9})
	require.True(t, resp.Granted)
	require.GreaterOrEqual(t, persister.count(), 1)
}

// TestPersister_SavesOnTermBump verifies a term advance observed via
// AppendEntries is persisted, not just vote grants.
func TestPersister_SavesOnTermBump(t *testing.T) {
	server := raft.NewServer(1, nil, nil)
	persister := &recordingPersister{}
	server.SetPersister(persister)
	server.SetPeers(raft.MakePeers(raft.NewLocalPeer(server), nonresponsivePeer(2), nonresponsivePeer(3)))
	server.Start()
	defer server.Stop()

	resp := server.HandleAppendEntries(raft.AppendEntries{Term: 7, LeaderID: 2, PrevIndex: raft.NoIndex, PrevTerm: raft.NoTerm})
	require.True(t, resp.Success)
	require.GreaterOrEqual(t, persister.count(), 1)
}

// TestServer_RestoreState verifies a fresh Server picks up where a prior
// instance left off, as raftd does after loading its FileStore on boot.
func TestServer_RestoreState(t *testing.T) {
	server := raft.NewServer(1, nil, nil)
	voter := raft.ServerID(4)
	server.RestoreState(3, &voter, []raft.LogEntry{{Term: 1, Command: []byte("a")}, {Term: 3, Command: []byte("b")}})

	require.Equal(t, raft.Term(3), server.Term())
	entry, ok := server.EntryAt(1)
	require.True(t, ok)
	require.Equal(t, []byte("b"), entry.Command)

	// HandleRequestVote is served by the loop goroutine, so start it.
	server.Start()
	defer server.Stop()

	// A competing candidate in the same term as the restored vote can't
	// win this server's vote away from its restored choice.
	resp := server.HandleRequestVote(raft.RequestVote{Term: 3, CandidateID: 9, LastLogIndex: 1, LastLogTerm: 3})
	require.False(t, resp.Granted)
}

func waitForLeader(t *testing.T, servers []*raft.Server, timeout time.Duration) *raft.Server {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, s := range servers {
			if s.State() == raft.Leader {
				return s
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no leader elected")
		}
		time.Sleep(raft.BroadcastInterval())
	}
}

func TestOrdering_1Server(t *testing.T) { testOrderTimeout(t, 1, 5*time.Second) }
func TestOrdering_2Servers(t *testing.T) { testOrderTimeout(t, 2, 5*time.Second) }
func TestOrdering_3Servers(t *testing.T) { testOrderTimeout(t, 3, 5*time.Second) }
func TestOrdering_4Servers(t *testing.T) { testOrderTimeout(t, 4, 5*time.Second) }
func TestOrdering_5Servers(t *testing.T) { testOrderTimeout(t, 5, 5*time.Second) }

func testOrderTimeout(t *testing.T, nServers int, timeout time.Duration) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(50, 100)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	done := make(chan struct{})
	go func() { testOrder(t, nServers); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timeout (infinite loop?)")
	}
}

func testOrder(t *testing.T, nServers int) {
	type send struct {
		Send int `json:"send"`
	}

	servers := make([]*raft.Server, nServers)
	buffers := make([]*synchronizedBuffer, nServers)
	appliers := make([]*raft.Applier, nServers)
	for i := 0; i < nServers; i++ {
		buffers[i] = &synchronizedBuffer{}
		servers[i] = raft.NewServer(raft.ServerID(i+1), nil, nil)
		sb := buffers[i]
		appliers[i] = raft.NewApplier(servers[i], func(buf []byte) ([]byte, error) {
			sb.Write(buf)
			return buf, nil
		})
	}

	peerList := make([]raft.Peer, nServers)
	for i, s := range servers {
		peerList[i] = raft.NewLocalPeer(s)
	}
	peers := raft.MakePeers(peerList...)
	for _, s := range servers {
		s.SetPeers(peers)
	}

	values := []int{1, 2, 3, 4, 5, 6, 7, 8}
	cmds := make([][]byte, len(values))
	expected := &synchronizedBuffer{}
	for i, v := range values {
		buf, _ := json.Marshal(send{v})
		cmds[i] = buf
		expected.Write(buf)
	}

	stop := make(chan struct{})
	for _, a := range appliers {
		go func(a *raft.Applier) {
			ticker := time.NewTicker(raft.BroadcastInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.Tick()
				case <-stop:
					return
				}
			}
		}(a)
	}
	defer close(stop)

	for _, s := range servers {
		s.Start()
		defer s.Stop()
	}

	for _, cmd := range cmds {
		for {
			leader := firstLeader(servers)
			if leader == nil {
				time.Sleep(raft.ElectionTimeout())
				continue
			}
			if _, _, ok := leader.ClientAppend(cmd); ok {
				break
			}
		}
	}

	for i, sb := range buffers {
		for {
			if len(sb.String()) >= len(expected.String()) {
				if sb.String() != expected.String() {
					t.Errorf("server %d: expected\n\t%s\ngot\n\t%s", i+1, expected.String(), sb.String())
				}
				break
			}
			time.Sleep(raft.BroadcastInterval())
		}
	}
}

func firstLeader(servers []*raft.Server) *raft.Server {
	for _, s := range servers {
		if s.State() == raft.Leader {
			return s
		}
	}
	return nil
}

type synchronizedBuffer struct {
	sync.RWMutex
	buf bytes.Buffer
}

func (b *synchronizedBuffer) Write(p []byte) (int, error) {
	b.Lock()
	defer b.Unlock()
	return b.buf.Write(p)
}

func (b *synchronizedBuffer) String() string {
	b.RLock()
	defer b.RUnlock()
	return b.buf.String()
}

type nonresponsivePeer raft.ServerID

func (p nonresponsivePeer) ID() raft.ServerID { return raft.ServerID(p) }
func (p nonresponsivePeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p nonresponsivePeer) RequestVote(raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{}
}
func (p nonresponsivePeer) Command([]byte, chan []byte) error {
	return fmt.Errorf("not implemented")
}

type approvingPeer raft.ServerID

func (p approvingPeer) ID() raft.ServerID { return raft.ServerID(p) }
func (p approvingPeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p approvingPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{Term: rv.Term, VoterID: raft.ServerID(p), Granted: true}
}
func (p approvingPeer) Command([]byte, chan []byte) error {
	return fmt.Errorf("not implemented")
}

type disapprovingPeer raft.ServerID

func (p disapprovingPeer) ID() raft.ServerID { return raft.ServerID(p) }
func (p disapprovingPeer) AppendEntries(raft.AppendEntries) raft.AppendEntriesResponse {
	return raft.AppendEntriesResponse{}
}
func (p disapprovingPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	return raft.RequestVoteResponse{Term: rv.Term, VoterID: raft.ServerID(p), Granted: false}
}
func (p disapprovingPeer) Command([]byte, chan []byte) error {
	return fmt.Errorf("not implemented")
}
