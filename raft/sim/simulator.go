// Package sim provides in-process harnesses for exercising the Raft core.
// World (world.go) is deterministic: it drives raft.Model values one
// explicit step at a time, with no real timers or sockets, and checks
// election safety, committed-prefix agreement, and the Figure-8 and
// heartbeat-prevents-election scenarios. Cluster (this file) is a
// generalization of the teacher's testOrder/testOrderTimeout multi-server
// harness: it spins up N LocalPeer-connected Servers running on real
// goroutines and timers, drives commands through them, and waits for
// convergence.
package sim

import (
	"fmt"
	"time"

	"github.com/dsavitskiy/raft"
)

// Cluster is a set of in-process Servers wired together through
// raft.LocalPeer, the same topology bernerdschaefer-raft's server_test.go
// builds by hand in testOrder. It exists so raft/sim's scenarios (and
// external callers writing their own) don't have to repeat that wiring.
type Cluster struct {
	Servers  []*raft.Server
	Appliers []*raft.Applier
	buffers  [][]byte
}

// NewCluster builds n servers, each applying committed commands by
// appending them (in order) to its own in-memory buffer, which tests
// inspect via Applied.
func NewCluster(n int) *Cluster {
	c := &Cluster{
		Servers:  make([]*raft.Server, n),
		Appliers: make([]*raft.Applier, n),
		buffers:  make([][]byte, n),
	}
	for i := 0; i < n; i++ {
		c.Servers[i] = raft.NewServer(raft.ServerID(i+1), nil, nil)
	}
	peerList := make([]raft.Peer, n)
	for i, s := range c.Servers {
		peerList[i] = raft.NewLocalPeer(s)
	}
	peers := raft.MakePeers(peerList...)
	for i, s := range c.Servers {
		s.SetPeers(peers)
		idx := i
		c.Appliers[i] = raft.NewApplier(s, func(cmd []byte) ([]byte, error) {
			c.buffers[idx] = append(c.buffers[idx], cmd...)
			return cmd, nil
		})
	}
	return c
}

// Start boots every server's goroutine loop.
func (c *Cluster) Start() {
	for _, s := range c.Servers {
		s.Start()
	}
}

// Stop halts every server.
func (c *Cluster) Stop() {
	for _, s := range c.Servers {
		s.Stop()
	}
}

// Tick drives every Applier once, applying whatever's newly committed.
func (c *Cluster) Tick() {
	for _, a := range c.Appliers {
		a.Tick()
	}
}

// Leader returns the first server currently claiming to be leader, or nil.
func (c *Cluster) Leader() *raft.Server {
	for _, s := range c.Servers {
		if s.State() == raft.Leader {
			return s
		}
	}
	return nil
}

// Applied returns server i's applied-command buffer.
func (c *Cluster) Applied(i int) []byte {
	return c.buffers[i]
}

// WaitForLeader polls until some server becomes leader or the timeout
// elapses.
func WaitForLeader(c *Cluster, timeout time.Duration) (*raft.Server, error) {
	deadline := time.Now().Add(timeout)
	for {
		if l := c.Leader(); l != nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("raft/sim: no leader elected within %s", timeout)
		}
		time.Sleep(raft.BroadcastInterval())
	}
}

// RunElectionAndReplicate is the common scenario driver: wait for a
// leader, submit cmd, tick appliers until every server's buffer reflects
// it or the timeout elapses.
func RunElectionAndReplicate(c *Cluster, cmd []byte, timeout time.Duration) error {
	leader, err := WaitForLeader(c, timeout)
	if err != nil {
		return err
	}
	if _, _, ok := leader.ClientAppend(cmd); !ok {
		return fmt.Errorf("raft/sim: leader rejected ClientAppend")
	}

	deadline := time.Now().Add(timeout)
	for {
		c.Tick()
		allCaughtUp := true
		for i := range c.Servers {
			if len(c.Applied(i)) < len(cmd) {
				allCaughtUp = false
				break
			}
		}
		if allCaughtUp {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("raft/sim: replication did not converge within %s", timeout)
		}
		time.Sleep(raft.BroadcastInterval())
	}
}
