package sim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsavitskiy/raft"
	"github.com/dsavitskiy/raft/raft/sim"
)

func TestCluster_ElectsALeader(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	c := sim.NewCluster(3)
	c.Start()
	defer c.Stop()

	_, err := sim.WaitForLeader(c, 2*time.Second)
	require.NoError(t, err)
}

func TestCluster_ReplicatesACommand(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	c := sim.NewCluster(3)
	c.Start()
	defer c.Stop()

	require.NoError(t, sim.RunElectionAndReplicate(c, []byte("hello"), 2*time.Second))
	for i := range c.Servers {
		require.Equal(t, []byte("hello"), c.Applied(i))
	}
}

// TestCluster_SingleNodeWinsImmediately exercises the single-node-cluster
// trivial-win path in becomeCandidate.
func TestCluster_SingleNodeWinsImmediately(t *testing.T) {
	oldMin, oldMax := raft.ResetElectionTimeoutMs(25, 50)
	defer raft.ResetElectionTimeoutMs(oldMin, oldMax)

	c := sim.NewCluster(1)
	c.Start()
	defer c.Stop()

	leader, err := sim.WaitForLeader(c, time.Second)
	require.NoError(t, err)
	require.Equal(t, raft.ServerID(1), leader.ID())
}
