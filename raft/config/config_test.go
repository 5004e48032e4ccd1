package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsavitskiy/raft/raft/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raftd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
self_id: 1
data_dir: /tmp/raft-1
listen_address: ":8081"
peers:
  - id: 1
    address: "localhost:8081"
  - id: 2
    address: "localhost:8082"
  - id: 3
    address: "localhost:8083"
`)
	c, err := config.Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 1, c.SelfID)
	require.Len(t, c.Peers, 3)
	addr, ok := c.PeerAddress(2)
	require.True(t, ok)
	require.Equal(t, "localhost:8082", addr)
}

func TestLoad_SelfNotInPeers(t *testing.T) {
	path := writeConfig(t, `
self_id: 9
data_dir: /tmp/raft-9
peers:
  - id: 1
    address: "localhost:8081"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_DuplicatePeerID(t *testing.T) {
	path := writeConfig(t, `
self_id: 1
data_dir: /tmp/raft-1
peers:
  - id: 1
    address: "localhost:8081"
  - id: 1
    address: "localhost:8082"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_MissingDataDir(t *testing.T) {
	path := writeConfig(t, `
self_id: 1
peers:
  - id: 1
    address: "localhost:8081"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}
