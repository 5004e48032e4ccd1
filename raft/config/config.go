// Package config loads the static, load-time configuration spec.md §6
// calls for: cluster membership and this node's own identity, parsed from
// a YAML manifest, grounded on ChuLiYu-raft-recovery's gopkg.in/yaml.v3
// dependency for the same purpose.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dsavitskiy/raft"
)

// Peer describes one cluster member as it appears in the manifest.
type Peer struct {
	ID      raft.ServerID `yaml:"id"`
	Address string        `yaml:"address"`
}

// Config is the full static configuration for one raftd process: which
// node it is, and the full membership it should dial.
type Config struct {
	SelfID                   raft.ServerID `yaml:"self_id"`
	Peers                    []Peer        `yaml:"peers"`
	DataDir                  string        `yaml:"data_dir"`
	ListenAddress            string        `yaml:"listen_address"`
	MinimumElectionTimeoutMs int           `yaml:"minimum_election_timeout_ms"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("raft/config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("raft/config: parse %s: %w", path, err)
	}
	if c.MinimumElectionTimeoutMs == 0 {
		c.MinimumElectionTimeoutMs = raft.MinimumElectionTimeoutMs
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.SelfID == 0 {
		return fmt.Errorf("raft/config: self_id must be set and nonzero")
	}
	found := false
	seen := map[raft.ServerID]bool{}
	for _, p := range c.Peers {
		if p.ID == 0 {
			return fmt.Errorf("raft/config: peer with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("raft/config: duplicate peer id %d", p.ID)
		}
		seen[p.ID] = true
		if p.ID == c.SelfID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("raft/config: self_id %d not present in peers", c.SelfID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("raft/config: data_dir must be set")
	}
	return nil
}

// PeerAddress returns the configured address for id, if present.
func (c *Config) PeerAddress(id raft.ServerID) (string, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p.Address, true
		}
	}
	return "", false
}
