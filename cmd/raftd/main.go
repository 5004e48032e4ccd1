// Command raftd runs a single Raft cluster member as a standalone
// process: an HTTP-reachable Server, durable FileStore persistence, and a
// toy in-memory key-value store as the replicated application state
// machine (the same role srkaysh-Key-Value-store's kvraft.Server plays
// over its own embedded raft library).
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dsavitskiy/raft"
	"github.com/dsavitskiy/raft/raft/config"
	"github.com/dsavitskiy/raft/raft/store"
	"github.com/dsavitskiy/raft/raft/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "raftd",
		Short: "Run a single Raft cluster member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the cluster YAML manifest")
	cmd.MarkFlagRequired("config")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	raft.MinimumElectionTimeoutMs = cfg.MinimumElectionTimeoutMs

	fileStorePath := cfg.DataDir + "/raft.log"
	fs, err := store.Open(fileStorePath)
	if err != nil {
		return fmt.Errorf("raftd: open store: %w", err)
	}
	defer fs.Close()

	term, votedFor, entries, err := fs.Load()
	if err != nil {
		return fmt.Errorf("raftd: load store: %w", err)
	}
	sugar.Infow("loaded persisted state", "term", term, "voted_for", votedFor, "entries", len(entries))

	metrics := raft.NewMetrics(nil, cfg.SelfID)
	kv := newKVStore()
	server := raft.NewServer(cfg.SelfID, sugar, metrics)
	server.RestoreState(term, votedFor, entries)
	server.SetPersister(fs)
	applier := raft.NewApplier(server, kv.apply)

	mux := http.NewServeMux()
	transport.NewHTTPServer(raft.NewLocalPeer(server)).Install(mux)
	kv.install(mux, server, applier)

	peers := raft.Peers{}
	for _, p := range cfg.Peers {
		if p.ID == cfg.SelfID {
			peers[p.ID] = raft.NewLocalPeer(server)
			continue
		}
		peers[p.ID] = transport.NewHTTPPeer(p.ID, "http://"+p.Address, nil)
	}
	server.SetPeers(peers)
	server.Start()
	defer server.Stop()

	sugar.Infow("raftd listening", "address", cfg.ListenAddress, "self_id", cfg.SelfID)
	return http.ListenAndServe(cfg.ListenAddress, mux)
}

// kvStore is the toy replicated application: a plain in-memory map,
// mutated only from Applier.Tick (never directly from an HTTP handler),
// matching spec.md §4.6's requirement that the application only observes
// committed commands in order.
type kvStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func newKVStore() *kvStore {
	return &kvStore{data: map[string]string{}}
}

type kvCommand struct {
	Op    string `json:"op"` // "set" or "delete"
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (k *kvStore) apply(cmd []byte) ([]byte, error) {
	var c kvCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, err
	}
	k.mu.Lock()
	switch c.Op {
	case "set":
		k.data[c.Key] = c.Value
	case "delete":
		delete(k.data, c.Key)
	}
	k.mu.Unlock()
	return json.Marshal(c)
}

func (k *kvStore) get(key string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	return v, ok
}

func (k *kvStore) install(mux *http.ServeMux, server *raft.Server, applier *raft.Applier) {
	mux.HandleFunc("/kv/get", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		v, ok := k.get(key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, v)
	})

	mux.HandleFunc("/kv/set", func(w http.ResponseWriter, r *http.Request) {
		var c kvCommand
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		buf, _ := json.Marshal(c)
		index, _, ok := server.ClientAppend(buf)
		if !ok {
			id, hasHint := server.LeaderHint()
			if hasHint {
				http.Error(w, fmt.Sprintf("not leader; try %d", id), http.StatusTemporaryRedirect)
			} else {
				http.Error(w, "not leader", http.StatusServiceUnavailable)
			}
			return
		}
		applier.Tick()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "accepted at index %d", index)
	})
}
