package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dsavitskiy/raft"
)

// Path constants for the HTTP binding, mirroring the teacher's
// rafthttp.IdPath/CommandPath/AppendEntriesPath/RequestVotePath.
const (
	IDPath            = "/raft/id"
	CommandPath       = "/raft/command"
	AppendEntriesPath = "/raft/appendEntries"
	RequestVotePath   = "/raft/requestVote"
)

// Mux is the subset of http.ServeMux this package needs, so HTTPServer can
// be installed on a real mux or (in tests) a fake one.
type Mux interface {
	HandleFunc(path string, handler func(http.ResponseWriter, *http.Request))
}

// HTTPServer exposes a raft.Peer (almost always a *raft.Server wrapped in
// raft.LocalPeer; *raft.Server itself does not implement Peer) over HTTP,
// the real-network counterpart to Memory.
type HTTPServer struct {
	peer raft.Peer
}

// NewHTTPServer wraps peer for HTTP installation.
func NewHTTPServer(peer raft.Peer) *HTTPServer {
	return &HTTPServer{peer: peer}
}

// Install registers this server's handlers on mux.
func (s *HTTPServer) Install(mux Mux) {
	mux.HandleFunc(IDPath, s.handleID)
	mux.HandleFunc(CommandPath, s.handleCommand)
	mux.HandleFunc(AppendEntriesPath, s.handleAppendEntries)
	mux.HandleFunc(RequestVotePath, s.handleRequestVote)
}

func (s *HTTPServer) handleID(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%d", s.peer.ID())
}

func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	response := make(chan []byte, 1)
	if err := s.peer.Command(body, response); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Write(<-response)
}

func (s *HTTPServer) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntries
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(s.peer.AppendEntries(req))
}

func (s *HTTPServer) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVote
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(s.peer.RequestVote(req))
}

// HTTPPeer is a raft.Peer that reaches a remote node over HTTP, the
// dial-out counterpart to HTTPServer.
type HTTPPeer struct {
	id      raft.ServerID
	baseURL string
	client  *http.Client
}

// NewHTTPPeer builds a Peer that calls baseURL (e.g.
// "http://10.0.0.2:8080") over HTTP. id is cached rather than fetched from
// IDPath on every call.
func NewHTTPPeer(id raft.ServerID, baseURL string, client *http.Client) *HTTPPeer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPeer{id: id, baseURL: baseURL, client: client}
}

func (p *HTTPPeer) ID() raft.ServerID { return p.id }

func (p *HTTPPeer) AppendEntries(ae raft.AppendEntries) raft.AppendEntriesResponse {
	var resp raft.AppendEntriesResponse
	if err := p.postJSON(AppendEntriesPath, ae, &resp); err != nil {
		return raft.AppendEntriesResponse{}
	}
	return resp
}

func (p *HTTPPeer) RequestVote(rv raft.RequestVote) raft.RequestVoteResponse {
	var resp raft.RequestVoteResponse
	if err := p.postJSON(RequestVotePath, rv, &resp); err != nil {
		return raft.RequestVoteResponse{}
	}
	return resp
}

func (p *HTTPPeer) Command(cmd []byte, response chan []byte) error {
	resp, err := p.client.Post(p.baseURL+CommandPath, "application/json", bytes.NewReader(cmd))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("raft: command rejected: %s", body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	go func() { response <- body }()
	return nil
}

func (p *HTTPPeer) postJSON(path string, body, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	resp, err := p.client.Post(p.baseURL+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("raft: %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchID retrieves the remote peer's ID via IDPath, for bootstrapping an
// HTTPPeer from nothing but an address.
func FetchID(baseURL string, client *http.Client) (raft.ServerID, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(baseURL + IDPath)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(string(body), 10, 64)
	if err != nil {
		return 0, err
	}
	return raft.ServerID(id), nil
}
