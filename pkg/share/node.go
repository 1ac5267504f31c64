package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/vmihailenco/msgpack/v5"
)

// ServiceTag for mDNS discovery.
const ServiceTag = "neurogrid-engram"

// Default timeouts for peer operations.
const (
	DefaultLookupTimeout = 5 * time.Second
	DefaultFetchTimeout  = 30 * time.Second
)

// ErrNotAvailable reports that no peer holds the requested engram.
var ErrNotAvailable = errors.New("engram not available from any peer")

// Source is the local engram provider the node serves to peers,
// typically a spill store.
type Source interface {
	Contains(id string) bool
	Get(id string) ([]byte, error)
	List() []string
}

// Config holds node configuration.
type Config struct {
	ListenPort     int
	EnableMDNS     bool
	BootstrapPeers []string // multiaddrs of bootstrap peers
}

// PeerState tracks one connected peer.
type PeerState struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	LastSeen  time.Time
	Connected bool
}

type response struct {
	header  Header
	payload []byte
}

// Node serves local engrams to peers and fetches remote ones. It
// implements the ai.RemoteFetcher contract via FetchEngram.
type Node struct {
	host   host.Host
	source Source
	log    *slog.Logger

	peersMu sync.RWMutex
	peers   map[peer.ID]*PeerState

	ctx      context.Context
	cancel   context.CancelFunc
	reqIDGen atomic.Uint64
}

// NewNode starts a libp2p host serving source.
func NewNode(ctx context.Context, cfg Config, source Source, log *slog.Logger) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid listen address: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	n := &Node{
		host:   h,
		source: source,
		log:    log,
		peers:  make(map[peer.ID]*PeerState),
		ctx:    nodeCtx,
		cancel: cancel,
	}
	h.SetStreamHandler(libp2pprotocol.ID(ProtocolID), n.handleStream)

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, ServiceTag, &discoveryNotifee{node: n})
		if err := svc.Start(); err != nil {
			log.Warn("mdns start failed", "err", err)
		}
	}
	for _, addr := range cfg.BootstrapPeers {
		if err := n.ConnectPeer(ctx, addr); err != nil {
			log.Warn("bootstrap connect failed", "addr", addr, "err", err)
		}
	}

	log.Info("engram share node started", "peer", h.ID().String())
	return n, nil
}

// ConnectPeer dials a peer multiaddr and adds it to the peer list.
func (n *Node) ConnectPeer(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return err
	}
	if err := n.host.Connect(ctx, *pi); err != nil {
		return err
	}

	n.peersMu.Lock()
	n.peers[pi.ID] = &PeerState{
		ID:        pi.ID,
		Addrs:     pi.Addrs,
		LastSeen:  time.Now(),
		Connected: true,
	}
	n.peersMu.Unlock()
	return nil
}

// handleStream answers one incoming request on its own stream.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	header, payload, err := ReadMessage(s)
	if err != nil {
		n.log.Warn("bad message", "peer", s.Conn().RemotePeer().String(), "err", err)
		return
	}

	switch header.Type {
	case MsgLookup:
		n.handleLookup(s, header, payload)
	case MsgGet:
		n.handleGet(s, header, payload)
	case MsgPing:
		n.handlePing(s, header)
	default:
		n.log.Warn("unknown message type", "type", int(header.Type))
	}
}

func (n *Node) handleLookup(s network.Stream, header Header, payload []byte) {
	var req LookupRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return
	}

	resp := LookupResponse{
		Found: make([]bool, len(req.IDs)),
		Sizes: make([]int64, len(req.IDs)),
	}
	for i, id := range req.IDs {
		if n.source.Contains(id) {
			resp.Found[i] = true
			if data, err := n.source.Get(id); err == nil {
				resp.Sizes[i] = int64(len(data))
			}
		}
	}
	WriteMessage(s, MsgLookupAck, header.RequestID, resp)
}

func (n *Node) handleGet(s network.Stream, header Header, payload []byte) {
	var req GetRequest
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		return
	}

	resp := GetResponse{
		Payloads: make([][]byte, len(req.IDs)),
		Errors:   make([]string, len(req.IDs)),
	}
	for i, id := range req.IDs {
		data, err := n.source.Get(id)
		if err != nil {
			resp.Errors[i] = err.Error()
			continue
		}
		resp.Payloads[i] = data
	}
	WriteMessage(s, MsgGetAck, header.RequestID, resp)
}

func (n *Node) handlePing(s network.Stream, header Header) {
	resp := PongResponse{
		ReceivedAt: time.Now().UnixNano(),
		Engrams:    int64(len(n.source.List())),
	}
	WriteMessage(s, MsgPong, header.RequestID, resp)
}

// Lookup queries all connected peers for engram ids. Returns a map of
// peer to indices of found ids.
func (n *Node) Lookup(ctx context.Context, ids []string) (map[peer.ID][]int, error) {
	req := LookupRequest{IDs: ids}
	reqID := n.reqIDGen.Add(1)

	n.peersMu.RLock()
	peers := make([]peer.ID, 0, len(n.peers))
	for pid := range n.peers {
		peers = append(peers, pid)
	}
	n.peersMu.RUnlock()

	results := make(map[peer.ID][]int)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, pid := range peers {
		wg.Add(1)
		go func(pid peer.ID) {
			defer wg.Done()

			resp, err := n.sendRequest(ctx, pid, MsgLookup, reqID, req)
			if err != nil {
				return
			}
			var lookupResp LookupResponse
			if err := msgpack.Unmarshal(resp.payload, &lookupResp); err != nil {
				return
			}

			var found []int
			for i, ok := range lookupResp.Found {
				if ok {
					found = append(found, i)
				}
			}
			if len(found) > 0 {
				resultsMu.Lock()
				results[pid] = found
				resultsMu.Unlock()
			}
		}(pid)
	}
	wg.Wait()
	return results, nil
}

// FetchFromPeer retrieves engram payloads from one peer; misses come
// back nil.
func (n *Node) FetchFromPeer(ctx context.Context, pid peer.ID, ids []string) ([][]byte, error) {
	req := GetRequest{IDs: ids}
	reqID := n.reqIDGen.Add(1)

	resp, err := n.sendRequest(ctx, pid, MsgGet, reqID, req)
	if err != nil {
		return nil, err
	}
	var getResp GetResponse
	if err := msgpack.Unmarshal(resp.payload, &getResp); err != nil {
		return nil, err
	}
	return getResp.Payloads, nil
}

// FetchEngram finds and fetches one engram from any peer that has it.
// Satisfies the AI context's remote fetcher contract.
func (n *Node) FetchEngram(ctx context.Context, id string) ([]byte, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, DefaultLookupTimeout)
	results, err := n.Lookup(lookupCtx, []string{id})
	cancel()
	if err != nil {
		return nil, err
	}

	for pid := range results {
		fetchCtx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
		payloads, err := n.FetchFromPeer(fetchCtx, pid, []string{id})
		cancel()
		if err != nil {
			n.log.Warn("peer fetch failed", "peer", pid.String(), "err", err)
			continue
		}
		if len(payloads) > 0 && payloads[0] != nil {
			return payloads[0], nil
		}
	}
	return nil, ErrNotAvailable
}

// sendRequest opens a stream, writes the request and reads the reply.
func (n *Node) sendRequest(ctx context.Context, pid peer.ID, msgType MessageType, reqID uint64, payload interface{}) (*response, error) {
	s, err := n.host.NewStream(ctx, pid, libp2pprotocol.ID(ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()

	if err := WriteMessage(s, msgType, reqID, payload); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	respChan := make(chan *response, 1)
	errChan := make(chan error, 1)
	go func() {
		header, respPayload, err := ReadMessage(s)
		if err != nil {
			errChan <- fmt.Errorf("failed to read response: %w", err)
			return
		}
		respChan <- &response{header: header, payload: respPayload}
	}()

	select {
	case resp := <-respChan:
		return resp, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peers lists connected peers.
func (n *Node) Peers() []PeerState {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]PeerState, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, *p)
	}
	return peers
}

// Close shuts the node down.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

// discoveryNotifee adds mDNS-discovered peers.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if err := d.node.host.Connect(d.node.ctx, pi); err != nil {
		d.node.log.Warn("discovered peer connect failed", "err", err)
		return
	}

	d.node.peersMu.Lock()
	d.node.peers[pi.ID] = &PeerState{
		ID:        pi.ID,
		Addrs:     pi.Addrs,
		LastSeen:  time.Now(),
		Connected: true,
	}
	d.node.peersMu.Unlock()
	d.node.log.Info("connected to peer", "peer", pi.ID.String())
}
