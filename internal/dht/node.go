package dht

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yoep/torrentcore/internal/logger"
)

// TransactionTimeout is the per-outstanding-query deadline (spec §4.4).
const TransactionTimeout = 10 * time.Second

// InfoHashLookup answers get_peers/announce_peer queries with the peers we
// know for an info hash, and records newly learned peers.
type InfoHashLookup interface {
	Peers(infoHash [20]byte) []*net.UDPAddr
	AddPeer(infoHash [20]byte, addr *net.UDPAddr)
}

// Node is a BEP 5 DHT node: routing table + KRPC transport.
type Node struct {
	id      ID
	conn    *net.UDPConn
	table   *RoutingTable
	lookup  InfoHashLookup
	log     logger.Logger

	mu      sync.Mutex
	pending map[string]chan *Message
	nextTX  uint16

	closeC chan struct{}
}

// Listen opens a DHT node on addr (e.g. ":6881", shared with the TCP peer
// listener per spec §4.10).
func Listen(addr string, lookup InfoHashLookup) (*Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:      RandomID(),
		conn:    conn,
		lookup:  lookup,
		log:     logger.New("dht"),
		pending: make(map[string]chan *Message),
		closeC:  make(chan struct{}),
	}
	n.table = NewRoutingTable(n.id)
	go n.readLoop()
	return n, nil
}

// ID returns this node's own identifier.
func (n *Node) ID() ID { return n.id }

// Table exposes the routing table (read-mostly; bucket mutation is internal).
func (n *Node) Table() *RoutingTable { return n.table }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Close shuts down the node's UDP socket.
func (n *Node) Close() error {
	close(n.closeC)
	return n.conn.Close()
}

func (n *Node) nextTransactionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextTX++
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, n.nextTX)
	return string(b)
}

func (n *Node) readLoop() {
	buf := make([]byte, 4096)
	for {
		nr, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.closeC:
				return
			default:
				continue
			}
		}
		msg, err := Decode(buf[:nr])
		if err != nil {
			continue
		}
		n.handle(msg, addr)
	}
}

func (n *Node) handle(msg *Message, addr *net.UDPAddr) {
	switch msg.Y {
	case "r", "e":
		n.mu.Lock()
		ch, ok := n.pending[msg.T]
		n.mu.Unlock()
		if ok {
			ch <- msg
		}
	case "q":
		n.handleQuery(msg, addr)
	}
}

func (n *Node) handleQuery(msg *Message, addr *net.UDPAddr) {
	var resp *Message
	switch msg.Q {
	case "ping":
		resp = NewResponse(msg.T, map[string]interface{}{"id": string(n.id[:])})
	case "find_node":
		target, ok := idFromArg(msg.A, "target")
		if !ok {
			resp = NewError(msg.T, ErrProtocol, "missing target")
			break
		}
		closest := n.table.Closest(target, K)
		resp = NewResponse(msg.T, map[string]interface{}{
			"id":    string(n.id[:]),
			"nodes": CompactNodeInfo(closest),
		})
	case "get_peers":
		ih, ok := idFromArg(msg.A, "info_hash")
		if !ok {
			resp = NewError(msg.T, ErrProtocol, "missing info_hash")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], ih[:])
		r := map[string]interface{}{"id": string(n.id[:])}
		if n.lookup != nil {
			if peers := n.lookup.Peers(infoHash); len(peers) > 0 {
				vals := make([]interface{}, 0, len(peers))
				for _, p := range peers {
					vals = append(vals, compactPeer(p))
				}
				r["values"] = vals
			} else {
				r["nodes"] = CompactNodeInfo(n.table.Closest(ih, K))
			}
		}
		resp = NewResponse(msg.T, r)
	case "announce_peer":
		ih, ok := idFromArg(msg.A, "info_hash")
		if !ok {
			resp = NewError(msg.T, ErrProtocol, "missing info_hash")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], ih[:])
		port := addr.Port
		if p, ok := msg.A["port"].(int64); ok {
			port = int(p)
		}
		if n.lookup != nil {
			n.lookup.AddPeer(infoHash, &net.UDPAddr{IP: addr.IP, Port: port})
		}
		resp = NewResponse(msg.T, map[string]interface{}{"id": string(n.id[:])})
	default:
		resp = NewError(msg.T, ErrMethodUnknown, fmt.Sprintf("unknown method %q", msg.Q))
	}
	n.send(resp, addr)
	if cid, ok := idFromArg(msg.A, "id"); ok {
		n.table.Add(Contact{ID: cid, Addr: addr, State: Questionable, LastSeen: time.Now()})
	}
}

func idFromArg(a map[string]interface{}, key string) (ID, bool) {
	s, ok := a[key].(string)
	if !ok || len(s) < 20 {
		return ID{}, false
	}
	var id ID
	copy(id[:], s[:20])
	return id, true
}

func compactPeer(addr *net.UDPAddr) string {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return ""
	}
	b := make([]byte, 6)
	copy(b, ip4)
	b[4] = byte(addr.Port >> 8)
	b[5] = byte(addr.Port)
	return string(b)
}

func (n *Node) send(msg *Message, addr *net.UDPAddr) {
	b, err := msg.Encode()
	if err != nil {
		return
	}
	_, _ = n.conn.WriteToUDP(b, addr)
}

// query sends a KRPC query and waits for its response or a 10s deadline.
func (n *Node) query(ctx context.Context, addr *net.UDPAddr, q string, args map[string]interface{}) (*Message, error) {
	tx := n.nextTransactionID()
	args["id"] = string(n.id[:])
	msg := NewQuery(tx, q, args)
	ch := make(chan *Message, 1)
	n.mu.Lock()
	n.pending[tx] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, tx)
		n.mu.Unlock()
	}()

	n.send(msg, addr)

	timeoutCtx, cancel := context.WithTimeout(ctx, TransactionTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Y == "e" {
			return nil, fmt.Errorf("dht: error response: %v", resp.E)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	}
}

// FindNode performs a single find_node query against addr, returning the
// nodes it reports. Used as the QueryFunc driving an iterative traversal.
func (n *Node) FindNode(ctx context.Context, addr *net.UDPAddr, target ID) ([]Contact, error) {
	resp, err := n.query(ctx, addr, "find_node", map[string]interface{}{"target": string(target[:])})
	if err != nil {
		return nil, err
	}
	nodesStr, _ := resp.R["nodes"].(string)
	return ParseCompactNodeInfo(nodesStr)
}

// Bootstrap runs an iterative find_node traversal for our own id, seeded
// from router nodes, to populate the routing table.
func (n *Node) Bootstrap(ctx context.Context) Result {
	qf := func(ctx context.Context, addr *net.UDPAddr) ([]Contact, error) {
		return n.FindNode(ctx, addr, n.id)
	}
	result := FindNode(ctx, n.id, n.table.Routers(), qf)
	for _, c := range result.NewNodes {
		n.table.Add(c)
	}
	return result
}

// GetPeers performs an iterative get_peers traversal for infoHash, returning
// every peer address discovered.
func (n *Node) GetPeers(ctx context.Context, infoHash [20]byte) []*net.UDPAddr {
	var target ID
	copy(target[:], infoHash[:])
	var mu sync.Mutex
	var peers []*net.UDPAddr

	qf := func(ctx context.Context, addr *net.UDPAddr) ([]Contact, error) {
		resp, err := n.query(ctx, addr, "get_peers", map[string]interface{}{"info_hash": string(infoHash[:])})
		if err != nil {
			return nil, err
		}
		if values, ok := resp.R["values"].([]interface{}); ok {
			mu.Lock()
			peers = append(peers, ParseCompactPeers(values)...)
			mu.Unlock()
		}
		nodesStr, _ := resp.R["nodes"].(string)
		return ParseCompactNodeInfo(nodesStr)
	}
	seeds := n.table.Routers()
	for _, c := range n.table.Closest(target, K) {
		seeds = append(seeds, c.Addr)
	}
	FindNode(ctx, target, seeds, qf)
	return peers
}

// AnnouncePeer announces that we hold infoHash to every contact in our
// routing table closest to it.
func (n *Node) AnnouncePeer(ctx context.Context, infoHash [20]byte, port int) {
	var target ID
	copy(target[:], infoHash[:])
	for _, c := range n.table.Closest(target, K) {
		_, _ = n.query(ctx, c.Addr, "announce_peer", map[string]interface{}{
			"info_hash": string(infoHash[:]),
			"port":      int64(port),
		})
	}
}
