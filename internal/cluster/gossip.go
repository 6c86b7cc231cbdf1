package cluster

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/ratewarden/ratewarden/internal/logging"
)

// gossipPacket is the wire payload one node pushes to another: its
// view of every known member's digest plus enough address
// information for the receiver to seed members it has never heard of
// directly, per spec.md §4.4's "once a node has contacted any live
// peer it may learn the rest through gossip."
type gossipPacket struct {
	Digests []digest          `json:"digests"`
	Addrs   map[string]Member `json:"addrs"`
}

// GossipTransport drives Membership's digest exchange and liveness
// probing over the network: a UDP push for gossip (cheap, lossy,
// matches the "gossip port... UDP or TCP" wording of spec.md §6) and
// a TCP dial-connect for probing, with membership-based ACL on both.
type GossipTransport struct {
	members          *Membership
	conn             *net.UDPConn
	logger           logging.Logger
	fanout           int
	probeDialTimeout time.Duration
}

// NewGossipTransport binds a UDP socket on listenAddr (host:port) and
// returns a transport ready to Run.
func NewGossipTransport(members *Membership, listenAddr string, logger logging.Logger) (*GossipTransport, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &GossipTransport{
		members:          members,
		conn:             conn,
		logger:           logger,
		fanout:           3,
		probeDialTimeout: 200 * time.Millisecond,
	}, nil
}

// Close releases the UDP socket.
func (g *GossipTransport) Close() error {
	return g.conn.Close()
}

// localPort reports the UDP port this transport bound to, for tests
// and for self-registration when listenAddr used port 0.
func (g *GossipTransport) localPort() int {
	return g.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run starts the receive loop, the periodic gossip push loop and the
// liveness-probe loop, blocking until ctx is cancelled. Each runs on
// its own goroutine; Run itself returns once all three have stopped.
func (g *GossipTransport) Run(ctx context.Context, gossipInterval time.Duration) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
		_ = g.conn.Close()
	}()

	done := make(chan struct{}, 3)
	go func() { g.receiveLoop(); done <- struct{}{} }()
	go func() { g.pushLoop(ctx, gossipInterval); done <- struct{}{} }()
	go func() { g.members.RunProbeLoop(stop, g.probe); done <- struct{}{} }()

	<-done
	<-done
	<-done
}

// receiveLoop reads incoming gossip packets and merges them, dropping
// traffic from source addresses that do not belong to any known
// member (spec.md §6's membership-based ACL).
func (g *GossipTransport) receiveLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !g.fromKnownMember(addr) {
			g.logger.Warn("gossip packet rejected: unknown source", map[string]any{"addr": addr.String()})
			continue
		}
		var pkt gossipPacket
		if err := json.Unmarshal(buf[:n], &pkt); err != nil {
			continue
		}
		g.members.MergeDigests(pkt.Digests, pkt.Addrs)
	}
}

// fromKnownMember checks the UDP source against every known member's
// advertised address and gossip port. Gossip packets are always sent
// from the sender's own gossip socket, so the source port a receiver
// observes equals the sender's advertised GossipPort; matching both
// host and port (rather than host alone) still distinguishes members
// sharing a host, which a pure-IP check would not.
func (g *GossipTransport) fromKnownMember(addr *net.UDPAddr) bool {
	for _, mem := range g.members.All() {
		if mem.GossipPort == 0 {
			continue
		}
		host, _, err := net.SplitHostPort(mem.AdvertiseAddr)
		if err != nil {
			host = mem.AdvertiseAddr
		}
		if host == addr.IP.String() && mem.GossipPort == addr.Port {
			return true
		}
	}
	return false
}

// pushLoop periodically sends this node's full digest+address view
// to a random fanout of peers, per spec.md §4.4's "each member
// periodically picks k >= 1 random peers and exchanges a digest."
func (g *GossipTransport) pushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pushOnce()
		}
	}
}

func (g *GossipTransport) pushOnce() {
	targets := g.members.GossipTargets(g.fanout)
	if len(targets) == 0 {
		return
	}
	all := g.members.All()
	addrs := make(map[string]Member, len(all))
	for _, mem := range all {
		addrs[mem.NodeID] = mem
	}
	pkt := gossipPacket{Digests: g.members.Digests(), Addrs: addrs}
	payload, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	for _, target := range targets {
		if target.GossipPort == 0 || target.AdvertiseAddr == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(target.AdvertiseAddr, strconv.Itoa(target.GossipPort)))
		if err != nil {
			continue
		}
		_, _ = g.conn.WriteToUDP(payload, addr)
	}
}

// probe checks whether peer is reachable by attempting a short TCP
// dial to its RPC port (the one TCP listener every member always
// runs), the liveness signal RunProbeLoop consumes.
func (g *GossipTransport) probe(peer Member) bool {
	if peer.AdvertiseAddr == "" || peer.RPCPort == 0 {
		return false
	}
	addr := net.JoinHostPort(peer.AdvertiseAddr, strconv.Itoa(peer.RPCPort))
	conn, err := net.DialTimeout("tcp", addr, g.probeDialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
