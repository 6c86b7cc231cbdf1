package cluster

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ratewarden/ratewarden/internal/logging"
)

// State is a cluster member's gossip-visible liveness state, per
// spec.md §4.4.
type State int

const (
	Alive State = iota
	Suspect
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Member is one cluster peer's gossip-visible record, per spec.md §3's
// Cluster member entity plus the incarnation number spec.md §4.4
// requires for anti-entropy ordering.
type Member struct {
	NodeID        string
	AdvertiseAddr string
	RPCPort       int
	GossipPort    int
	JoinedAt      time.Time
	State         State
	Incarnation   uint64
	lastProbeOK   time.Time
	suspectSince  time.Time
}

// digest is what one round of gossip exchanges: the minimal
// (node_id, incarnation, state) triple spec.md §4.4 describes.
type digest struct {
	NodeID      string
	Incarnation uint64
	State       State
}

// Membership maintains the live-peer set via periodic gossip, probing
// and anti-entropy reconciliation, grounded on the teacher's mode.go
// Membership interface and membership_static.go's fixed-list shape,
// generalized here into an actual gossip state machine per spec.md
// §4.4 (the teacher's own implementation never gossips; it is a fixed
// list with a healthy flag).
type Membership struct {
	mu       sync.RWMutex
	self     Member
	members  map[string]*Member
	logger   logging.Logger
	now      func() time.Time
	rng      *rand.Rand

	probeInterval  time.Duration
	suspectTimeout time.Duration
	gossipFanout   int

	onChange func()
}

// NewMembership seeds Membership with self as the first alive member.
func NewMembership(self Member, probeInterval, suspectTimeout time.Duration, logger logging.Logger) *Membership {
	if logger == nil {
		logger = logging.NewNop()
	}
	self.State = Alive
	m := &Membership{
		self:           self,
		members:        map[string]*Member{self.NodeID: &self},
		logger:         logger,
		now:            time.Now,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		probeInterval:  probeInterval,
		suspectTimeout: suspectTimeout,
		gossipFanout:   3,
	}
	return m
}

// OnChange registers a callback invoked whenever the alive set
// changes.
func (m *Membership) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Membership) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// Join registers a discovered peer as alive with incarnation 0 if
// unseen; a peer that is already known is left unchanged.
func (m *Membership) Join(peer Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[peer.NodeID]; ok {
		return
	}
	peer.State = Alive
	m.members[peer.NodeID] = &peer
	m.notify()
}

// AliveMembers returns the node IDs currently considered alive, the
// input to BuildRing.
func (m *Membership) AliveMembers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id, mem := range m.members {
		if mem.State == Alive {
			out = append(out, id)
		}
	}
	return out
}

// All returns a snapshot copy of every known member regardless of
// state, for diagnostics and anti-entropy.
func (m *Membership) All() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	return out
}

// Digests returns the gossip payload for this node: a digest per
// known member, per spec.md §4.4's "exchange a digest of (node_id,
// incarnation, state)".
func (m *Membership) Digests() []digest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]digest, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, digest{NodeID: mem.NodeID, Incarnation: mem.Incarnation, State: mem.State})
	}
	return out
}

// MergeDigests reconciles an incoming gossip payload against local
// state, applying spec.md §4.4's ordering invariant: "A node must
// never be reported alive with a lower incarnation than last seen."
func (m *Membership) MergeDigests(peers []digest, knownAddrs map[string]Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, d := range peers {
		if d.NodeID == m.self.NodeID {
			continue
		}
		existing, ok := m.members[d.NodeID]
		if !ok {
			seed := Member{NodeID: d.NodeID, State: d.State, Incarnation: d.Incarnation}
			if addr, hasAddr := knownAddrs[d.NodeID]; hasAddr {
				seed.AdvertiseAddr = addr.AdvertiseAddr
				seed.RPCPort = addr.RPCPort
				seed.GossipPort = addr.GossipPort
			}
			m.members[d.NodeID] = &seed
			changed = true
			continue
		}
		if d.Incarnation < existing.Incarnation {
			continue
		}
		if d.Incarnation > existing.Incarnation || d.State != existing.State {
			existing.Incarnation = d.Incarnation
			existing.State = d.State
			changed = true
		}
	}
	if changed {
		m.notify()
	}
}

// GossipTargets picks up to k random peers to exchange digests with,
// per spec.md §4.4's "each member periodically picks k >= 1 random
// peers".
func (m *Membership) GossipTargets(k int) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := make([]*Member, 0, len(m.members))
	for id, mem := range m.members {
		if id == m.self.NodeID || mem.State == Dead {
			continue
		}
		candidates = append(candidates, mem)
	}
	m.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Member, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, *candidates[i])
	}
	return out
}

// MarkProbeResult records the outcome of a liveness probe against
// nodeID, moving it through alive -> suspect -> dead per spec.md
// §4.4's RTT-budget / grace-window rules.
func (m *Membership) MarkProbeResult(nodeID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, found := m.members[nodeID]
	if !found {
		return
	}
	now := m.now()
	if ok {
		mem.lastProbeOK = now
		if mem.State != Alive {
			mem.State = Alive
			mem.Incarnation++
			m.notify()
		}
		return
	}

	switch mem.State {
	case Alive:
		mem.State = Suspect
		mem.suspectSince = now
		m.notify()
	case Suspect:
		if now.Sub(mem.suspectSince) >= m.suspectTimeout {
			mem.State = Dead
			m.notify()
		}
	}
}

// Self returns this node's own member record.
func (m *Membership) Self() Member {
	return m.self
}

// RunProbeLoop runs the liveness-probe ticker until stop is closed.
// probe is injected so tests and the real RPC-backed implementation
// share this scheduling logic.
func (m *Membership) RunProbeLoop(stop <-chan struct{}, probe func(Member) bool) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, target := range m.GossipTargets(1) {
				ok := probe(target)
				m.MarkProbeResult(target.NodeID, ok)
			}
		}
	}
}
