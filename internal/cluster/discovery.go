package cluster

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Discovery is the seed-finding capability, per spec.md §4.4: "a
// discovery capability exposes {register, unregister, list,
// heartbeat}." It only provides the initial peer list; the rest is
// learned through gossip.
type Discovery interface {
	Register(ctx context.Context, self Member) error
	Unregister(ctx context.Context, nodeID string) error
	List(ctx context.Context) ([]Member, error)
	Heartbeat(ctx context.Context, self Member) error
}

// StaticDiscovery is a compiled-in peer address list, grounded on the
// teacher's membership_static.go, used for bootstrapping and
// deterministic test clusters per spec.md §4.4.
type StaticDiscovery struct {
	peers []Member
}

func NewStaticDiscovery(peers []Member) *StaticDiscovery {
	return &StaticDiscovery{peers: peers}
}

func (d *StaticDiscovery) Register(ctx context.Context, self Member) error   { return nil }
func (d *StaticDiscovery) Unregister(ctx context.Context, nodeID string) error { return nil }
func (d *StaticDiscovery) Heartbeat(ctx context.Context, self Member) error  { return nil }
func (d *StaticDiscovery) List(ctx context.Context) ([]Member, error) {
	return d.peers, nil
}

// RegistryDiscovery is the shared-registry backend: each node PUTs
// its record with a 60s TTL and re-heartbeats every 20s, and a
// startup SCAN yields the initial peer list, per spec.md §4.4. Backed
// by go-redis, the same library the teacher's redis_inmemory.go
// interfaces model and manenim-gateway-rate-limiter's pkg/limiter/redis.go
// actually wires to a live client.
type RegistryDiscovery struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRegistryDiscovery(client *redis.Client, prefix string, ttl time.Duration) *RegistryDiscovery {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RegistryDiscovery{client: client, prefix: prefix, ttl: ttl}
}

func (d *RegistryDiscovery) key(nodeID string) string {
	return d.prefix + ":members:" + nodeID
}

type registryRecord struct {
	NodeID        string `json:"nodeId"`
	AdvertiseAddr string `json:"advertiseAddr"`
	RPCPort       int    `json:"rpcPort"`
	GossipPort    int    `json:"gossipPort"`
}

func (d *RegistryDiscovery) Register(ctx context.Context, self Member) error {
	return d.put(ctx, self)
}

func (d *RegistryDiscovery) Heartbeat(ctx context.Context, self Member) error {
	return d.put(ctx, self)
}

func (d *RegistryDiscovery) put(ctx context.Context, self Member) error {
	rec := registryRecord{
		NodeID:        self.NodeID,
		AdvertiseAddr: self.AdvertiseAddr,
		RPCPort:       self.RPCPort,
		GossipPort:    self.GossipPort,
	}
	key := d.key(self.NodeID)
	if err := d.client.HSet(ctx, key,
		"nodeId", rec.NodeID,
		"advertiseAddr", rec.AdvertiseAddr,
		"rpcPort", rec.RPCPort,
		"gossipPort", rec.GossipPort,
	).Err(); err != nil {
		return err
	}
	return d.client.Expire(ctx, key, d.ttl).Err()
}

func (d *RegistryDiscovery) Unregister(ctx context.Context, nodeID string) error {
	return d.client.Del(ctx, d.key(nodeID)).Err()
}

func (d *RegistryDiscovery) List(ctx context.Context) ([]Member, error) {
	var members []Member
	iter := d.client.Scan(ctx, 0, d.prefix+":members:*", 0).Iterator()
	for iter.Next(ctx) {
		vals, err := d.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		if vals["nodeId"] == "" {
			continue
		}
		rpcPort, _ := strconv.Atoi(vals["rpcPort"])
		gossipPort, _ := strconv.Atoi(vals["gossipPort"])
		members = append(members, Member{
			NodeID:        vals["nodeId"],
			AdvertiseAddr: vals["advertiseAddr"],
			RPCPort:       rpcPort,
			GossipPort:    gossipPort,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// RunHeartbeatLoop re-PUTs self's record every interval until stop is
// closed, maintaining the registry's TTL, per spec.md §4.4.
func RunHeartbeatLoop(ctx context.Context, d Discovery, self Member, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = d.Heartbeat(ctx, self)
		}
	}
}
