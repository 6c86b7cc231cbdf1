package config

import (
	"encoding/json"
	"io"
	"time"
)

// durationMillis marshals a time.Duration as its millisecond integer
// value, matching the teacher's cli_print.go human-readable snapshot.
type durationMillis time.Duration

func (d durationMillis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

type printableConfig struct {
	NodeID            string         `json:"nodeId"`
	Region            string         `json:"region"`
	AdvertiseAddr     string         `json:"advertiseAddr"`
	RPCPort           int            `json:"rpcPort"`
	GossipPort        int            `json:"gossipPort"`
	DiscoveryMode     string         `json:"discoveryMode"`
	StaticPeers       []string       `json:"staticPeers"`
	HeartbeatInterval durationMillis `json:"heartbeatIntervalMs"`
	ProbeInterval     durationMillis `json:"probeIntervalMs"`
	SuspectTimeout    durationMillis `json:"suspectTimeoutMs"`
	EnableHTTP        bool           `json:"enableHttp"`
	HTTPListenAddr    string         `json:"httpListenAddr"`
	EnableGRPC        bool           `json:"enableGrpc"`
	GRPCListenAddr    string         `json:"grpcListenAddr"`
	EnableAuth        bool           `json:"enableAuth"`
	OverrideFreshFor  durationMillis `json:"overrideFreshForMs"`
	OverrideStaleFor  durationMillis `json:"overrideStaleForMs"`
	BatchFlushInterval durationMillis `json:"batchFlushIntervalMs"`
	TraceSampleRate   float64        `json:"traceSampleRate"`
}

// PrintConfig writes a human-readable JSON snapshot of cfg to w,
// redacting secrets the way the teacher's PrintConfig does.
func PrintConfig(w io.Writer, cfg *Config) error {
	snapshot := printableConfig{
		NodeID:             cfg.NodeID,
		Region:             cfg.Region,
		AdvertiseAddr:      cfg.AdvertiseAddr,
		RPCPort:            cfg.RPCPort,
		GossipPort:         cfg.GossipPort,
		DiscoveryMode:      string(cfg.DiscoveryMode),
		StaticPeers:        cfg.StaticPeers,
		HeartbeatInterval:  durationMillis(cfg.HeartbeatInterval),
		ProbeInterval:      durationMillis(cfg.ProbeInterval),
		SuspectTimeout:     durationMillis(cfg.SuspectTimeout),
		EnableHTTP:         cfg.EnableHTTP,
		HTTPListenAddr:     cfg.HTTPListenAddr,
		EnableGRPC:         cfg.EnableGRPC,
		GRPCListenAddr:     cfg.GRPCListenAddr,
		EnableAuth:         cfg.EnableAuth,
		OverrideFreshFor:   durationMillis(cfg.OverrideFreshFor),
		OverrideStaleFor:   durationMillis(cfg.OverrideStaleFor),
		BatchFlushInterval: durationMillis(cfg.BatchFlushInterval),
		TraceSampleRate:    cfg.TraceSampleRate,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
