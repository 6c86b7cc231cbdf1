// Package config defines the process-level configuration surface and
// its layered load (defaults -> file -> environment -> flags), the way
// the teacher's config_load.go/config_env.go do but backed by viper.
package config

import "time"

// DiscoveryMode selects the C4 discovery backend.
type DiscoveryMode string

const (
	DiscoveryStatic   DiscoveryMode = "static"
	DiscoveryRegistry DiscoveryMode = "registry"
)

// Config is the full process configuration, matching spec.md §6's
// cluster-configuration field list plus the ambient HTTP/gRPC/auth
// knobs the teacher's Config already carried.
type Config struct {
	// Identity
	NodeID         string
	Region         string
	AdvertiseAddr  string
	RPCPort        int
	GossipPort     int

	// Discovery / membership
	DiscoveryMode     DiscoveryMode
	StaticPeers       []string
	RegistryURL       string
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	SuspectTimeout    time.Duration

	// Transport
	EnableHTTP     bool
	HTTPListenAddr string
	EnableGRPC     bool
	GRPCListenAddr string

	// Auth
	EnableAuth bool
	AdminToken string
	PeerToken  string

	// Cache / override resolution
	OverrideFreshFor time.Duration
	OverrideStaleFor time.Duration
	CacheMaxItems    int
	CacheEvictChance float64

	// Limiter coordinator
	BatchFlushInterval  time.Duration
	BatchMaxBytes       int
	BatchQueueCapacity  int
	PushTimeout         time.Duration
	BreakerFailureThreshold int
	BreakerOpenFor          time.Duration

	// Observability
	TraceSampleRate float64
	Development     bool

	// Persistence
	PostgresDSN string
	RedisAddr   string
}

// Defaults returns the baseline configuration, layered under file,
// environment and flag overrides by Load.
func Defaults() *Config {
	return &Config{
		Region:                  "local",
		DiscoveryMode:           DiscoveryStatic,
		HeartbeatInterval:       20 * time.Second,
		ProbeInterval:           1 * time.Second,
		SuspectTimeout:          5 * time.Second,
		EnableHTTP:              true,
		HTTPListenAddr:          ":8080",
		EnableGRPC:              true,
		GRPCListenAddr:          ":8081",
		EnableAuth:              false,
		OverrideFreshFor:        10 * time.Second,
		OverrideStaleFor:        60 * time.Second,
		CacheMaxItems:           100_000,
		CacheEvictChance:        0.05,
		BatchFlushInterval:      100 * time.Millisecond,
		BatchMaxBytes:           64 * 1024,
		BatchQueueCapacity:      4096,
		PushTimeout:             50 * time.Millisecond,
		BreakerFailureThreshold: 5,
		BreakerOpenFor:          2 * time.Second,
		TraceSampleRate:         0,
		Development:             false,
	}
}
