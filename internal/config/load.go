package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load builds a Config by layering defaults, an optional file, the
// RATEWARDEN_* environment and the given flag overrides, in that
// order, the way the teacher's config_load.go describes its
// precedence. path may be empty to skip the file layer.
func Load(path string, flagOverrides map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("RATEWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range flagOverrides {
		if value != "" {
			v.Set(key, value)
		}
	}

	return decode(v)
}

// WatchOverrideThresholds re-reads override-tuning knobs from the
// config file on change and invokes onChange with the refreshed
// values, so operators can tune cache freshness windows without a
// restart. Grounded on turtacn-cbc's fsnotify-backed viper watch.
func WatchOverrideThresholds(path string, onChange func(fresh, stale time.Duration)) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			return
		}
		onChange(cfg.OverrideFreshFor, cfg.OverrideStaleFor)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("region", d.Region)
	v.SetDefault("discoverymode", string(d.DiscoveryMode))
	v.SetDefault("heartbeatinterval", d.HeartbeatInterval)
	v.SetDefault("probeinterval", d.ProbeInterval)
	v.SetDefault("suspecttimeout", d.SuspectTimeout)
	v.SetDefault("enablehttp", d.EnableHTTP)
	v.SetDefault("httplistenaddr", d.HTTPListenAddr)
	v.SetDefault("enablegrpc", d.EnableGRPC)
	v.SetDefault("grpclistenaddr", d.GRPCListenAddr)
	v.SetDefault("enableauth", d.EnableAuth)
	v.SetDefault("overridefreshfor", d.OverrideFreshFor)
	v.SetDefault("overridestalefor", d.OverrideStaleFor)
	v.SetDefault("cachemaxitems", d.CacheMaxItems)
	v.SetDefault("cacheevictchance", d.CacheEvictChance)
	v.SetDefault("batchflushinterval", d.BatchFlushInterval)
	v.SetDefault("batchmaxbytes", d.BatchMaxBytes)
	v.SetDefault("batchqueuecapacity", d.BatchQueueCapacity)
	v.SetDefault("pushtimeout", d.PushTimeout)
	v.SetDefault("breakerfailurethreshold", d.BreakerFailureThreshold)
	v.SetDefault("breakeropenfor", d.BreakerOpenFor)
	v.SetDefault("tracesamplerate", d.TraceSampleRate)
	v.SetDefault("development", d.Development)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Defaults()
	cfg.NodeID = v.GetString("nodeid")
	cfg.Region = v.GetString("region")
	cfg.AdvertiseAddr = v.GetString("advertiseaddr")
	cfg.RPCPort = v.GetInt("rpcport")
	cfg.GossipPort = v.GetInt("gossipport")
	cfg.DiscoveryMode = DiscoveryMode(v.GetString("discoverymode"))
	cfg.StaticPeers = v.GetStringSlice("staticpeers")
	cfg.RegistryURL = v.GetString("registryurl")
	cfg.HeartbeatInterval = v.GetDuration("heartbeatinterval")
	cfg.ProbeInterval = v.GetDuration("probeinterval")
	cfg.SuspectTimeout = v.GetDuration("suspecttimeout")
	cfg.EnableHTTP = v.GetBool("enablehttp")
	cfg.HTTPListenAddr = v.GetString("httplistenaddr")
	cfg.EnableGRPC = v.GetBool("enablegrpc")
	cfg.GRPCListenAddr = v.GetString("grpclistenaddr")
	cfg.EnableAuth = v.GetBool("enableauth")
	cfg.AdminToken = v.GetString("admintoken")
	cfg.PeerToken = v.GetString("peertoken")
	cfg.OverrideFreshFor = v.GetDuration("overridefreshfor")
	cfg.OverrideStaleFor = v.GetDuration("overridestalefor")
	cfg.CacheMaxItems = v.GetInt("cachemaxitems")
	cfg.CacheEvictChance = v.GetFloat64("cacheevictchance")
	cfg.BatchFlushInterval = v.GetDuration("batchflushinterval")
	cfg.BatchMaxBytes = v.GetInt("batchmaxbytes")
	cfg.BatchQueueCapacity = v.GetInt("batchqueuecapacity")
	cfg.PushTimeout = v.GetDuration("pushtimeout")
	cfg.BreakerFailureThreshold = v.GetInt("breakerfailurethreshold")
	cfg.BreakerOpenFor = v.GetDuration("breakeropenfor")
	cfg.TraceSampleRate = v.GetFloat64("tracesamplerate")
	cfg.Development = v.GetBool("development")
	cfg.PostgresDSN = v.GetString("postgresdsn")
	cfg.RedisAddr = v.GetString("redisaddr")

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration-error exit path (spec.md §6:
// exit code 1 on configuration error).
func Validate(cfg *Config) error {
	if cfg.DiscoveryMode == DiscoveryRegistry && cfg.RegistryURL == "" {
		return fmt.Errorf("registry discovery requires registryurl")
	}
	if cfg.DiscoveryMode == DiscoveryStatic && len(cfg.StaticPeers) == 0 {
		// A single-node cluster is valid; static peers may legitimately
		// be empty for a standalone deployment.
		return nil
	}
	return nil
}
