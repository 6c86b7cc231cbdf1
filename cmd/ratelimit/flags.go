package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ratewarden/ratewarden/internal/config"
)

// stringFlag describes one config knob surfaced on the CLI: its
// viper/config key, its flag name, and its default/help text.
type stringFlag struct {
	key, name, value, usage string
}

var stringFlags = []stringFlag{
	{"nodeid", "node-id", "", "unique node identifier (random if unset)"},
	{"region", "region", "", "deployment region"},
	{"advertiseaddr", "advertise-addr", "", "address peers use to reach this node"},
	{"rpcport", "rpc-port", "", "peer RPC (grpc) port"},
	{"gossipport", "gossip-port", "", "gossip UDP port"},
	{"discoverymode", "discovery-mode", "", "discovery backend: static|registry"},
	{"registryurl", "registry-url", "", "redis URL backing registry discovery"},
	{"enablehttp", "enable-http", "", "enable the HTTP transport (true|false)"},
	{"httplistenaddr", "http-addr", "", "HTTP listen address"},
	{"enablegrpc", "enable-grpc", "", "enable the peer gRPC transport (true|false)"},
	{"grpclistenaddr", "grpc-addr", "", "gRPC listen address"},
	{"enableauth", "enable-auth", "", "require a bearer token on the admin surface (true|false)"},
	{"admintoken", "admin-token", "", "admin bearer token"},
	{"tracesamplerate", "trace-sample-rate", "", "trace sample rate in [0,1]"},
	{"postgresdsn", "postgres-dsn", "", "postgres DSN for the override store (in-memory if unset)"},
	{"redisaddr", "redis-addr", "", "redis address for the shared cache tier (local-only if unset)"},
	{"development", "development", "", "enable human-readable development logging (true|false)"},
}

// newRootCommand builds the cobra command tree, replacing the bare
// flag.FlagSet the teacher's cmd/ratelimit used. Flags bind to
// strings rather than typed bool/int values so an unset flag can be
// told apart from an explicit zero value; config.Load does the actual
// type coercion once file, env and flag layers are merged.
func newRootCommand() *cobra.Command {
	var configPath string
	values := make(map[string]*string, len(stringFlags))

	root := &cobra.Command{
		Use:   "ratelimit",
		Short: "Runs the distributed rate limiter node",
		Long: `ratelimit starts one node of a distributed sliding-window rate
limiter cluster: it joins the cluster fabric, serves the Limit API and
the admin override surface, and participates in peer RPC as both
caller and counter owner.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := collectOverrides(cmd, values)
			cfg, err := config.Load(configPath, overrides)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file path")
	for i := range stringFlags {
		f := stringFlags[i]
		v := new(string)
		flags.StringVar(v, f.name, f.value, f.usage)
		values[f.name] = v
	}

	root.AddCommand(newPrintConfigCommand(&configPath, values))
	return root
}

// collectOverrides reports only the flags the user actually set, so
// an unset flag falls through to file/env/default values instead of
// stomping them with its zero value.
func collectOverrides(cmd *cobra.Command, values map[string]*string) map[string]string {
	overrides := make(map[string]string)
	for _, f := range stringFlags {
		if cmd.Flags().Changed(f.name) {
			overrides[f.key] = *values[f.name]
		}
	}
	return overrides
}

func newPrintConfigCommand(configPath *string, values map[string]*string) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Load configuration and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := collectOverrides(cmd, values)
			cfg, err := config.Load(*configPath, overrides)
			if err != nil {
				return err
			}
			return config.PrintConfig(os.Stdout, cfg)
		},
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
