// Package app wires every component into a running process, the same
// role the teacher's app.Application plays: validate configuration,
// construct components in dependency order, and expose
// Start/Shutdown/Ready/Mode to cmd/ratelimit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ratewarden/ratewarden/internal/cache"
	"github.com/ratewarden/ratewarden/internal/cluster"
	"github.com/ratewarden/ratewarden/internal/config"
	"github.com/ratewarden/ratewarden/internal/counter"
	"github.com/ratewarden/ratewarden/internal/limiter"
	"github.com/ratewarden/ratewarden/internal/logging"
	"github.com/ratewarden/ratewarden/internal/override"
	"github.com/ratewarden/ratewarden/internal/telemetry"
	httptransport "github.com/ratewarden/ratewarden/internal/transport/http"
)

// Application holds every constructed component for one process.
type Application struct {
	cfg    *config.Config
	logger logging.Logger

	membership *cluster.Membership
	gossip     *cluster.GossipTransport
	discovery  cluster.Discovery
	peerPool   *cluster.PeerPool
	breakers   *cluster.BreakerPool

	counter     *counter.Counter
	cache       *cache.Cache
	resolver    *override.Resolver
	admin       *override.Admin
	degrade     *limiter.DegradeController
	coordinator *limiter.Coordinator
	ownerServer *limiter.OwnerServer
	flusher     *limiter.Flusher

	httpTransport *httptransport.Transport
	grpcServer    *grpc.Server
	grpcAddr      string

	ready        atomic.Bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	drainTimeout time.Duration
}

// NewApplication validates cfg and constructs every component,
// applying the same kind of zero-value defaulting the teacher's
// NewApplication does field by field.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("region is required")
	}
	if cfg.EnableHTTP && cfg.HTTPListenAddr == "" {
		return nil, errors.New("http listen address is required")
	}
	if cfg.EnableGRPC && cfg.GRPCListenAddr == "" {
		return nil, errors.New("grpc listen address is required")
	}
	if cfg.EnableAuth && cfg.AdminToken == "" {
		return nil, errors.New("admin token is required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1"
	}

	logger := logging.New(cfg.Development)
	metrics := telemetry.NewPromMetrics()
	var tracer telemetry.Tracer = telemetry.NoopTracer{}
	if cfg.TraceSampleRate > 0 {
		tracer = telemetry.NewTracer("ratewarden", cfg.TraceSampleRate)
	}

	self := cluster.Member{
		NodeID:        cfg.NodeID,
		AdvertiseAddr: cfg.AdvertiseAddr,
		RPCPort:       cfg.RPCPort,
		GossipPort:    cfg.GossipPort,
		JoinedAt:      time.Now(),
	}
	membership := cluster.NewMembership(self, cfg.ProbeInterval, cfg.SuspectTimeout, logger)

	discovery, err := buildDiscovery(cfg)
	if err != nil {
		return nil, err
	}

	peerToken := ""
	if cfg.EnableAuth {
		peerToken = cfg.AdminToken
	}
	peerPool := cluster.NewPeerPool(membership, peerToken)
	ringSource := cluster.NewRingSource(membership)
	breakers := cluster.NewBreakerPool(cluster.BreakerOptions{
		FailureThreshold: int64(cfg.BreakerFailureThreshold),
		OpenFor:          cfg.BreakerOpenFor,
	})

	ctr := counter.New(nil)

	tiers := []cache.Store{cache.NewLocalTier(cfg.CacheMaxItems, cfg.CacheEvictChance)}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		tiers = append(tiers, cache.NewSharedTier(redisClient, "ratewarden"))
	}
	c := cache.New(tiers, logger)

	nsStore, ovStore, err := buildOverrideStores(cfg)
	if err != nil {
		return nil, err
	}
	resolver := override.NewResolver(c, nsStore, ovStore, cfg.OverrideFreshFor, cfg.OverrideStaleFor)
	admin := override.NewAdmin(nsStore, ovStore, resolver)

	degrade := limiter.NewDegradeController(membership, breakers, limiter.DegradeThresholds{}, logger)

	batch := limiter.NewBatchQueue(cfg.BatchQueueCapacity, func(ownerID string) {
		metrics.IncrCounter("batch_queue_drop", map[string]string{"owner": ownerID})
	})

	coordinator := limiter.New(limiter.Config{
		SelfNodeID: cfg.NodeID,
		Counter:    ctr,
		Resolver:   resolver,
		Ring:       ringSource,
		Dialer:     peerPool,
		Breakers:   breakers,
		Batch:      batch,
		Mode:       degrade,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
		RPCTimeout: cfg.PushTimeout,
		FailOpen:   true,
	})

	dedup := cluster.NewRequestDedup(2 * time.Second)
	ownerServer := limiter.NewOwnerServer(ctr, dedup, peerPool, logger)

	flusher := limiter.NewFlusher(batch, peerPool, breakers, ctr, cfg.BatchFlushInterval, cfg.BatchMaxBytes, cfg.PushTimeout, logger, metrics)

	app := &Application{
		cfg:          cfg,
		logger:       logger,
		membership:   membership,
		discovery:    discovery,
		peerPool:     peerPool,
		breakers:     breakers,
		counter:      ctr,
		cache:        c,
		resolver:     resolver,
		admin:        admin,
		degrade:      degrade,
		coordinator:  coordinator,
		ownerServer:  ownerServer,
		flusher:      flusher,
		drainTimeout: defaultDrainTimeout,
	}

	if cfg.GossipPort != 0 {
		gossip, err := cluster.NewGossipTransport(membership, fmt.Sprintf(":%d", cfg.GossipPort), logger)
		if err != nil {
			return nil, fmt.Errorf("starting gossip transport: %w", err)
		}
		app.gossip = gossip
	}

	if cfg.EnableHTTP {
		app.httpTransport = httptransport.New(coordinator, admin, httptransport.Config{
			Addr:       cfg.HTTPListenAddr,
			EnableAuth: cfg.EnableAuth,
			AdminToken: cfg.AdminToken,
			Logger:     logger,
			Metrics:    metrics,
			Mode:       func() string { return degrade.Mode().String() },
			Ready:      app.Ready,
		})
	}

	if cfg.EnableGRPC {
		cluster.RegisterJSONCodec()
		authInterceptor := cluster.NewPeerAuthInterceptor(membership, peerToken, logger)
		app.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(authInterceptor))
		cluster.RegisterPeerServer(app.grpcServer, ownerServer)
		app.grpcAddr = cfg.GRPCListenAddr
	}

	return app, nil
}

// defaultDrainTimeout bounds how long Shutdown waits for in-flight
// Limit calls to finish before giving up, per spec.md §6's graceful
// shutdown requirement.
const defaultDrainTimeout = 5 * time.Second

func buildDiscovery(cfg *config.Config) (cluster.Discovery, error) {
	switch cfg.DiscoveryMode {
	case config.DiscoveryRegistry:
		if cfg.RegistryURL == "" {
			return nil, errors.New("registry discovery requires a registry url")
		}
		opts, err := redis.ParseURL(cfg.RegistryURL)
		if err != nil {
			return nil, fmt.Errorf("parsing registry url: %w", err)
		}
		client := redis.NewClient(opts)
		return cluster.NewRegistryDiscovery(client, "ratewarden", 60*time.Second), nil
	default:
		peers, err := parseStaticPeers(cfg.StaticPeers)
		if err != nil {
			return nil, err
		}
		return cluster.NewStaticDiscovery(peers), nil
	}
}

// parseStaticPeers decodes peer entries of the form
// "nodeID@host:rpcPort:gossipPort", the compiled-in bootstrap list for
// DiscoveryStatic. There is no teacher or corpus precedent for a wire
// format here (the teacher's static membership is a single in-process
// list, never serialized), so this is a minimal format covering
// exactly the fields cluster.Member needs.
func parseStaticPeers(entries []string) ([]cluster.Member, error) {
	members := make([]cluster.Member, 0, len(entries))
	for _, entry := range entries {
		nodeID, rest, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, fmt.Errorf("invalid static peer %q: expected nodeID@host:rpcPort:gossipPort", entry)
		}
		parts := strings.Split(rest, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static peer %q: expected nodeID@host:rpcPort:gossipPort", entry)
		}
		rpcPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid static peer %q: bad rpc port: %w", entry, err)
		}
		gossipPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid static peer %q: bad gossip port: %w", entry, err)
		}
		members = append(members, cluster.Member{
			NodeID:        nodeID,
			AdvertiseAddr: parts[0],
			RPCPort:       rpcPort,
			GossipPort:    gossipPort,
		})
	}
	return members, nil
}

func buildOverrideStores(cfg *config.Config) (override.NamespaceStore, override.OverrideStore, error) {
	if cfg.PostgresDSN == "" {
		store := override.NewInMemoryStore()
		return store, store, nil
	}
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	store := override.NewGormStore(db)
	if err := store.Migrate(); err != nil {
		return nil, nil, fmt.Errorf("migrating override schema: %w", err)
	}
	return store, store, nil
}

// Start joins the cluster, launches every background loop and begins
// serving transports, blocking only long enough to report a
// construction-time failure; everything else runs on app.wg.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if err := app.discovery.Register(runCtx, app.membership.Self()); err != nil {
		cancel()
		return fmt.Errorf("registering with discovery: %w", err)
	}
	peers, err := app.discovery.List(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("listing discovery peers: %w", err)
	}
	self := app.membership.Self()
	for _, peer := range peers {
		if peer.NodeID == self.NodeID {
			continue
		}
		app.membership.Join(peer)
	}

	app.spawn(func() {
		cluster.RunHeartbeatLoop(runCtx, app.discovery, app.membership.Self(), app.cfg.HeartbeatInterval, runCtx.Done())
	})

	if app.gossip != nil {
		app.spawn(func() {
			app.gossip.Run(runCtx, app.cfg.HeartbeatInterval)
		})
	}

	app.spawn(func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				app.degrade.Update()
			}
		}
	})

	app.spawn(func() {
		app.flusher.Run(runCtx)
	})

	if app.httpTransport != nil {
		app.spawn(func() {
			_ = app.httpTransport.Start()
		})
	}

	if app.grpcServer != nil {
		listener, err := net.Listen("tcp", app.grpcAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("binding grpc listener: %w", err)
		}
		app.spawn(func() {
			_ = app.grpcServer.Serve(listener)
		})
	}

	app.ready.Store(true)
	app.logger.Info("application started", map[string]any{
		"nodeId":      app.cfg.NodeID,
		"region":      app.cfg.Region,
		"httpEnabled": app.cfg.EnableHTTP,
		"grpcEnabled": app.cfg.EnableGRPC,
	})
	return nil
}

func (app *Application) spawn(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// Shutdown drains in-flight Limit calls, stops the transports, and
// waits for every background loop to exit.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	app.logger.Info("application shutdown", map[string]any{"nodeId": app.cfg.NodeID})

	drainCtx := ctx
	if app.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, app.drainTimeout)
		defer cancel()
	}
	drainErr := app.coordinator.Drain(drainCtx)

	if app.httpTransport != nil {
		_ = app.httpTransport.Shutdown(ctx)
	}
	if app.grpcServer != nil {
		app.grpcServer.GracefulStop()
	}
	_ = app.discovery.Unregister(context.Background(), app.membership.Self().NodeID)
	if app.gossip != nil {
		_ = app.gossip.Close()
	}
	if app.cancel != nil {
		app.cancel()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether Start has completed successfully.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

// Mode returns the coordinator's current operating mode.
func (app *Application) Mode() limiter.OperatingMode {
	if app == nil || app.degrade == nil {
		return limiter.ModeNormal
	}
	return app.degrade.Mode()
}
