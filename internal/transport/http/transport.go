package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ratewarden/ratewarden/internal/limiter"
	"github.com/ratewarden/ratewarden/internal/logging"
	"github.com/ratewarden/ratewarden/internal/override"
	"github.com/ratewarden/ratewarden/internal/telemetry"
)

const defaultMaxBodyBytes = 1 << 20

// WorkspaceResolver extracts the calling workspace's identity from an
// inbound request. Authentication itself is explicitly out of scope
// (spec.md §1's "HTTP/OpenAPI surface... authentication middleware"
// non-goal); this is the seam an external auth layer plugs into.
type WorkspaceResolver func(r *http.Request) (workspaceID string, canAutoCreate bool, err error)

func defaultWorkspaceResolver(r *http.Request) (string, bool, error) {
	ws := r.Header.Get("X-Workspace-Id")
	if ws == "" {
		ws = "default"
	}
	return ws, r.Header.Get("X-Can-Auto-Create") == "true", nil
}

// Transport serves the Limit API and the admin override CRUD surface
// over HTTP, grounded on the teacher's HTTPTransport (addr/srv/mux
// lazily built, Configure/Start/Shutdown/Handler split).
type Transport struct {
	addr         string
	srv          *http.Server
	coordinator  *limiter.Coordinator
	admin        *override.Admin
	mode         func() string
	resolver     WorkspaceResolver
	mux          http.Handler
	mu           sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodyBytes int64
	enableAuth   bool
	adminToken   string
	logger       logging.Logger
	metrics      telemetry.Metrics
	metricsPage  http.Handler
	ready        func() bool
}

// Config configures Transport at construction time.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	EnableAuth   bool
	AdminToken   string
	Logger       logging.Logger
	Metrics      telemetry.Metrics
	MetricsPage  http.Handler
	Mode         func() string
	Ready        func() bool
	Resolver     WorkspaceResolver
}

// New constructs a Transport bound to coordinator and admin.
func New(coordinator *limiter.Coordinator, admin *override.Admin, cfg Config) *Transport {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	if cfg.MetricsPage == nil {
		cfg.MetricsPage = promhttp.Handler()
	}
	if cfg.Mode == nil {
		cfg.Mode = func() string { return "normal" }
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	if cfg.Resolver == nil {
		cfg.Resolver = defaultWorkspaceResolver
	}
	return &Transport{
		addr:         cfg.Addr,
		coordinator:  coordinator,
		admin:        admin,
		mode:         cfg.Mode,
		resolver:     cfg.Resolver,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		enableAuth:   cfg.EnableAuth,
		adminToken:   cfg.AdminToken,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		metricsPage:  cfg.MetricsPage,
		ready:        cfg.Ready,
	}
}

// Start begins serving HTTP requests, blocking until Shutdown is
// called or the listener fails.
func (t *Transport) Start() error {
	handler := t.handler()
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (t *Transport) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests and for embedding
// behind another server.
func (t *Transport) Handler() http.Handler {
	return t.handler()
}

func (t *Transport) handler() http.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux
}
