package proverd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/proverd/internal/clock"
	"pkt.systems/proverd/internal/coordstore"
	"pkt.systems/proverd/internal/httpapi"
	"pkt.systems/proverd/internal/pool"
	"pkt.systems/proverd/internal/router"
	"pkt.systems/proverd/internal/svcfields"
	"pkt.systems/pslog"
)

// Server bundles the worker pool supervisor, the session router, and the
// request gateway over one shared coordination store.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	store      coordstore.Store
	ownedStore bool
	supervisor *pool.Supervisor
	router     *router.Router
	locks      *pool.LockManager
	handler    *httpapi.Handler
	httpSrv    *http.Server
	listener   net.Listener
	clock      clock.Clock
	telemetry  *telemetryBundle

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Store        coordstore.Store
	Clock        clock.Clock
	Launcher     pool.Launcher
	Prober       pool.ReadinessProber
	Sampler      pool.MemorySampler
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built coordination store (useful for tests).
func WithStore(s coordstore.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithLauncher overrides how worker processes are spawned.
func WithLauncher(l pool.Launcher) Option {
	return func(o *options) {
		o.Launcher = l
	}
}

// WithReadinessProber overrides the worker readiness probe.
func WithReadinessProber(p pool.ReadinessProber) Option {
	return func(o *options) {
		o.Prober = p
	}
}

// WithMemorySampler overrides worker RSS sampling.
func WithMemorySampler(s pool.MemorySampler) Option {
	return func(o *options) {
		o.Sampler = s
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a proverd server according to cfg.
// Example:
//
//	cfg := proverd.Config{
//		Store:         "mem://",
//		Listen:        ":9474",
//		WorkerCommand: []string{"pet-server", "--port", "{port}"},
//	}
//	srv, err := proverd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}

	store := o.Store
	ownedStore := false
	if store == nil {
		store, err = openStore(cfg.Store)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
		ownedStore = true
	}
	closeStore := func() {
		if ownedStore {
			_ = store.Close()
		}
	}

	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	locks := pool.NewLockManager(store, serverClock)
	rtr := router.New(store, serverClock, logger)

	var supervisor *pool.Supervisor
	if !cfg.GatewayOnly {
		launcher := o.Launcher
		if launcher == nil {
			launcher = &pool.ExecLauncher{Command: cfg.WorkerCommand}
		}
		supervisor, err = pool.New(pool.Config{
			Size:                     cfg.PoolSize,
			BasePort:                 cfg.BasePort,
			Launcher:                 launcher,
			Store:                    store,
			Prober:                   o.Prober,
			Sampler:                  o.Sampler,
			Locks:                    locks,
			Clock:                    serverClock,
			Logger:                   logger,
			MemoryCeilingMB:          cfg.MemoryCeilingMB,
			SampleInterval:           cfg.SampleInterval,
			ReadinessGrace:           cfg.ReadinessGrace,
			DrainTimeout:             cfg.DrainTimeout,
			RestartBackoffBase:       cfg.RestartBackoffBase,
			RestartBackoffMax:        cfg.RestartBackoffMax,
			RestartBackoffMultiplier: cfg.RestartBackoffMultiplier,
			MaxRestartAttempts:       cfg.MaxRestartAttempts,
		})
		if err != nil {
			closeStore()
			closeTelemetry()
			return nil, err
		}
	}

	handler, err := httpapi.New(httpapi.Config{
		Router:        rtr,
		Locks:         locks,
		Store:         store,
		Logger:        logger,
		Clock:         serverClock,
		PoolSize:      cfg.PoolSize,
		WorkerTimeout: cfg.WorkerTimeout,
		LockTTL:       cfg.LockTTL,
		HTTPTracing:   otlpEndpoint != "" && !cfg.DisableHTTPTracing,
	})
	if err != nil {
		closeStore()
		closeTelemetry()
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		store:      store,
		ownedStore: ownedStore,
		supervisor: supervisor,
		router:     rtr,
		locks:      locks,
		handler:    handler,
		httpSrv:    httpSrv,
		clock:      serverClock,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

// Handler returns the gateway HTTP handler so proverd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Store returns the coordination store the server routes against.
func (s *Server) Store() coordstore.Store {
	return s.store
}

// Start spawns the worker pool, begins serving requests, and blocks until
// the server stops.
func (s *Server) Start() error {
	if s.supervisor != nil {
		if err := s.supervisor.Start(context.Background()); err != nil {
			return fmt.Errorf("start pool: %w", err)
		}
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"pool_size", s.cfg.PoolSize,
		"gateway_only", s.cfg.GatewayOnly,
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server: the HTTP listener first, then the
// worker pool, then the coordination store. Returns nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.supervisor != nil {
		if err := s.supervisor.Shutdown(ctx); err != nil {
			return fmt.Errorf("pool shutdown: %w", err)
		}
	}
	if s.ownedStore {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 || s.cfg.SessionTTL <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	ttl := s.cfg.SessionTTL
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		ctx := context.Background()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				expired, err := s.router.ExpireIdle(ctx, ttl)
				if err != nil {
					s.logger.Warn("session sweep failed", "error", err)
					continue
				}
				if expired > 0 {
					s.logger.Debug("session sweep", "expired", expired)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a proverd server in a background goroutine and waits
// until it accepts connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
