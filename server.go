package portald

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/kryptograf"
	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
	"pkt.systems/portald/internal/clock"
	"pkt.systems/portald/internal/cryptoutil"
	"pkt.systems/portald/internal/dlock"
	"pkt.systems/portald/internal/hostpool"
	"pkt.systems/portald/internal/httpapi"
	"pkt.systems/portald/internal/lockstore"
	"pkt.systems/portald/internal/pipeline"
	"pkt.systems/portald/internal/portal"
	"pkt.systems/portald/internal/storage"
	"pkt.systems/portald/internal/svcfields"
)

// Server bundles the HTTP listener, lock store backend, session host
// pool, and supporting components.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	pool      *hostpool.Pool
	handler   *httpapi.Handler
	telemetry *telemetryBundle
	clock     clock.Clock

	mu         sync.Mutex
	httpSrv    *http.Server
	listener   net.Listener
	metricsSrv *http.Server
	shutdown   bool
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Backend  storage.Backend
	Clock    clock.Clock
	Launcher browser.Launcher
	Codec    *cryptoutil.Codec
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithBackend injects a pre-built lock store backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithLauncher injects the browser-automation engine. Required: the
// engine is an external collaborator and the server cannot run without
// one.
func WithLauncher(l browser.Launcher) Option {
	return func(o *options) { o.Launcher = l }
}

// WithCredentialCodec injects a pre-built credential codec, bypassing the
// bundle configured in Config.
func WithCredentialCodec(c *cryptoutil.Codec) Option {
	return func(o *options) { o.Codec = c }
}

// NewServer constructs a portald server according to cfg.
// Example:
//
//	cfg := portald.Config{Store: "mem://", Listen: ":8970"}
//	srv, err := portald.NewServer(cfg, portald.WithLauncher(engine))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.Launcher == nil {
		return nil, errors.New("config: automation launcher required (inject with WithLauncher)")
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	backend := o.Backend
	if backend == nil {
		var err error
		backend, err = openBackend(context.Background(), cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	codec := o.Codec
	if codec == nil {
		var err error
		if cfg.CredentialBundle != "" {
			codec, err = cryptoutil.CodecFromBundle(cfg.CredentialBundle)
		} else {
			svcfields.WithSubsystem(logger, "server.lifecycle").Warn(
				"credential bundle not configured; using an ephemeral key that will not survive restarts")
			codec, err = cryptoutil.NewCodec(kryptograf.MustGenerateRootKey())
		}
		if err != nil {
			return nil, err
		}
	}
	policy, err := pipeline.ParsePolicy(cfg.StepPolicy)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	store := lockstore.New(lockstore.Config{
		Backend:   backend,
		Clock:     clk,
		Staleness: cfg.LockStaleness,
		Logger:    svcfields.WithSubsystem(logger, "lock.store"),
	})
	locker := dlock.New(dlock.Config{
		Store:   store,
		Clock:   clk,
		Poll:    cfg.LockPoll,
		MaxWait: cfg.LockWait,
		Logger:  svcfields.WithSubsystem(logger, "lock"),
	})
	pool := hostpool.New(o.Launcher, svcfields.WithSubsystem(logger, "pool"))
	manager := portal.NewManager(portal.Config{
		BaseURL:        cfg.PortalURL,
		Logger:         svcfields.WithSubsystem(logger, "portal"),
		ProbeTimeout:   cfg.ProbeTimeout,
		ElementTimeout: cfg.ElementTimeout,
	})
	telemetry := newTelemetryBundle(pool)
	handler := httpapi.NewHandler(httpapi.Config{
		Locker:          locker,
		Pool:            pool,
		Portal:          manager,
		Codec:           codec,
		Clock:           clk,
		Logger:          svcfields.WithSubsystem(logger, "api.http"),
		Policy:          policy,
		RequestDeadline: cfg.RequestDeadline,
		Observer:        telemetry,
	})

	return &Server{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		pool:      pool,
		handler:   handler,
		telemetry: telemetry,
		clock:     clk,
	}, nil
}

// Handler exposes the HTTP handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves until Shutdown or a fatal listener error.
func (s *Server) Start() error {
	listener, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = listener.Close()
		return http.ErrServerClosed
	}
	s.listener = listener
	s.httpSrv = httpSrv
	if s.cfg.MetricsListen != "" {
		metricsLn, err := net.Listen("tcp", s.cfg.MetricsListen)
		if err != nil {
			s.mu.Unlock()
			_ = listener.Close()
			return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsListen, err)
		}
		s.metricsSrv = s.telemetry.serve(metricsLn)
		s.logger.Info("server.metrics.listening", "addr", metricsLn.Addr().String())
	}
	s.mu.Unlock()
	s.logger.Info("server.listening", "addr", listener.Addr().String(), "store", s.cfg.Store)
	return httpSrv.Serve(listener)
}

// Addr returns the bound listen address once Start has begun serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops serving and closes the lock store backend. Safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpSrv := s.httpSrv
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	var firstErr error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("server.shutdown.complete")
	return firstErr
}
