// Package server wires the NebulaFS client together: the RDMA connection
// manager, the optional incoming-connection listener, the metrics/health
// HTTP endpoint and the shutdown coordinator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/nebulafs/internal/config"
	"github.com/piwi3910/nebulafs/internal/hardware"
	"github.com/piwi3910/nebulafs/internal/health"
	"github.com/piwi3910/nebulafs/internal/shutdown"
	"github.com/piwi3910/nebulafs/internal/transport/rdma"
)

// Version is the current version of NebulaFS.
const Version = "0.1.0"

// Server is the NebulaFS client connection-layer daemon.
type Server struct {
	cfg *config.Config

	manager  *rdma.Manager
	listener *rdma.Listener

	checker       *health.Checker
	coordinator   *shutdown.Coordinator
	metricsServer *http.Server
}

// New creates a NebulaFS server from the configuration. The connection
// manager starts its event loop immediately; peer connections are dialed by
// Start.
func New(cfg *config.Config) (*Server, error) {
	if !cfg.RDMA.Simulated {
		return nil, fmt.Errorf("hardware verbs support is not built in: %w", rdma.ErrRDMANotAvailable)
	}

	detector := hardware.NewDetector()
	detector.Refresh()

	if detector.HasRDMA() {
		log.Warn().
			Str("device", detector.PreferredDevice()).
			Msg("RDMA hardware detected but the simulated backend is configured")
	}

	srv := &Server{
		cfg:         cfg,
		coordinator: shutdown.NewCoordinator(shutdownConfig(cfg)),
	}

	notifier := rdma.Notifier{
		OnEstablished: func(peerAddr string, conn *rdma.Conn) {
			log.Info().
				Str("peer", peerAddr).
				Str("conn", conn.Name()).
				Str("role", conn.Role().String()).
				Msg("Connection established")
		},
		OnDisconnected: func(peerAddr string, reason error) {
			log.Info().
				Str("peer", peerAddr).
				AnErr("reason", reason).
				Msg("Connection closed")
		},
	}

	manager, err := rdma.NewManager(cfg.RDMAManagerConfig(), nil, nil, notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	srv.manager = manager
	srv.checker = health.NewChecker(manager, len(cfg.Peers))
	srv.setupMetricsServer()

	return srv, nil
}

// Manager returns the connection manager, for the data-path layer.
func (s *Server) Manager() *rdma.Manager {
	return s.manager
}

func (s *Server) setupMetricsServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Health check handlers
	healthHandler := health.NewHandler(s.checker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/detailed", healthHandler.DetailedHandler)

	// Connection listing for debugging
	r.Get("/connections", s.connectionsHandler)

	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.MetricsPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type connInfo struct {
	Name  string `json:"name"`
	Peer  string `json:"peer"`
	Role  string `json:"role"`
	State string `json:"state"`
}

func (s *Server) connectionsHandler(w http.ResponseWriter, _ *http.Request) {
	conns := make([]connInfo, 0)
	s.manager.ForEachEstablished(func(c *rdma.Conn) {
		conns = append(conns, connInfo{
			Name:  c.Name(),
			Peer:  c.PeerAddr(),
			Role:  c.Role().String(),
			State: c.State().String(),
		})
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(conns)
}

// Start brings up the listener, dials all configured peers and serves the
// metrics endpoint. It blocks until ctx is cancelled or a fatal transport
// error occurs, then runs the shutdown sequence.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenAddr != "" {
		listener, err := s.manager.Listen(s.cfg.ListenAddr, nil)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}

		s.listener = listener
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("Accepting incoming RDMA connections")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Start metrics server
	g.Go(func() error {
		log.Info().Int("port", s.cfg.MetricsPort).Msg("Starting metrics server")

		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}

		return nil
	})

	// Dial all configured peers in parallel
	g.Go(func() error {
		return s.connectPeers(ctx)
	})

	// A closed event channel means the transport is gone; nothing more can
	// be done with any connection.
	g.Go(func() error {
		select {
		case err := <-s.manager.Fatal():
			s.checker.Fail(err)
			log.Error().Err(err).Msg("Fatal transport error")

			return err
		case <-ctx.Done():
			return nil
		}
	})

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()

		return s.shutdownAll()
	})

	return g.Wait()
}

// connectPeers establishes a connection to every configured peer.
func (s *Server) connectPeers(ctx context.Context) error {
	if len(s.cfg.Peers) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, peer := range s.cfg.Peers {
		g.Go(func() error {
			conn, err := s.manager.Connect(ctx, peer, nil)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", peer, err)
			}

			log.Info().
				Str("peer", peer).
				Str("conn", conn.Name()).
				Msg("Peer connection ready")

			return nil
		})
	}

	return g.Wait()
}

// shutdownAll runs the coordinated shutdown sequence.
func (s *Server) shutdownAll() error {
	components := shutdown.ShutdownComponents{
		ConnectionManager: s.manager,
		HTTPServers: []shutdown.HTTPServerShutdown{
			namedServer{name: "metrics", srv: s.metricsServer},
		},
	}

	if s.listener != nil {
		components.Listeners = append(components.Listeners, s.listener)
	}

	return s.coordinator.Shutdown(context.Background(), components)
}

// shutdownConfig derives coordinator timeouts from the connection config.
func shutdownConfig(cfg *config.Config) shutdown.Config {
	sc := shutdown.DefaultConfig()
	if cfg.RDMA.DrainTimeout > 0 {
		sc.DrainTimeout = cfg.RDMA.DrainTimeout
	}

	return sc
}

// namedServer adapts an http.Server to the shutdown coordinator.
type namedServer struct {
	name string
	srv  *http.Server
}

func (n namedServer) Name() string { return n.name }

func (n namedServer) Shutdown(ctx context.Context) error { return n.srv.Shutdown(ctx) }
