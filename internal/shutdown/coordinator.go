// Package shutdown provides graceful shutdown coordination for the NebulaFS
// client.
//
// The shutdown coordinator manages the orderly teardown of the connection
// layer, ensuring no connection leaks RDMA resources on the way out. It
// implements a phased shutdown sequence:
//
//  1. Listeners - Stop accepting new incoming connections
//  2. Draining - Disconnect established connections and wait for teardown
//  3. Transport - Stop the connection manager's event loop and release verbs resources
//  4. HTTP Servers - Shutdown the metrics/health HTTP server
//
// The coordinator tracks shutdown progress with metrics and respects
// configurable timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseListeners      Phase = "listeners"
	PhaseDraining       Phase = "draining"
	PhaseTransport      Phase = "transport"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for established connections to tear down.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// TransportTimeout is the time to wait for the connection manager to stop.
	// Default: 10 seconds
	TransportTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 5 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     10 * time.Second,
		TransportTimeout: 10 * time.Second,
		HTTPTimeout:      5 * time.Second,
		ForceTimeout:     5 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of the connection layer.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	elapsed := time.Since(c.started)
	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", elapsed).
		Msg("Shutdown phase transition")

	// Update metrics
	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	// Create overall timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	// Start forced shutdown timer
	go c.watchForceTimeout(shutdownCtx)

	// Execute shutdown sequence
	c.executeShutdownSequence(shutdownCtx, components)

	// Mark completion
	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if len(c.errors) > 0 {
		log.Warn().
			Int("error_count", len(c.errors)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout monitors for force timeout and triggers forced shutdown.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
		// Shutdown completed normally, goroutine exits cleanly
	case <-ctx.Done():
		// Context cancelled, goroutine exits cleanly
	}
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// Listeners stop accepting incoming connections.
	Listeners []ListenerShutdown

	// ConnectionManager drains and stops the RDMA connection manager.
	ConnectionManager ConnectionManagerShutdown

	// HTTPServers are HTTP servers to shutdown gracefully (metrics, health).
	HTTPServers []HTTPServerShutdown
}

// ListenerShutdown wraps a transport listener for shutdown.
type ListenerShutdown interface {
	Addr() string
	Close() error
}

// ConnectionManagerShutdown wraps the connection manager for shutdown. The
// manager's own Shutdown drains established connections before stopping its
// event loop; EstablishedCount feeds the drain metric.
type ConnectionManagerShutdown interface {
	EstablishedCount() int64
	Shutdown(ctx context.Context) error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// executeShutdownSequence runs through all shutdown phases in order.
func (c *Coordinator) executeShutdownSequence(ctx context.Context, components ShutdownComponents) {
	// Phase 1: Stop listeners
	c.executeListenersPhase(ctx, components)

	// Phase 2 and 3: Drain connections, then stop the event loop. The
	// manager performs both inside Shutdown; the drain phase only marks
	// progress and records the pre-drain count.
	c.executeDrainPhase(ctx, components)
	c.executeTransportPhase(ctx, components)

	// Phase 4: Stop HTTP servers
	c.executeHTTPServersPhase(ctx, components)
}

func (c *Coordinator) executeListenersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseListeners)
	c.runHooks(ctx, PhaseListeners)

	for _, l := range components.Listeners {
		if err := l.Close(); err != nil {
			log.Error().Err(err).Str("listener", l.Addr()).Msg("Error closing listener")
			c.addError(err)
		} else {
			log.Info().Str("listener", l.Addr()).Msg("Listener closed")
		}
	}
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.ConnectionManager == nil {
		return
	}

	established := components.ConnectionManager.EstablishedCount()
	SetDrainingConnections(established)

	if established > 0 {
		log.Info().Int64("established", established).Msg("Draining established connections")
	}
}

func (c *Coordinator) executeTransportPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseTransport)
	c.runHooks(ctx, PhaseTransport)

	if components.ConnectionManager == nil {
		return
	}

	transportCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout+c.config.TransportTimeout)
	defer cancel()

	if err := components.ConnectionManager.Shutdown(transportCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping connection manager")
		c.addError(err)
	} else {
		log.Info().Msg("Connection manager stopped")
	}

	SetDrainingConnections(0)
}

func (c *Coordinator) executeHTTPServersPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}
