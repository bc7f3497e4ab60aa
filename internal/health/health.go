// Package health provides health check endpoints for the NebulaFS client.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (is the connection layer usable?)
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "transport": "healthy",
//	    "connections": "healthy",
//	    "memory_pool": "healthy"
//	  }
//	}
//
// Use these endpoints with container orchestrators for automatic restart
// and traffic routing based on service health.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the connection layer.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Transport is the view of the connection layer the checker needs.
type Transport interface {
	EstablishedCount() int64
	PoolStats() (used, total int64)
}

// Checker performs health checks on the connection layer.
type Checker struct {
	cacheExpiry   time.Time
	transport     Transport
	expectedPeers int
	fatal         error
	cachedStatus  *HealthStatus
	cacheTTL      time.Duration
	mu            sync.RWMutex
}

// NewChecker creates a new health checker. expectedPeers is the number of
// storage servers the client is configured to stay connected to.
func NewChecker(transport Transport, expectedPeers int) *Checker {
	return &Checker{
		transport:     transport,
		expectedPeers: expectedPeers,
		cacheTTL:      5 * time.Second, // Cache health checks for 5 seconds
	}
}

// Fail records an unrecoverable transport failure. The checker reports
// unhealthy from then on.
func (c *Checker) Fail(err error) {
	c.mu.Lock()
	c.fatal = err
	c.cachedStatus = nil
	c.mu.Unlock()
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check() *HealthStatus {
	// Check cache first
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := map[string]Check{
		"transport":   c.CheckTransport(),
		"connections": c.CheckConnections(),
		"memory_pool": c.CheckMemoryPool(),
	}

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	// Cache the result
	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckTransport checks that the connection manager is running.
func (c *Checker) CheckTransport() Check {
	if c.transport == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "connection manager not initialized",
		}
	}

	c.mu.RLock()
	fatal := c.fatal
	c.mu.RUnlock()

	if fatal != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "transport failed: " + fatal.Error(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "connection manager running",
	}
}

// CheckConnections compares established connections against the configured
// peer set.
func (c *Checker) CheckConnections() Check {
	if c.transport == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "connection manager not initialized",
		}
	}

	if c.expectedPeers == 0 {
		return Check{
			Status:  StatusHealthy,
			Message: "no peers configured",
		}
	}

	established := c.transport.EstablishedCount()

	switch {
	case established >= int64(c.expectedPeers):
		return Check{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("connected to %d/%d peers", established, c.expectedPeers),
		}
	case established > 0:
		return Check{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("connected to %d/%d peers", established, c.expectedPeers),
		}
	default:
		return Check{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("no connections to %d configured peers", c.expectedPeers),
		}
	}
}

// CheckMemoryPool checks registered-buffer pool pressure.
func (c *Checker) CheckMemoryPool() Check {
	if c.transport == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "connection manager not initialized",
		}
	}

	used, total := c.transport.PoolStats()
	if total > 0 {
		usagePercent := float64(used) / float64(total) * 100
		if usagePercent > 95 {
			return Check{
				Status:  StatusUnhealthy,
				Message: "memory pool critically full (>95%)",
			}
		}

		if usagePercent > 90 {
			return Check{
				Status:  StatusDegraded,
				Message: "memory pool nearly full (>90%)",
			}
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "memory pool has free regions",
	}
}

// IsReady checks if the connection layer is ready for data-path traffic.
func (c *Checker) IsReady() bool {
	if c.transport == nil {
		return false
	}

	c.mu.RLock()
	fatal := c.fatal
	c.mu.RUnlock()

	if fatal != nil {
		return false
	}

	return c.expectedPeers == 0 || c.transport.EstablishedCount() > 0
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive() bool {
	// Basic liveness check - if we can execute this, we're alive
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests (for load balancers).
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check()

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": string(status.Status),
	})
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}

// DetailedHandler handles detailed health check requests.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check()

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case StatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	case StatusDegraded:
		w.WriteHeader(http.StatusOK) // Return 200 for degraded but include status in body
	default:
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}
