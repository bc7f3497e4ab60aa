// Package rdma provides the RDMA (Remote Direct Memory Access) connection
// layer for the NebulaFS storage client. It turns the asynchronous stream of
// connection-management events produced by the transport (address resolved,
// route resolved, connect request, established, disconnected, error) into a
// consistent, concurrently-readable table of live connections that the
// data-transfer layer can look up and use.
//
// The package is built around three pieces:
//   - Conn: one connection's lifecycle state and its owned queue pair,
//     completion queue and registered memory.
//   - Manager: the single event-loop goroutine that drains the CM event
//     channel, drives state transitions and owns all table mutations.
//   - CMBackend / VerbsBackend: pluggable backends for the rdma_cm and
//     libibverbs layers, with simulated implementations for development
//     and testing (no RDMA hardware required).
//
// Supported transports:
// - InfiniBand (highest performance)
// - RoCE v2 (RDMA over Converged Ethernet)
// - iWARP (Internet Wide Area RDMA Protocol)
package rdma

import (
	"errors"
	"time"
)

// Transport type constants.
const (
	TransportInfiniBand = "infiniband"
	TransportRoCEv2     = "roce"
	TransportIWARP      = "iwarp"
	TransportAuto       = "auto" // Auto-detect best available
)

// Connection type constants.
const (
	ConnTypeRC = "RC" // Reliable Connection
	ConnTypeUD = "UD" // Unreliable Datagram
	ConnTypeUC = "UC" // Unreliable Connection
)

var (
	ErrRDMANotAvailable   = errors.New("RDMA hardware not available")
	ErrConnectionFailed   = errors.New("RDMA connection failed")
	ErrConnectionRejected = errors.New("connection rejected by peer")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrQueuePairError     = errors.New("queue pair error")
	ErrTimeout            = errors.New("RDMA operation timeout")
	ErrNotConnected       = errors.New("not connected to remote endpoint")
	ErrDuplicateKey       = errors.New("duplicate connection table key")
	ErrRetriesExhausted   = errors.New("resolution retries exhausted")
	ErrManagerClosed      = errors.New("connection manager closed")
	ErrEventChannelClosed = errors.New("CM event channel closed")
	ErrAcceptBacklogFull  = errors.New("accept backlog full")
	ErrPoolExhausted      = errors.New("memory pool exhausted")
)

// Config holds RDMA connection-manager configuration.
type Config struct {
	Transport           string
	DeviceName          string
	ConnectionType      string
	Port                int
	SendQueueDepth      int
	RecvQueueDepth      int
	CompletionQueueSize int
	MaxInlineData       int

	// Memory pool for registered send/receive buffers.
	MemoryPoolSize     int64
	MemoryRegionSize   int
	PreAllocateRegions int

	// Address/route resolution retries before a connection is failed.
	MaxResolveRetries int
	ResolveTimeout    time.Duration

	// End-to-end establishment deadline for a single Connect call.
	ConnectTimeout time.Duration

	// Pending (accepted but not yet established) connections allowed per
	// listener before further connect requests are rejected.
	AcceptBacklog int

	// Shutdown waits this long for clean disconnects before forcing
	// resource release.
	DrainTimeout time.Duration
}

// DefaultConfig returns a default RDMA configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport:           TransportAuto,
		ConnectionType:      ConnTypeRC,
		Port:                1,
		SendQueueDepth:      128,
		RecvQueueDepth:      128,
		CompletionQueueSize: 256,
		MaxInlineData:       256,
		MemoryPoolSize:      1 << 28, // 256MB
		MemoryRegionSize:    1 << 20, // 1MB
		PreAllocateRegions:  64,
		MaxResolveRetries:   3,
		ResolveTimeout:      2 * time.Second,
		ConnectTimeout:      10 * time.Second,
		AcceptBacklog:       16,
		DrainTimeout:        5 * time.Second,
	}
}
