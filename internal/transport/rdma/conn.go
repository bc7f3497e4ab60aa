package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection's position in the CM lifecycle.
type State int32

// Connection lifecycle states. Transitions only advance along the legal
// graph for the connection's role; see decide in dispatcher.go.
const (
	StateInit State = iota
	StateAddrResolving
	StateAddrResolved
	StateRouteResolving
	StateRouteResolved
	StateConnecting
	StateConnectRequested
	StateEstablished
	StateDisconnecting
	StateDisconnected
	StateError
	StateDestroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAddrResolving:
		return "addr_resolving"
	case StateAddrResolved:
		return "addr_resolved"
	case StateRouteResolving:
		return "route_resolving"
	case StateRouteResolved:
		return "route_resolved"
	case StateConnecting:
		return "connecting"
	case StateConnectRequested:
		return "connect_requested"
	case StateEstablished:
		return "established"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further events are expected for the state.
func (s State) terminal() bool {
	return s == StateDestroyed
}

// Role determines which CM event sequence is legal for a connection.
type Role int

// Connection roles.
const (
	RoleClient Role = iota
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}

	return "client"
}

// Conn represents one RDMA connection and its owned resources: the CM
// identifier, queue pair, completion queue and registered send/receive
// buffers. All fields are mutated only by the manager's event loop; the
// state tag is additionally readable from data-path threads.
type Conn struct {
	name        string // locally generated identifier, used in logs and notifications
	cmID        CMID
	listenerID  CMID // server role: the listener the connect request arrived on
	peerAddr    string
	role        Role
	state       atomic.Int32
	qp          VerbsQP
	cq          VerbsCQ
	sendMR      *MemoryRegion
	recvMR      *MemoryRegion
	retries     int
	privateData []byte
	createdAt   time.Time
	connectedAt time.Time

	// Client connect future: completed exactly once when the connection
	// reaches ESTABLISHED or fails.
	done     chan struct{}
	doneOnce sync.Once
	failure  error
}

// newConn creates a connection record in its role's initial state.
func newConn(cmID CMID, peerAddr string, role Role, privateData []byte) *Conn {
	c := &Conn{
		name:        uuid.NewString(),
		cmID:        cmID,
		peerAddr:    peerAddr,
		role:        role,
		privateData: privateData,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}

	if role == RoleServer {
		c.state.Store(int32(StateConnectRequested))
	} else {
		c.state.Store(int32(StateInit))
	}

	return c
}

// Name returns the locally generated connection identifier.
func (c *Conn) Name() string { return c.name }

// PeerAddr returns the remote address.
func (c *Conn) PeerAddr() string { return c.peerAddr }

// Role returns the connection role.
func (c *Conn) Role() Role { return c.role }

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Conn) State() State { return State(c.state.Load()) }

// setState advances the state tag. Event-loop only.
func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Established reports whether the connection is usable for transfers.
func (c *Conn) Established() bool { return c.State() == StateEstablished }

// QueuePair returns the queue pair and completion queue handles. The handles
// are owned by the record and valid only while the connection stays in
// ESTABLISHED or DISCONNECTING; callers must not release them.
func (c *Conn) QueuePair() (VerbsQP, VerbsCQ) { return c.qp, c.cq }

// Buffers returns the registered send and receive regions, same ownership
// rules as QueuePair.
func (c *Conn) Buffers() (send, recv *MemoryRegion) { return c.sendMR, c.recvMR }

// Done is closed when establishment completes or fails; Err reports the
// failure reason afterwards (nil on success).
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the establishment failure, if any. Valid after Done is closed.
func (c *Conn) Err() error { return c.failure }

// Wait blocks until the connection is established, fails, or the context
// expires.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.failure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the connect future exactly once.
func (c *Conn) complete(err error) {
	c.doneOnce.Do(func() {
		c.failure = err
		close(c.done)
	})
}

// hasResources reports whether the queue pair and completion queue are
// currently allocated.
func (c *Conn) hasResources() bool {
	return c.qp != 0 || c.cq != 0
}

// allocResources allocates the completion queue, queue pair and registered
// buffers for the connection. Allocation happens exactly once per record; a
// second call is a no-op guarded by the handles themselves. On partial
// failure everything already allocated is released before returning.
func (c *Conn) allocResources(verbs VerbsBackend, devCtx VerbsContext, pd VerbsPD, pool *MemoryPool, cfg *Config) error {
	if c.hasResources() {
		return nil
	}

	cq, err := verbs.CreateCQ(devCtx, cfg.CompletionQueueSize)
	if err != nil {
		return fmt.Errorf("failed to create completion queue: %w", err)
	}

	qp, err := verbs.CreateQP(pd, cq, cq, QPTypeRC, cfg.SendQueueDepth, cfg.RecvQueueDepth)
	if err != nil {
		_ = verbs.DestroyCQ(cq)
		return fmt.Errorf("failed to create queue pair: %w", err)
	}

	if err := verbs.ModifyQPToInit(qp, cfg.Port); err != nil {
		_ = verbs.DestroyQP(qp)
		_ = verbs.DestroyCQ(cq)

		return fmt.Errorf("failed to modify QP to Init: %w", err)
	}

	// Allocation runs on the event loop, which must never stall on the pool;
	// exhaustion fails the connection immediately.
	sendMR, err := pool.TryGetRegion()
	if err != nil {
		_ = verbs.DestroyQP(qp)
		_ = verbs.DestroyCQ(cq)

		return fmt.Errorf("failed to acquire send buffer: %w", err)
	}

	recvMR, err := pool.TryGetRegion()
	if err != nil {
		pool.ReleaseRegion(sendMR)
		_ = verbs.DestroyQP(qp)
		_ = verbs.DestroyCQ(cq)

		return fmt.Errorf("failed to acquire receive buffer: %w", err)
	}

	c.cq = cq
	c.qp = qp
	c.sendMR = sendMR
	c.recvMR = recvMR

	return nil
}

// activateQP drives the queue pair to ready-to-send once the peer's
// parameters are known (on the established event).
func (c *Conn) activateQP(verbs VerbsBackend, cfg *Config, destQPN uint32, destLID uint16, destGID []byte) error {
	if c.qp == 0 {
		return ErrQueuePairError
	}

	if err := verbs.ModifyQPToRTR(c.qp, destQPN, destLID, destGID, cfg.Port); err != nil {
		return fmt.Errorf("failed to modify QP to RTR: %w", err)
	}

	if err := verbs.ModifyQPToRTS(c.qp); err != nil {
		return fmt.Errorf("failed to modify QP to RTS: %w", err)
	}

	return nil
}

// releaseResources returns the registered buffers to the pool and destroys
// the queue pair and completion queue. Release happens exactly once per
// record; the zeroed handles make repeated calls no-ops.
func (c *Conn) releaseResources(verbs VerbsBackend, pool *MemoryPool) {
	if c.sendMR != nil {
		pool.ReleaseRegion(c.sendMR)
		c.sendMR = nil
	}

	if c.recvMR != nil {
		pool.ReleaseRegion(c.recvMR)
		c.recvMR = nil
	}

	if c.qp != 0 {
		_ = verbs.DestroyQP(c.qp)
		c.qp = 0
	}

	if c.cq != 0 {
		_ = verbs.DestroyCQ(c.cq)
		c.cq = 0
	}
}
