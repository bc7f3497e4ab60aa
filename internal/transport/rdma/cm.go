// This file defines the interface between the connection manager and the
// rdma_cm connection-management layer: identifier lifecycle, address/route
// resolution, connect/accept/reject/disconnect, and the asynchronous event
// channel the event loop drains. A simulated backend mirrors the behavior of
// a real rdma_cm event channel for development and testing.
package rdma

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CM errors.
var (
	ErrCMNotInitialized = errors.New("CM backend not initialized")
	ErrCMIDNotFound     = errors.New("CM identifier not found")
	ErrNotListening     = errors.New("identifier is not listening")
)

// CMID is an opaque handle to one rdma_cm connection identifier. A zero
// handle is always invalid. Each live CMID is owned by exactly one
// connection record (or listener) until destroyed.
type CMID uint64

// EventType identifies a connection-management event.
type EventType int

// CM event types, mirroring the rdma_cm event set.
const (
	EventAddrResolved EventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventEstablished
	EventDisconnected
	EventRejected
	EventUnreachable
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "addr_resolved"
	case EventAddrError:
		return "addr_error"
	case EventRouteResolved:
		return "route_resolved"
	case EventRouteError:
		return "route_error"
	case EventConnectRequest:
		return "connect_request"
	case EventEstablished:
		return "established"
	case EventDisconnected:
		return "disconnected"
	case EventRejected:
		return "rejected"
	case EventUnreachable:
		return "unreachable"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one asynchronous connection-management event. Events for a single
// CMID are delivered in the order the transport produced them.
type Event struct {
	Type EventType

	// ID is the connection identifier the event refers to. For
	// EventConnectRequest this is the newly created identifier for the
	// incoming connection, and ListenerID carries the listener it arrived on.
	ID         CMID
	ListenerID CMID

	// PeerAddr is the remote address, set on EventConnectRequest.
	PeerAddr string

	// PrivateData is the opaque handshake payload carried on connect and
	// accept. Its format is owned by the RPC layer.
	PrivateData []byte

	// Remote queue pair parameters, set on established events; used to
	// drive the local queue pair to ready-to-send.
	RemoteQPN uint32
	RemoteLID uint16
	RemoteGID []byte

	// Err carries the transport-reported reason for error-class events.
	Err error
}

// CMBackend defines the rdma_cm operations the connection manager needs.
// All calls are non-blocking; outcomes arrive as Events.
type CMBackend interface {
	Init() error
	Close() error

	// Identifier lifecycle
	CreateID() (CMID, error)
	DestroyID(id CMID) error

	// Client side
	ResolveAddr(id CMID, addr string, timeout time.Duration) error
	ResolveRoute(id CMID, timeout time.Duration) error
	Connect(id CMID, privateData []byte) error

	// Server side
	Listen(addr string) (CMID, error)
	Accept(id CMID, privateData []byte) error
	Reject(id CMID) error

	// Teardown
	Disconnect(id CMID) error

	// Events returns the shared event channel. The channel is closed only
	// when the backend itself fails or is closed; a closed channel is a
	// fatal condition for the event loop.
	Events() <-chan Event
}

// SimulatedCMBackend provides an in-memory rdma_cm implementation.
//
// In auto mode every request completes successfully: ResolveAddr queues
// addr_resolved, Connect queues established, and so on. With auto disabled
// the backend only records calls and tests drive the event stream through
// Inject and SimulateIncoming.
type SimulatedCMBackend struct {
	ids         map[CMID]*simulatedCMID
	events      chan Event
	nextID      uint64
	auto        bool
	mu          sync.Mutex
	initialized bool
	closed      atomic.Bool

	idsCreated   int64
	idsDestroyed int64
	calls        simulatedCMCalls
}

// simulatedCMCalls counts requests issued against the backend, so tests can
// synchronize with the event loop without sleeping.
type simulatedCMCalls struct {
	resolveAddr  int64
	resolveRoute int64
	connect      int64
	accept       int64
	reject       int64
	disconnect   int64
}

type simulatedCMID struct {
	addr      string
	listening bool
	connected bool
}

const simEventBuffer = 256

// NewSimulatedCMBackend creates a simulated CM backend. With auto set, every
// resolution and connect request completes successfully on its own; tests
// that need failures or manual sequencing pass auto=false.
func NewSimulatedCMBackend(auto bool) *SimulatedCMBackend {
	return &SimulatedCMBackend{
		ids:    make(map[CMID]*simulatedCMID),
		events: make(chan Event, simEventBuffer),
		auto:   auto,
	}
}

func (b *SimulatedCMBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *SimulatedCMBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	b.initialized = false
	b.ids = make(map[CMID]*simulatedCMID)
	b.mu.Unlock()

	close(b.events)

	return nil
}

func (b *SimulatedCMBackend) CreateID() (CMID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrCMNotInitialized
	}

	b.nextID++
	id := CMID(b.nextID)
	b.ids[id] = &simulatedCMID{}
	atomic.AddInt64(&b.idsCreated, 1)

	return id, nil
}

func (b *SimulatedCMBackend) DestroyID(id CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ids[id]; !ok {
		return ErrCMIDNotFound
	}

	delete(b.ids, id)
	atomic.AddInt64(&b.idsDestroyed, 1)

	return nil
}

func (b *SimulatedCMBackend) ResolveAddr(id CMID, addr string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sim, ok := b.ids[id]
	if !ok {
		return ErrCMIDNotFound
	}

	sim.addr = addr
	atomic.AddInt64(&b.calls.resolveAddr, 1)

	if b.auto {
		b.emit(Event{Type: EventAddrResolved, ID: id})
	}

	return nil
}

func (b *SimulatedCMBackend) ResolveRoute(id CMID, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ids[id]; !ok {
		return ErrCMIDNotFound
	}

	atomic.AddInt64(&b.calls.resolveRoute, 1)

	if b.auto {
		b.emit(Event{Type: EventRouteResolved, ID: id})
	}

	return nil
}

func (b *SimulatedCMBackend) Connect(id CMID, privateData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sim, ok := b.ids[id]
	if !ok {
		return ErrCMIDNotFound
	}

	atomic.AddInt64(&b.calls.connect, 1)

	if b.auto {
		sim.connected = true
		b.emit(Event{Type: EventEstablished, ID: id, PrivateData: privateData})
	}

	return nil
}

func (b *SimulatedCMBackend) Listen(addr string) (CMID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrCMNotInitialized
	}

	b.nextID++
	id := CMID(b.nextID)
	b.ids[id] = &simulatedCMID{addr: addr, listening: true}
	atomic.AddInt64(&b.idsCreated, 1)

	return id, nil
}

func (b *SimulatedCMBackend) Accept(id CMID, privateData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sim, ok := b.ids[id]
	if !ok {
		return ErrCMIDNotFound
	}

	atomic.AddInt64(&b.calls.accept, 1)

	if b.auto {
		sim.connected = true
		b.emit(Event{Type: EventEstablished, ID: id, PrivateData: privateData})
	}

	return nil
}

func (b *SimulatedCMBackend) Reject(id CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ids[id]; !ok {
		return ErrCMIDNotFound
	}

	atomic.AddInt64(&b.calls.reject, 1)

	return nil
}

func (b *SimulatedCMBackend) Disconnect(id CMID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sim, ok := b.ids[id]
	if !ok {
		return ErrCMIDNotFound
	}

	sim.connected = false
	atomic.AddInt64(&b.calls.disconnect, 1)

	if b.auto {
		b.emit(Event{Type: EventDisconnected, ID: id})
	}

	return nil
}

func (b *SimulatedCMBackend) Events() <-chan Event {
	return b.events
}

// Inject delivers an event as if the transport produced it. Test hook.
func (b *SimulatedCMBackend) Inject(ev Event) {
	if b.closed.Load() {
		return
	}

	b.events <- ev
}

// SimulateIncoming fabricates an incoming connect request on the given
// listener: it creates the new connection identifier the way rdma_cm does
// and emits a connect_request event carrying both identifiers. Test hook.
func (b *SimulatedCMBackend) SimulateIncoming(listenerID CMID, peer string, privateData []byte) (CMID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sim, ok := b.ids[listenerID]
	if !ok {
		return 0, ErrCMIDNotFound
	}

	if !sim.listening {
		return 0, ErrNotListening
	}

	b.nextID++
	id := CMID(b.nextID)
	b.ids[id] = &simulatedCMID{addr: peer}
	atomic.AddInt64(&b.idsCreated, 1)

	b.emit(Event{
		Type:        EventConnectRequest,
		ID:          id,
		ListenerID:  listenerID,
		PeerAddr:    peer,
		PrivateData: privateData,
	})

	return id, nil
}

// CallCounts returns per-operation request counters. Test hook.
func (b *SimulatedCMBackend) CallCounts() map[string]int64 {
	return map[string]int64{
		"resolve_addr":  atomic.LoadInt64(&b.calls.resolveAddr),
		"resolve_route": atomic.LoadInt64(&b.calls.resolveRoute),
		"connect":       atomic.LoadInt64(&b.calls.connect),
		"accept":        atomic.LoadInt64(&b.calls.accept),
		"reject":        atomic.LoadInt64(&b.calls.reject),
		"disconnect":    atomic.LoadInt64(&b.calls.disconnect),
	}
}

// IDsCreated and IDsDestroyed expose identifier counters for leak checks.
func (b *SimulatedCMBackend) IDsCreated() int64 { return atomic.LoadInt64(&b.idsCreated) }

func (b *SimulatedCMBackend) IDsDestroyed() int64 { return atomic.LoadInt64(&b.idsDestroyed) }

// emit queues an event without blocking the caller. Called with b.mu held.
func (b *SimulatedCMBackend) emit(ev Event) {
	if b.closed.Load() {
		return
	}

	b.events <- ev
}
