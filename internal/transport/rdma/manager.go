package rdma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/nebulafs/internal/metrics"
)

// Notifier carries the callbacks the data-path layer registers for
// connection lifecycle notifications. Both are invoked from the event loop
// goroutine and must not block; handlers should hand work off elsewhere.
type Notifier struct {
	OnEstablished  func(peerAddr string, conn *Conn)
	OnDisconnected func(peerAddr string, reason error)
}

// Manager owns the RDMA connection lifecycle: it runs the single event-loop
// goroutine that drains the CM event channel, drives every state transition,
// and is the only writer of the connection table. Data-path threads use
// Lookup to find established connections.
type Manager struct {
	cfg   *Config
	verbs VerbsBackend
	cm    CMBackend

	devCtx VerbsContext
	pd     VerbsPD
	pool   *MemoryPool

	table *connTable

	// Event-loop private state. Never touched off-loop.
	byID           map[CMID]*Conn
	listeners      map[CMID]*Listener
	pendingAccepts map[CMID]int
	draining       bool

	notifier Notifier

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	drained  chan struct{}
	fatal    chan error

	drainedOnce sync.Once
	wg          sync.WaitGroup
	closed      atomic.Bool
}

const opQueueDepth = 64

// NewManager creates a connection manager and starts its event loop. Nil
// backends select the simulated implementations, with the CM backend in
// auto-complete mode.
func NewManager(cfg *Config, verbs VerbsBackend, cm CMBackend, notifier Notifier) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if verbs == nil {
		verbs = NewSimulatedVerbsBackend()
	}

	if cm == nil {
		cm = NewSimulatedCMBackend(true)
	}

	m := &Manager{
		cfg:            cfg,
		verbs:          verbs,
		cm:             cm,
		table:          newConnTable(),
		byID:           make(map[CMID]*Conn),
		listeners:      make(map[CMID]*Listener),
		pendingAccepts: make(map[CMID]int),
		notifier:       notifier,
		ops:            make(chan func(), opQueueDepth),
		quit:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		drained:        make(chan struct{}),
		fatal:          make(chan error, 1),
	}

	if err := m.initBackends(); err != nil {
		return nil, err
	}

	m.wg.Add(1)

	go m.loop()

	return m, nil
}

// initBackends brings up the verbs and CM layers: device, protection domain
// and the pre-registered memory pool.
func (m *Manager) initBackends() error {
	if err := m.verbs.Init(); err != nil {
		return fmt.Errorf("failed to initialize verbs backend: %w", err)
	}

	devices, err := m.verbs.GetDeviceList()
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		return ErrRDMANotAvailable
	}

	name := m.cfg.DeviceName
	if name == "" {
		name = devices[0].Name
	}

	devCtx, err := m.verbs.OpenDevice(name)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", name, err)
	}

	m.devCtx = devCtx

	pd, err := m.verbs.AllocPD(devCtx)
	if err != nil {
		return fmt.Errorf("failed to allocate protection domain: %w", err)
	}

	m.pd = pd

	pool, err := NewMemoryPool(m.verbs, pd, m.cfg)
	if err != nil {
		return fmt.Errorf("failed to create memory pool: %w", err)
	}

	m.pool = pool

	if err := m.cm.Init(); err != nil {
		return fmt.Errorf("failed to initialize CM backend: %w", err)
	}

	log.Info().Str("device", name).Msg("RDMA connection manager initialized")

	return nil
}

// Connect initiates a CLIENT-role connection to addr and blocks until it is
// established, fails, or the configured connect timeout elapses. On timeout
// the record is disposed of exactly as on a transport-reported error.
func (m *Manager) Connect(ctx context.Context, addr string, privateData []byte) (*Conn, error) {
	c, err := m.ConnectAsync(addr, privateData)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := c.Wait(waitCtx); err != nil {
		if waitCtx.Err() != nil {
			// Deadline exceeded: synthesize a local error transition so the
			// record and its resources are released on the event loop.
			m.post(func() { m.failConn(c, ErrTimeout) })

			return nil, ErrTimeout
		}

		return nil, err
	}

	return c, nil
}

// ConnectAsync initiates a CLIENT-role connection and returns immediately.
// The caller observes completion through the connection's Done channel.
func (m *Manager) ConnectAsync(addr string, privateData []byte) (*Conn, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	id, err := m.cm.CreateID()
	if err != nil {
		return nil, fmt.Errorf("failed to create CM identifier: %w", err)
	}

	c := newConn(id, addr, RoleClient, privateData)

	m.post(func() { m.startConnect(c) })

	return c, nil
}

// startConnect inserts the record and requests address resolution.
// Event-loop only.
func (m *Manager) startConnect(c *Conn) {
	if m.draining {
		_ = m.cm.DestroyID(c.cmID)
		c.complete(ErrManagerClosed)

		return
	}

	if err := m.table.insert(c.peerAddr, c); err != nil {
		_ = m.cm.DestroyID(c.cmID)
		c.complete(err)

		return
	}

	m.byID[c.cmID] = c
	c.setState(StateAddrResolving)

	log.Debug().
		Str("conn", c.name).
		Str("peer", c.peerAddr).
		Msg("resolving address")

	if err := m.cm.ResolveAddr(c.cmID, c.peerAddr, m.cfg.ResolveTimeout); err != nil {
		m.failConn(c, err)
	}
}

// Listen starts accepting SERVER-role connections on addr. Accepted
// connections surface through the OnEstablished notification. privateData is
// the opaque payload returned to peers on accept.
func (m *Manager) Listen(addr string, privateData []byte) (*Listener, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	id, err := m.cm.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &Listener{id: id, addr: addr, privateData: privateData, m: m}

	m.post(func() { m.listeners[id] = l })

	log.Info().Str("addr", addr).Msg("RDMA listener started")

	return l, nil
}

// Lookup returns the established connection for addr, if any. Non-blocking
// and safe from any goroutine.
func (m *Manager) Lookup(addr string) (*Conn, bool) {
	return m.table.lookup(addr)
}

// ForEachEstablished runs fn over a snapshot of established connections.
func (m *Manager) ForEachEstablished(fn func(*Conn)) {
	m.table.forEachEstablished(fn)
}

// EstablishedCount returns the number of established connections.
func (m *Manager) EstablishedCount() int64 {
	var n int64

	m.table.forEachEstablished(func(*Conn) { n++ })

	return n
}

// PoolStats returns the used and configured total bytes of the registered
// memory pool.
func (m *Manager) PoolStats() (used, total int64) {
	return m.pool.UsedBytes(), m.cfg.MemoryPoolSize
}

// Disconnect requests teardown of a specific connection. The closure
// surfaces through the OnDisconnected notification once the transport
// acknowledges it.
func (m *Manager) Disconnect(c *Conn) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	m.post(func() { m.startDisconnect(c, nil) })

	return nil
}

// startDisconnect begins teardown for a record. Established connections go
// through DISCONNECTING and wait for the transport's disconnected event;
// in-progress connections are failed locally. Event-loop only.
func (m *Manager) startDisconnect(c *Conn, reason error) {
	cur, ok := m.byID[c.cmID]
	if !ok || cur != c {
		// Already destroyed. Transports deliver terminal events more than
		// once, so this is a no-op rather than an error.
		return
	}

	switch c.State() {
	case StateEstablished:
		c.setState(StateDisconnecting)

		if err := m.cm.Disconnect(c.cmID); err != nil {
			m.failConn(c, err)
		}
	case StateDisconnecting, StateDisconnected, StateError, StateDestroyed:
		// Teardown already in flight.
	default:
		if reason == nil {
			reason = ErrConnectionFailed
		}

		m.failConn(c, reason)
	}
}

// Shutdown stops the listeners, tears down all connections and stops the
// event loop. It blocks until every record is destroyed, the drain timeout
// elapses (remaining records are then force-released), or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}

	log.Info().Msg("RDMA connection manager shutting down")

	m.post(m.beginDrain)

	select {
	case <-m.drained:
	case <-m.loopDone:
	case <-time.After(m.cfg.DrainTimeout):
		log.Warn().
			Dur("timeout", m.cfg.DrainTimeout).
			Msg("drain timeout elapsed, force-releasing remaining connections")
		m.post(m.forceRelease)

		select {
		case <-m.drained:
		case <-m.loopDone:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	// Records the drain never reached are released by the loop itself on its
	// way out, so a cancelled context cannot leak queue pairs or identifiers.
	close(m.quit)
	m.wg.Wait()

	_ = m.cm.Close()
	_ = m.pool.Close()
	_ = m.verbs.DeallocPD(m.pd)
	_ = m.verbs.CloseDevice(m.devCtx)
	_ = m.verbs.Close()

	log.Info().Msg("RDMA connection manager stopped")

	return ctx.Err()
}

// Fatal reports a fatal event-channel failure. The owning process should
// treat a value here as unrecoverable and restart.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// post hands fn to the event loop. Drops the op if the loop has exited,
// which only happens after shutdown.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.loopDone:
	}
}

// loop is the dedicated event-processing goroutine: the sole consumer of the
// CM event channel and the only writer of the connection table.
func (m *Manager) loop() {
	defer m.wg.Done()
	defer close(m.loopDone)
	defer m.finalRelease()

	events := m.cm.Events()

	for {
		select {
		case <-m.quit:
			return
		case op := <-m.ops:
			op()
		case ev, ok := <-events:
			if !ok {
				if !m.draining {
					log.Error().Msg("CM event channel closed unexpectedly")
					m.fatal <- ErrEventChannelClosed
				}

				return
			}

			m.handleEvent(ev)
		}

		m.checkDrained()
	}
}

// checkDrained closes the drained channel once shutdown has destroyed every
// record.
func (m *Manager) checkDrained() {
	if m.draining && len(m.byID) == 0 {
		m.drainedOnce.Do(func() { close(m.drained) })
	}
}

// beginDrain stops the listeners and initiates teardown for every record.
// Event-loop only.
func (m *Manager) beginDrain() {
	m.draining = true

	for id := range m.listeners {
		_ = m.cm.DestroyID(id)
		delete(m.listeners, id)
	}

	for _, c := range m.byID {
		m.startDisconnect(c, ErrManagerClosed)
	}
}

// forceRelease destroys every remaining record without waiting for clean
// disconnect acknowledgments. Event-loop only.
func (m *Manager) forceRelease() {
	for _, c := range m.byID {
		m.destroyConn(c, ErrManagerClosed)
	}
}

// finalRelease runs as the loop exits. Any listeners and records still alive
// are destroyed here, so resources are released even when shutdown is cut
// short by the caller's context or the event channel fails.
func (m *Manager) finalRelease() {
	reason := ErrEventChannelClosed
	if m.closed.Load() {
		reason = ErrManagerClosed
	}

	for id := range m.listeners {
		_ = m.cm.DestroyID(id)
		delete(m.listeners, id)
	}

	for _, c := range m.byID {
		m.destroyConn(c, reason)
	}
}

// handleEvent dispatches one CM event. Per-connection failures never
// terminate the loop; they are contained to the single record.
func (m *Manager) handleEvent(ev Event) {
	metrics.CMEventsTotal.WithLabelValues(ev.Type.String()).Inc()

	if ev.Type == EventConnectRequest {
		m.handleConnectRequest(ev)
		return
	}

	c, ok := m.byID[ev.ID]
	if !ok {
		switch ev.Type {
		case EventDisconnected, EventError, EventRejected, EventUnreachable:
			// Terminal event for an already-destroyed record.
			log.Debug().
				Uint64("cm_id", uint64(ev.ID)).
				Str("event", ev.Type.String()).
				Msg("terminal event for unknown identifier, ignoring")
		default:
			metrics.ProtocolViolationsTotal.Inc()
			log.Warn().
				Uint64("cm_id", uint64(ev.ID)).
				Str("event", ev.Type.String()).
				Msg("event for unknown identifier")
		}

		return
	}

	d := decide(c.role, c.State(), ev.Type, c.retries, m.cfg.MaxResolveRetries)

	switch d.act {
	case actIgnore:
		log.Debug().
			Str("conn", c.name).
			Str("event", ev.Type.String()).
			Str("state", c.State().String()).
			Msg("duplicate terminal event, ignoring")

	case actViolation:
		metrics.ProtocolViolationsTotal.Inc()
		log.Warn().
			Str("conn", c.name).
			Str("event", ev.Type.String()).
			Str("state", c.State().String()).
			Str("role", c.role.String()).
			Msg("event illegal for connection state")
		m.failConn(c, ErrProtocolViolation)

	case actResolveRoute:
		c.setState(d.next)

		if err := m.cm.ResolveRoute(c.cmID, m.cfg.ResolveTimeout); err != nil {
			m.failConn(c, err)
			return
		}

		c.setState(StateRouteResolving)

	case actRetryAddr:
		c.retries++
		metrics.ResolveRetriesTotal.Inc()
		log.Debug().
			Str("conn", c.name).
			Int("retry", c.retries).
			Msg("address resolution failed, retrying")

		if err := m.cm.ResolveAddr(c.cmID, c.peerAddr, m.cfg.ResolveTimeout); err != nil {
			m.failConn(c, err)
		}

	case actRetryRoute:
		c.retries++
		metrics.ResolveRetriesTotal.Inc()
		log.Debug().
			Str("conn", c.name).
			Int("retry", c.retries).
			Msg("route resolution failed, retrying")

		if err := m.cm.ResolveRoute(c.cmID, m.cfg.ResolveTimeout); err != nil {
			m.failConn(c, err)
		}

	case actConnect:
		c.setState(d.next)

		if err := c.allocResources(m.verbs, m.devCtx, m.pd, m.pool, m.cfg); err != nil {
			m.failConn(c, err)
			return
		}

		metrics.MemoryPoolUsedBytes.Set(float64(m.pool.UsedBytes()))

		if err := m.cm.Connect(c.cmID, c.privateData); err != nil {
			m.failConn(c, err)
			return
		}

		c.setState(StateConnecting)

	case actEstablish:
		if err := c.activateQP(m.verbs, m.cfg, ev.RemoteQPN, ev.RemoteLID, ev.RemoteGID); err != nil {
			m.failConn(c, err)
			return
		}

		m.markEstablished(c)

	case actTeardown:
		c.setState(d.next)
		m.destroyConn(c, nil)

	case actFail:
		m.failConn(c, failureReason(ev))

	case actNone:
		c.setState(d.next)
	}
}

// handleConnectRequest creates a SERVER-role record for an incoming connect
// request and accepts it, or rejects when the listener's backlog of pending
// accepts is full. Event-loop only.
func (m *Manager) handleConnectRequest(ev Event) {
	l, ok := m.listeners[ev.ListenerID]
	if !ok {
		log.Warn().
			Uint64("listener", uint64(ev.ListenerID)).
			Str("peer", ev.PeerAddr).
			Msg("connect request on unknown listener, rejecting")
		m.rejectRequest(ev.ID)

		return
	}

	if m.pendingAccepts[l.id] >= m.cfg.AcceptBacklog {
		metrics.ConnectionFailures.WithLabelValues("backlog_full").Inc()
		log.Warn().
			Str("addr", l.addr).
			Str("peer", ev.PeerAddr).
			Int("backlog", m.cfg.AcceptBacklog).
			Err(ErrAcceptBacklogFull).
			Msg("rejecting connect request")
		m.rejectRequest(ev.ID)

		return
	}

	c := newConn(ev.ID, ev.PeerAddr, RoleServer, ev.PrivateData)
	c.listenerID = l.id

	if err := m.table.insert(c.peerAddr, c); err != nil {
		metrics.ProtocolViolationsTotal.Inc()
		log.Warn().
			Str("peer", ev.PeerAddr).
			Err(err).
			Msg("duplicate connect request for peer, rejecting")
		m.rejectRequest(ev.ID)

		return
	}

	if err := c.allocResources(m.verbs, m.devCtx, m.pd, m.pool, m.cfg); err != nil {
		log.Error().Str("peer", ev.PeerAddr).Err(err).Msg("failed to allocate accept resources")
		_, _ = m.table.remove(c.peerAddr)
		m.rejectRequest(ev.ID)

		return
	}

	metrics.MemoryPoolUsedBytes.Set(float64(m.pool.UsedBytes()))

	m.byID[ev.ID] = c
	m.pendingAccepts[l.id]++

	if err := m.cm.Accept(ev.ID, l.privateData); err != nil {
		m.failConn(c, err)
		return
	}

	log.Debug().
		Str("conn", c.name).
		Str("peer", c.peerAddr).
		Msg("connect request accepted")
}

// rejectRequest declines an incoming identifier that never became a record.
func (m *Manager) rejectRequest(id CMID) {
	_ = m.cm.Reject(id)
	_ = m.cm.DestroyID(id)
}

// markEstablished completes the transition to ESTABLISHED and notifies the
// caller.
func (m *Manager) markEstablished(c *Conn) {
	c.setState(StateEstablished)
	c.connectedAt = time.Now()

	if c.role == RoleServer {
		if n := m.pendingAccepts[c.listenerID]; n > 0 {
			m.pendingAccepts[c.listenerID] = n - 1
		}
	}

	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.WithLabelValues(c.role.String()).Inc()
	metrics.ConnectDuration.Observe(time.Since(c.createdAt).Seconds())

	log.Info().
		Str("conn", c.name).
		Str("peer", c.peerAddr).
		Str("role", c.role.String()).
		Msg("connection established")

	c.complete(nil)

	if m.notifier.OnEstablished != nil {
		m.notifier.OnEstablished(c.peerAddr, c)
	}
}

// failConn moves a record to ERROR and destroys it, reporting reason to the
// caller and notification layer. Event-loop only.
func (m *Manager) failConn(c *Conn, reason error) {
	if c.State().terminal() {
		return
	}

	c.setState(StateError)
	metrics.ConnectionFailures.WithLabelValues(failureLabel(reason)).Inc()

	log.Warn().
		Str("conn", c.name).
		Str("peer", c.peerAddr).
		Err(reason).
		Msg("connection failed")

	m.destroyConn(c, reason)
}

// destroyConn releases the record's resources exactly once, removes it from
// the table and index, destroys its identifier, and fires the closure
// notification. Event-loop only.
func (m *Manager) destroyConn(c *Conn, reason error) {
	wasEstablished := c.connectedAt != (time.Time{})

	if c.role == RoleServer && !wasEstablished {
		if n := m.pendingAccepts[c.listenerID]; n > 0 {
			m.pendingAccepts[c.listenerID] = n - 1
		}
	}

	c.releaseResources(m.verbs, m.pool)
	metrics.MemoryPoolUsedBytes.Set(float64(m.pool.UsedBytes()))

	if cur, ok := m.table.get(c.peerAddr); ok && cur == c {
		_, _ = m.table.remove(c.peerAddr)
	}

	delete(m.byID, c.cmID)
	_ = m.cm.DestroyID(c.cmID)

	c.setState(StateDestroyed)

	if wasEstablished {
		metrics.ConnectionsActive.Dec()
	}

	if reason == nil {
		log.Info().
			Str("conn", c.name).
			Str("peer", c.peerAddr).
			Msg("connection closed")
	}

	// Resolve the connect future for records that never established.
	if reason != nil {
		c.complete(reason)
	} else {
		c.complete(ErrNotConnected)
	}

	if (wasEstablished || reason != nil) && m.notifier.OnDisconnected != nil {
		m.notifier.OnDisconnected(c.peerAddr, reason)
	}

	m.checkDrained()
}

// failureLabel buckets failure reasons for the failures counter.
func failureLabel(reason error) string {
	switch reason {
	case ErrTimeout:
		return "timeout"
	case ErrConnectionRejected:
		return "rejected"
	case ErrPeerUnreachable:
		return "unreachable"
	case ErrRetriesExhausted:
		return "retries_exhausted"
	case ErrProtocolViolation:
		return "protocol_violation"
	case ErrManagerClosed:
		return "shutdown"
	default:
		return "transport_error"
	}
}

// Listener accepts incoming RDMA connections on a local address. It only
// ever produces connect-request events; accepted connections surface through
// the manager's notifications.
type Listener struct {
	id          CMID
	addr        string
	privateData []byte
	m           *Manager
}

// Addr returns the listen address.
func (l *Listener) Addr() string { return l.addr }

// Close stops accepting new connections. Established connections are
// unaffected.
func (l *Listener) Close() error {
	l.m.post(func() {
		if _, ok := l.m.listeners[l.id]; !ok {
			return
		}

		delete(l.m.listeners, l.id)
		delete(l.m.pendingAccepts, l.id)
		_ = l.m.cm.DestroyID(l.id)

		log.Info().Str("addr", l.addr).Msg("RDMA listener stopped")
	})

	return nil
}
