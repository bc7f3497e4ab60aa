package rdma

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func testManagerConfig() *Config {
	cfg := DefaultConfig()
	cfg.PreAllocateRegions = 16
	cfg.MemoryRegionSize = 1024
	cfg.MemoryPoolSize = 16 * 1024
	cfg.ResolveTimeout = 100 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	cfg.DrainTimeout = 500 * time.Millisecond

	return cfg
}

func newTestManager(t *testing.T, cfg *Config, auto bool, notifier Notifier) (*Manager, *SimulatedVerbsBackend, *SimulatedCMBackend) {
	t.Helper()

	verbs := NewSimulatedVerbsBackend()
	cm := NewSimulatedCMBackend(auto)

	m, err := NewManager(cfg, verbs, cm, notifier)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return m, verbs, cm
}

// waitUntil polls cond until it holds or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(2 * time.Millisecond)
	}

	t.Fatal(msg)
}

// syncLoop waits until every op posted before it has been processed.
func syncLoop(t *testing.T, m *Manager) {
	t.Helper()

	done := make(chan struct{})
	m.post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not process ops")
	}
}

func checkNoLeaks(t *testing.T, verbs *SimulatedVerbsBackend, cm *SimulatedCMBackend) {
	t.Helper()

	m := verbs.GetMetrics()
	if m["qps_created"] != m["qps_destroyed"] {
		t.Errorf("QP leak: created %d, destroyed %d", m["qps_created"], m["qps_destroyed"])
	}

	if m["cqs_created"] != m["cqs_destroyed"] {
		t.Errorf("CQ leak: created %d, destroyed %d", m["cqs_created"], m["cqs_destroyed"])
	}

	if m["mrs_registered"] != m["mrs_deregistered"] {
		t.Errorf("MR leak: registered %d, deregistered %d", m["mrs_registered"], m["mrs_deregistered"])
	}

	if cm.IDsCreated() != cm.IDsDestroyed() {
		t.Errorf("CM identifier leak: created %d, destroyed %d", cm.IDsCreated(), cm.IDsDestroyed())
	}
}

func TestManagerConnectHappyPath(t *testing.T) {
	established := make(chan string, 1)
	m, _, _ := newTestManager(t, testManagerConfig(), true, Notifier{
		OnEstablished: func(peer string, _ *Conn) { established <- peer },
	})
	defer m.Shutdown(context.Background())

	conn, err := m.Connect(context.Background(), "10.0.0.1:9700", []byte("hello"))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !conn.Established() {
		t.Errorf("connection state = %s, expected established", conn.State())
	}

	if conn.Role() != RoleClient {
		t.Errorf("connection role = %s, expected client", conn.Role())
	}

	qp, cq := conn.QueuePair()
	if qp == 0 || cq == 0 {
		t.Error("established connection missing queue pair resources")
	}

	send, recv := conn.Buffers()
	if send == nil || recv == nil {
		t.Error("established connection missing registered buffers")
	}

	select {
	case peer := <-established:
		if peer != "10.0.0.1:9700" {
			t.Errorf("notification peer = %s", peer)
		}
	case <-time.After(time.Second):
		t.Error("OnEstablished notification not delivered")
	}

	got, ok := m.Lookup("10.0.0.1:9700")
	if !ok || got != conn {
		t.Error("Lookup did not return the established connection")
	}

	if n := m.EstablishedCount(); n != 1 {
		t.Errorf("EstablishedCount = %d, expected 1", n)
	}
}

func TestManagerConnectRetriesThenFails(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxResolveRetries = 3

	m, verbs, cm := newTestManager(t, cfg, false, Notifier{})
	defer m.Shutdown(context.Background())

	conn, err := m.ConnectAsync("10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("ConnectAsync failed: %v", err)
	}

	// Drive address resolution into failure four times: three retries, then
	// the bound is exhausted.
	for i := int64(1); i <= 4; i++ {
		waitUntil(t, time.Second, func() bool {
			return cm.CallCounts()["resolve_addr"] == i
		}, "resolve_addr request not issued")

		cm.Inject(Event{Type: EventAddrError, ID: conn.cmID})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := conn.Wait(ctx); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}

	if got := cm.CallCounts()["resolve_addr"]; got != 4 {
		t.Errorf("resolve_addr called %d times, expected 4 (initial + 3 retries)", got)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.IDsCreated() == cm.IDsDestroyed()
	}, "failed connection identifier not destroyed")

	checkNoLeaks(t, verbs, cm)
}

func TestManagerConnectRejected(t *testing.T) {
	m, verbs, cm := newTestManager(t, testManagerConfig(), false, Notifier{})
	defer m.Shutdown(context.Background())

	conn, err := m.ConnectAsync("10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("ConnectAsync failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.CallCounts()["resolve_addr"] == 1
	}, "resolve_addr request not issued")

	cm.Inject(Event{Type: EventRejected, ID: conn.cmID})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := conn.Wait(ctx); !errors.Is(err, ErrConnectionRejected) {
		t.Errorf("expected ErrConnectionRejected, got %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.IDsCreated() == cm.IDsDestroyed()
	}, "rejected connection identifier not destroyed")

	checkNoLeaks(t, verbs, cm)
}

func TestManagerConnectTimeout(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond

	m, verbs, cm := newTestManager(t, cfg, false, Notifier{})
	defer m.Shutdown(context.Background())

	// Manual backend produces no events, so establishment never completes.
	_, err := m.Connect(context.Background(), "10.0.0.1:9700", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.IDsCreated() == cm.IDsDestroyed()
	}, "timed-out connection identifier not destroyed")

	checkNoLeaks(t, verbs, cm)
}

func TestManagerDuplicateConnect(t *testing.T) {
	m, _, _ := newTestManager(t, testManagerConfig(), true, Notifier{})
	defer m.Shutdown(context.Background())

	if _, err := m.Connect(context.Background(), "10.0.0.1:9700", nil); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}

	_, err := m.Connect(context.Background(), "10.0.0.1:9700", nil)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for second connect, got %v", err)
	}

	// The original connection is untouched.
	if _, ok := m.Lookup("10.0.0.1:9700"); !ok {
		t.Error("original connection lost after duplicate connect attempt")
	}
}

func TestManagerProtocolViolationEscalates(t *testing.T) {
	m, verbs, cm := newTestManager(t, testManagerConfig(), false, Notifier{})
	defer m.Shutdown(context.Background())

	conn, err := m.ConnectAsync("10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("ConnectAsync failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.CallCounts()["resolve_addr"] == 1
	}, "resolve_addr request not issued")

	// route_resolved while still resolving the address is out of order.
	cm.Inject(Event{Type: EventRouteResolved, ID: conn.cmID})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := conn.Wait(ctx); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return conn.State() == StateDestroyed
	}, "violating connection not destroyed")

	checkNoLeaks(t, verbs, cm)
}

func TestManagerDisconnect(t *testing.T) {
	disconnected := make(chan error, 4)
	m, verbs, cm := newTestManager(t, testManagerConfig(), true, Notifier{
		OnDisconnected: func(_ string, reason error) { disconnected <- reason },
	})
	defer m.Shutdown(context.Background())

	conn, err := m.Connect(context.Background(), "10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Disconnect(conn); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case reason := <-disconnected:
		if reason != nil {
			t.Errorf("clean disconnect reported reason %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDisconnected notification not delivered")
	}

	if _, ok := m.Lookup("10.0.0.1:9700"); ok {
		t.Error("disconnected connection still visible to Lookup")
	}

	if conn.State() != StateDestroyed {
		t.Errorf("connection state = %s, expected destroyed", conn.State())
	}

	// A second disconnect for the same record is a no-op.
	_ = m.Disconnect(conn)
	syncLoop(t, m)

	select {
	case <-disconnected:
		t.Error("duplicate disconnect produced a second notification")
	default:
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerDuplicateEstablishedIgnored(t *testing.T) {
	var notifications atomic.Int64

	m, _, cm := newTestManager(t, testManagerConfig(), true, Notifier{
		OnEstablished: func(string, *Conn) { notifications.Add(1) },
	})
	defer m.Shutdown(context.Background())

	conn, err := m.Connect(context.Background(), "10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Transports may deliver established more than once.
	cm.Inject(Event{Type: EventEstablished, ID: conn.cmID})
	cm.Inject(Event{Type: EventEstablished, ID: conn.cmID})
	syncLoop(t, m)

	if !conn.Established() {
		t.Errorf("connection state = %s after duplicate established", conn.State())
	}

	if n := notifications.Load(); n != 1 {
		t.Errorf("OnEstablished fired %d times, expected 1", n)
	}

	if n := m.EstablishedCount(); n != 1 {
		t.Errorf("EstablishedCount = %d, expected 1", n)
	}
}

func TestManagerServerAccept(t *testing.T) {
	established := make(chan *Conn, 1)
	m, verbs, cm := newTestManager(t, testManagerConfig(), true, Notifier{
		OnEstablished: func(_ string, c *Conn) { established <- c },
	})
	defer m.Shutdown(context.Background())

	l, err := m.Listen("0.0.0.0:9700", []byte("accept-payload"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	if l.Addr() != "0.0.0.0:9700" {
		t.Errorf("listener addr = %s", l.Addr())
	}

	syncLoop(t, m) // listener registration is posted to the loop

	if _, err := cm.SimulateIncoming(l.id, "10.0.0.9:41000", []byte("client-hello")); err != nil {
		t.Fatalf("SimulateIncoming failed: %v", err)
	}

	var conn *Conn
	select {
	case conn = <-established:
	case <-time.After(time.Second):
		t.Fatal("incoming connection never established")
	}

	if conn.Role() != RoleServer {
		t.Errorf("accepted connection role = %s, expected server", conn.Role())
	}

	if conn.PeerAddr() != "10.0.0.9:41000" {
		t.Errorf("accepted connection peer = %s", conn.PeerAddr())
	}

	if _, ok := m.Lookup("10.0.0.9:41000"); !ok {
		t.Error("accepted connection not visible to Lookup")
	}

	if got := cm.CallCounts()["accept"]; got != 1 {
		t.Errorf("accept called %d times, expected 1", got)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerAcceptBacklogFull(t *testing.T) {
	cfg := testManagerConfig()
	cfg.AcceptBacklog = 2
	cfg.DrainTimeout = 100 * time.Millisecond

	m, verbs, cm := newTestManager(t, cfg, false, Notifier{})

	l, err := m.Listen("0.0.0.0:9700", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	syncLoop(t, m)

	// Manual backend never completes accepts, so pending requests pile up.
	for i := 0; i < 3; i++ {
		peer := fmt.Sprintf("10.0.0.%d:41000", i+1)
		if _, err := cm.SimulateIncoming(l.id, peer, nil); err != nil {
			t.Fatalf("SimulateIncoming %d failed: %v", i, err)
		}
	}

	waitUntil(t, time.Second, func() bool {
		counts := cm.CallCounts()
		return counts["accept"] == 2 && counts["reject"] == 1
	}, "expected 2 accepts and 1 reject with backlog 2")

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerConnectRequestUnknownListenerRejected(t *testing.T) {
	m, _, cm := newTestManager(t, testManagerConfig(), false, Notifier{})
	defer m.Shutdown(context.Background())

	l, err := cm.Listen("0.0.0.0:9999") // listener the manager never registered
	if err != nil {
		t.Fatalf("backend Listen failed: %v", err)
	}

	if _, err := cm.SimulateIncoming(l, "10.0.0.9:41000", nil); err != nil {
		t.Fatalf("SimulateIncoming failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.CallCounts()["reject"] == 1
	}, "connect request on unknown listener not rejected")
}

func TestManagerShutdownDrains(t *testing.T) {
	var closures atomic.Int64

	m, verbs, cm := newTestManager(t, testManagerConfig(), true, Notifier{
		OnDisconnected: func(string, error) { closures.Add(1) },
	})

	const peers = 5

	for i := 0; i < peers; i++ {
		addr := fmt.Sprintf("10.0.0.%d:9700", i+1)
		if _, err := m.Connect(context.Background(), addr, nil); err != nil {
			t.Fatalf("Connect %s failed: %v", addr, err)
		}
	}

	if n := m.EstablishedCount(); n != peers {
		t.Fatalf("EstablishedCount = %d, expected %d", n, peers)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if n := m.EstablishedCount(); n != 0 {
		t.Errorf("EstablishedCount = %d after shutdown, expected 0", n)
	}

	if n := closures.Load(); n != peers {
		t.Errorf("OnDisconnected fired %d times, expected %d", n, peers)
	}

	checkNoLeaks(t, verbs, cm)

	// The manager refuses new work after shutdown.
	if _, err := m.ConnectAsync("10.0.0.99:9700", nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed after shutdown, got %v", err)
	}

	if err := m.Shutdown(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed on second shutdown, got %v", err)
	}
}

func TestManagerShutdownForceReleases(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DrainTimeout = 100 * time.Millisecond

	// Manual backend never acknowledges disconnects, so the drain times out
	// and remaining records are force-released.
	m, verbs, cm := newTestManager(t, cfg, false, Notifier{})

	conn, err := m.ConnectAsync("10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("ConnectAsync failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.CallCounts()["resolve_addr"] == 1
	}, "resolve_addr request not issued")

	// Walk the record to established by hand.
	cm.Inject(Event{Type: EventAddrResolved, ID: conn.cmID})
	cm.Inject(Event{Type: EventRouteResolved, ID: conn.cmID})
	cm.Inject(Event{Type: EventEstablished, ID: conn.cmID})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := conn.Wait(ctx); err != nil {
		t.Fatalf("connection never established: %v", err)
	}

	start := time.Now()

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed < cfg.DrainTimeout {
		t.Errorf("shutdown returned before drain timeout: %v", elapsed)
	}

	if conn.State() != StateDestroyed {
		t.Errorf("connection state = %s after forced shutdown, expected destroyed", conn.State())
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerEventChannelClosedIsFatal(t *testing.T) {
	m, _, cm := newTestManager(t, testManagerConfig(), false, Notifier{})

	// Closing the backend closes the shared event channel out from under the
	// event loop.
	_ = cm.Close()

	select {
	case err := <-m.Fatal():
		if !errors.Is(err, ErrEventChannelClosed) {
			t.Errorf("expected ErrEventChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("fatal condition not reported")
	}

	_ = m.Shutdown(context.Background())
}

func TestManagerListenerClose(t *testing.T) {
	m, _, cm := newTestManager(t, testManagerConfig(), false, Notifier{})
	defer m.Shutdown(context.Background())

	l, err := m.Listen("0.0.0.0:9700", nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	syncLoop(t, m)

	if err := l.Close(); err != nil {
		t.Fatalf("listener Close failed: %v", err)
	}

	syncLoop(t, m)

	// Connect requests after close go to an unknown listener and are
	// rejected.
	if _, err := cm.SimulateIncoming(l.id, "10.0.0.9:41000", nil); err == nil {
		waitUntil(t, time.Second, func() bool {
			return cm.CallCounts()["reject"] == 1
		}, "connect request after listener close not rejected")
	}
}

func TestManagerShutdownCancelledContext(t *testing.T) {
	m, verbs, cm := newTestManager(t, testManagerConfig(), true, Notifier{})

	conn, err := m.Connect(context.Background(), "10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A dead context must not skip resource release.
	if err := m.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, expected context.Canceled", err)
	}

	if conn.State() != StateDestroyed {
		t.Errorf("connection state = %s after shutdown, expected destroyed", conn.State())
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerShutdownContextExpiresDuringDrain(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DrainTimeout = 10 * time.Second

	// Manual backend never acknowledges disconnects, so the drain would hold
	// until its own timeout; the caller's context cuts it short.
	m, verbs, cm := newTestManager(t, cfg, false, Notifier{})

	conn, err := m.ConnectAsync("10.0.0.1:9700", nil)
	if err != nil {
		t.Fatalf("ConnectAsync failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return cm.CallCounts()["resolve_addr"] == 1
	}, "resolve_addr request not issued")

	cm.Inject(Event{Type: EventAddrResolved, ID: conn.cmID})
	cm.Inject(Event{Type: EventRouteResolved, ID: conn.cmID})
	cm.Inject(Event{Type: EventEstablished, ID: conn.cmID})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()

	if err := conn.Wait(waitCtx); err != nil {
		t.Fatalf("connection never established: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown = %v, expected context.DeadlineExceeded", err)
	}

	if conn.State() != StateDestroyed {
		t.Errorf("connection state = %s after shutdown, expected destroyed", conn.State())
	}

	checkNoLeaks(t, verbs, cm)
}

func TestManagerRandomizedEventSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	transportErrs := []EventType{EventRejected, EventUnreachable, EventError}

	for round := 0; round < 10; round++ {
		cfg := testManagerConfig()
		cfg.DrainTimeout = 100 * time.Millisecond

		m, verbs, cm := newTestManager(t, cfg, false, Notifier{})

		const conns = 4

		records := make([]*Conn, 0, conns)

		for i := 0; i < conns; i++ {
			conn, err := m.ConnectAsync(fmt.Sprintf("10.%d.0.%d:9700", round, i+1), nil)
			if err != nil {
				t.Fatalf("round %d: ConnectAsync failed: %v", round, err)
			}

			records = append(records, conn)
		}

		waitUntil(t, time.Second, func() bool {
			return cm.CallCounts()["resolve_addr"] == conns
		}, "resolution requests not issued")

		// Walk every record through a random legal path: advance, fail with a
		// transport error, or take one bounded resolution retry along the way.
		// Established records may see a re-delivered established event and a
		// disconnect.
		for _, c := range records {
			alive := true

			for _, next := range []EventType{EventAddrResolved, EventRouteResolved, EventEstablished} {
				r := rng.Float64()

				switch {
				case r < 0.15:
					cm.Inject(Event{Type: transportErrs[rng.Intn(len(transportErrs))], ID: c.cmID})
					alive = false
				case r < 0.30 && next == EventAddrResolved:
					cm.Inject(Event{Type: EventAddrError, ID: c.cmID})
					cm.Inject(Event{Type: next, ID: c.cmID})
				default:
					cm.Inject(Event{Type: next, ID: c.cmID})
				}

				if !alive {
					break
				}
			}

			if alive && rng.Float64() < 0.5 {
				cm.Inject(Event{Type: EventEstablished, ID: c.cmID})
			}

			if alive && rng.Float64() < 0.5 {
				cm.Inject(Event{Type: EventDisconnected, ID: c.cmID})
			}
		}

		syncLoop(t, m)

		if err := m.Shutdown(context.Background()); err != nil {
			t.Fatalf("round %d: Shutdown failed: %v", round, err)
		}

		checkNoLeaks(t, verbs, cm)
	}
}
