package rdma

import (
	"sync"
)

// connTable is the directory of connections, keyed by peer address. All
// mutations happen on the manager's event loop; lookups may come from any
// data-path thread. A reader-writer lock keeps the critical sections
// bounded: the table never runs callbacks or blocking work under the lock.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func newConnTable() *connTable {
	return &connTable{
		conns: make(map[string]*Conn),
	}
}

// insert adds a new record. A duplicate key means dispatch created two
// records for one peer, which the caller treats as an invariant violation.
func (t *connTable) insert(key string, c *Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[key]; ok {
		return ErrDuplicateKey
	}

	t.conns[key] = c

	return nil
}

// lookup returns the connection for key if it is established. Data-path
// threads use this to find a usable handle.
func (t *connTable) lookup(key string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[key]
	if !ok || !c.Established() {
		return nil, false
	}

	return c, true
}

// get returns the record for key in any state. Event-loop only.
func (t *connTable) get(key string) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.conns[key]

	return c, ok
}

// remove deletes and returns the record for final resource release. Removing
// an absent key is a no-op.
func (t *connTable) remove(key string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[key]
	if !ok {
		return nil, false
	}

	delete(t.conns, key)

	return c, true
}

// forEachEstablished calls fn for every established connection in a snapshot
// taken under the read lock, so concurrent mutation cannot invalidate the
// iteration and fn runs outside the lock.
func (t *connTable) forEachEstablished(fn func(*Conn)) {
	t.mu.RLock()

	snapshot := make([]*Conn, 0, len(t.conns))

	for _, c := range t.conns {
		if c.Established() {
			snapshot = append(snapshot, c)
		}
	}

	t.mu.RUnlock()

	for _, c := range snapshot {
		fn(c)
	}
}

// all returns a snapshot of every record regardless of state. Used for
// forced teardown during shutdown.
func (t *connTable) all() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}

	return snapshot
}

// size returns the number of records in any state.
func (t *connTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.conns)
}
