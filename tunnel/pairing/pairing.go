// Package pairing holds user-facing connections that are waiting for a
// client's dial-back on the proxy port.
package pairing

import (
	"net"
	"sync"
	"time"
)

// Table maps one-shot pair ids to the pending user stream. Values are moved,
// never copied: exactly one of Take (proxy match), Remove (router cleanup),
// or TTL eviction consumes an entry.
type Table struct {
	mu      sync.Mutex
	pending map[string]entry

	ttl      time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}

	onEvict func(id string) // test/observability hook, may be nil
}

type entry struct {
	conn       net.Conn
	insertedAt time.Time
	deadline   time.Time
}

// New builds a table. A positive ttl starts a background sweep that closes
// and drops pairs no proxy callback claimed in time; the reference design
// leaves such pairs to leak, so the sweep is our safety net and zero ttl
// restores the reference behavior.
func New(ttl time.Duration, sweepEvery time.Duration) *Table {
	t := &Table{
		pending: make(map[string]entry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	if ttl > 0 {
		if sweepEvery <= 0 {
			sweepEvery = ttl / 4
		}
		go t.sweepLoop(sweepEvery)
	}
	return t
}

// SetEvictHook installs a callback invoked after a TTL eviction. It must be
// set before the table is shared.
func (t *Table) SetEvictHook(fn func(id string)) { t.onEvict = fn }

// Insert parks conn under id. Insertion happens-before the pair request is
// written to the chosen client, so the callback always observes the entry.
func (t *Table) Insert(id string, conn net.Conn) {
	now := time.Now()
	t.mu.Lock()
	t.pending[id] = entry{conn: conn, insertedAt: now, deadline: now.Add(t.ttl)}
	t.mu.Unlock()
}

// Take removes and returns the pending conn for id, along with when it was
// parked.
func (t *Table) Take(id string) (net.Conn, time.Time, bool) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	return e.conn, e.insertedAt, ok
}

// Remove drops the entry without returning it; the caller owns the conn and
// is responsible for closing it. Idempotent.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len reports the number of pending pairs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SnapshotIDs lists the pending pair ids for the admin surface.
func (t *Table) SnapshotIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the background sweep. Pending conns are left to their owners.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Table) sweepLoop(every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-tick.C:
			t.sweep(now)
		}
	}
}

func (t *Table) sweep(now time.Time) {
	var expired []string
	var conns []net.Conn
	t.mu.Lock()
	for id, e := range t.pending {
		if now.After(e.deadline) {
			expired = append(expired, id)
			conns = append(conns, e.conn)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	for i, c := range conns {
		_ = c.Close()
		if t.onEvict != nil {
			t.onEvict(expired[i])
		}
	}
}
