// Package registry maintains the authoritative in-memory table of
// registered, authenticated tunnel clients.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/tunnel/protocol"
)

// SystemInfo is the last snapshot of host metrics a client reported.
type SystemInfo struct {
	CPUUsage     float64
	MemoryUsage  float64
	DiskUsage    float64
	ComputerName string
}

// Record is the per-client registry entry. The registry lock guards every
// field except the writer, which has its own mutex so control-plane writes
// never hold the registry lock across socket I/O.
type Record struct {
	wmu  sync.Mutex // serializes writes on the control connection
	conn net.Conn   // control connection (writer half + admin close handle)

	seq           int64 // insertion order, assigned by Insert
	Authed        bool
	ConnectedAt   time.Time
	Models        []protocol.Model // nil until the first catalog arrives
	Sys           *SystemInfo      // nil until the first system_info arrives
	LastHeartbeat time.Time        // zero until the first heartbeat arrives
}

// NewRecord builds a record around an authenticated control connection.
func NewRecord(conn net.Conn, now time.Time) *Record {
	return &Record{conn: conn, Authed: true, ConnectedAt: now}
}

// Send writes one framed control message to the client. Writes are
// serialized by the record's own mutex, so concurrent routers cannot
// interleave frames on the wire.
func (r *Record) Send(m *protocol.Message) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return protocol.WriteMessage(r.conn, m)
}

// CloseConn tears down the control connection, unwinding the session
// reader. Used by the administrative disconnect.
func (r *Record) CloseConn() error {
	return r.conn.Close()
}

// View is a read-only copy of a record for observers and the admin API.
type View struct {
	ClientID      string
	Authed        bool
	ConnectedAt   time.Time
	Models        []protocol.Model
	Sys           *SystemInfo
	LastHeartbeat time.Time
}

// Registry maps client_id to its Record. Lock ordering is registry before
// record writer; no call path reverses it.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Record
	nextSeq int64
}

func New() *Registry {
	return &Registry{clients: make(map[string]*Record)}
}

// Insert adds a record under id. It fails when the id is already live; the
// caller must reply with a registration conflict and close.
func (g *Registry) Insert(id string, r *Record) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[id]; ok {
		return false
	}
	g.nextSeq++
	r.seq = g.nextSeq
	g.clients[id] = r
	return true
}

// Remove deletes the record for id. Idempotent: both the session reader and
// the router call it on their respective failure paths.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[id]; !ok {
		return false
	}
	delete(g.clients, id)
	return true
}

// Get returns the record for id. The record's own writer mutex makes the
// returned handle safe to Send on without the registry lock.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.clients[id]
	return r, ok
}

// WithClient runs fn on the record under the registry lock. fn must not
// block on I/O or take the record writer mutex.
func (g *Registry) WithClient(id string, fn func(*Record)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.clients[id]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// Len reports the current number of registered clients.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// SnapshotIDs returns the registered client ids, usable for random
// selection.
func (g *Registry) SnapshotIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	return ids
}

// FindByModel returns the client advertising modelID. When several match,
// the earliest-registered client wins, which keeps selection deterministic
// across lookups.
func (g *Registry) FindByModel(modelID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bestID := ""
	var bestSeq int64
	for id, r := range g.clients {
		if !advertises(r.Models, modelID) {
			continue
		}
		if bestID == "" || r.seq < bestSeq {
			bestID, bestSeq = id, r.seq
		}
	}
	return bestID, bestID != ""
}

func advertises(models []protocol.Model, modelID string) bool {
	for _, m := range models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

// UpdateHeartbeat refreshes the heartbeat timestamp and, when models is
// non-nil, replaces the advertised catalog. Prior system metrics are left
// intact.
func (g *Registry) UpdateHeartbeat(id string, models []protocol.Model, now time.Time) bool {
	return g.WithClient(id, func(r *Record) {
		r.LastHeartbeat = now
		if models != nil {
			r.Models = models
		}
	})
}

// UpdateSystemInfo replaces the host metrics snapshot and refreshes the
// heartbeat timestamp.
func (g *Registry) UpdateSystemInfo(id string, sys SystemInfo, now time.Time) bool {
	return g.WithClient(id, func(r *Record) {
		s := sys
		r.Sys = &s
		r.LastHeartbeat = now
	})
}

// Snapshot returns read-only copies of every record for the admin surface.
func (g *Registry) Snapshot() []View {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]View, 0, len(g.clients))
	for id, r := range g.clients {
		v := View{
			ClientID:      id,
			Authed:        r.Authed,
			ConnectedAt:   r.ConnectedAt,
			LastHeartbeat: r.LastHeartbeat,
		}
		if r.Models != nil {
			v.Models = append([]protocol.Model(nil), r.Models...)
		}
		if r.Sys != nil {
			s := *r.Sys
			v.Sys = &s
		}
		out = append(out, v)
	}
	return out
}

// View returns the read-only copy for a single client.
func (g *Registry) View(id string) (View, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.clients[id]
	if !ok {
		return View{}, false
	}
	v := View{
		ClientID:      id,
		Authed:        r.Authed,
		ConnectedAt:   r.ConnectedAt,
		LastHeartbeat: r.LastHeartbeat,
	}
	if r.Models != nil {
		v.Models = append([]protocol.Model(nil), r.Models...)
	}
	if r.Sys != nil {
		s := *r.Sys
		v.Sys = &s
	}
	return v, true
}
