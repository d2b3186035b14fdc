package hub

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrUnregistered = errors.New("hub: connection not registered")

// Identity is the tenant/user metadata attached to a connection at connect time.
// Zero ids mean "not resolved".
type Identity struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	DisplayName string
}

func (i Identity) HasTenant() bool { return i.TenantID != uuid.Nil }

func (i Identity) HasUser() bool { return i.TenantID != uuid.Nil && i.UserID != uuid.Nil }

// Conn is one live transport session.
type Conn interface {
	ID() string
	Identity() Identity
	// Send queues an encoded frame. It must not block on the network.
	Send(ctx context.Context, frame []byte) error
}

type group struct {
	mu      sync.RWMutex
	members map[string]Conn
}

func (g *group) snapshot(skip string) []Conn {
	out := make([]Conn, 0, len(g.members))
	for id, c := range g.members {
		if id != skip {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// connEntry tracks every group a connection joined. Its mutex orders joins
// against Unregister so a connection can never be left behind in a group.
type connEntry struct {
	mu     sync.Mutex
	closed bool
	groups map[string]struct{}
}

// Departure describes one group a connection was removed from, with the
// members left behind at the moment of removal.
type Departure struct {
	Group     string
	Remaining []Conn
}

// Hub is the in-process group registry for live connections.
// A group is created on first join and deleted when its last member leaves.
// Sends never happen under a registry lock: callers get member snapshots.
type Hub struct {
	groups *xsync.MapOf[string, *group]
	conns  *xsync.MapOf[string, *connEntry]
}

func New() *Hub {
	return &Hub{
		groups: xsync.NewMapOf[string, *group](),
		conns:  xsync.NewMapOf[string, *connEntry](),
	}
}

// Register makes a connection eligible for joins. Registering twice is a no-op.
func (h *Hub) Register(c Conn) {
	h.conns.LoadOrStore(c.ID(), &connEntry{groups: make(map[string]struct{})})
}

// Unregister removes the connection from every group it joined. It returns
// one Departure per group actually left; calling it again returns nil.
func (h *Hub) Unregister(connID string) []Departure {
	entry, ok := h.conns.LoadAndDelete(connID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	entry.closed = true
	names := make([]string, 0, len(entry.groups))
	for name := range entry.groups {
		names = append(names, name)
	}
	entry.groups = nil
	entry.mu.Unlock()

	sort.Strings(names)
	out := make([]Departure, 0, len(names))
	for _, name := range names {
		remaining, removed := h.removeMember(name, connID)
		if removed {
			out = append(out, Departure{Group: name, Remaining: remaining})
		}
	}
	return out
}

// Join adds c to the named group. It returns the other members as of the
// insert and whether c was newly added (false when already a member).
func (h *Hub) Join(name string, c Conn) (others []Conn, added bool, err error) {
	if name == "" {
		return nil, false, errors.New("hub: empty group name")
	}
	entry, ok := h.conns.Load(c.ID())
	if !ok {
		return nil, false, ErrUnregistered
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, false, ErrUnregistered
	}

	h.groups.Compute(name, func(g *group, loaded bool) (*group, bool) {
		if !loaded {
			g = &group{members: make(map[string]Conn)}
		}
		g.mu.Lock()
		_, exists := g.members[c.ID()]
		if !exists {
			g.members[c.ID()] = c
		}
		others = g.snapshot(c.ID())
		g.mu.Unlock()
		added = !exists
		return g, false
	})
	entry.groups[name] = struct{}{}
	return others, added, nil
}

// Leave removes the connection from one group. It returns the remaining
// members as of the removal and whether the connection was a member.
func (h *Hub) Leave(name, connID string) ([]Conn, bool) {
	entry, ok := h.conns.Load(connID)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, false
	}
	if _, member := entry.groups[name]; !member {
		return nil, false
	}
	delete(entry.groups, name)
	return h.removeMember(name, connID)
}

func (h *Hub) removeMember(name, connID string) (remaining []Conn, removed bool) {
	h.groups.Compute(name, func(g *group, loaded bool) (*group, bool) {
		if !loaded {
			return nil, true
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.members[connID]; ok {
			delete(g.members, connID)
			removed = true
		}
		remaining = g.snapshot("")
		return g, len(g.members) == 0
	})
	return remaining, removed
}

// Members returns a snapshot of the group's connections; nil for unknown groups.
func (h *Hub) Members(name string) []Conn {
	g, ok := h.groups.Load(name)
	if !ok {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot("")
}

func (h *Hub) Len(name string) int {
	g, ok := h.groups.Load(name)
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Groups lists the groups a connection currently belongs to.
func (h *Hub) Groups(connID string) []string {
	entry, ok := h.conns.Load(connID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]string, 0, len(entry.groups))
	for name := range entry.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) HasGroup(name string) bool {
	_, ok := h.groups.Load(name)
	return ok
}

func (h *Hub) GroupCount() int { return h.groups.Size() }

func (h *Hub) ConnCount() int { return h.conns.Size() }
