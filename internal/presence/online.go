package presence

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/metrics"
)

const (
	EventUserSnapshot = "user.presence.snapshot"
	EventUserOnline   = "user.presence.online"
	EventUserOffline  = "user.presence.offline"
)

type OnlineSnapshot struct {
	Users []User `json:"users"`
}

type onlineKey struct {
	tenantID uuid.UUID
	userID   uuid.UUID
}

// entries are replaced, never mutated, so Range can read them safely.
type onlineEntry struct {
	name  string
	conns map[string]struct{}
}

// Online tracks which users have at least one live connection, per tenant.
// A user is announced online on their first connection in a tenant and
// offline after their last one there.
type Online struct {
	users   *xsync.MapOf[onlineKey, onlineEntry]
	hub     *hub.Hub
	notify  Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewOnline(h *hub.Hub, n Notifier, m *metrics.Metrics, logger *slog.Logger) *Online {
	if logger == nil {
		logger = slog.Default()
	}
	return &Online{
		users:   xsync.NewMapOf[onlineKey, onlineEntry](),
		hub:     h,
		notify:  n,
		metrics: m,
		logger:  logger,
	}
}

// Connect records connID for the user and reports whether it is the user's
// first concurrent connection.
func (o *Online) Connect(id hub.Identity, connID string) (first bool) {
	if !id.HasUser() || connID == "" {
		return false
	}
	o.users.Compute(onlineKey{id.TenantID, id.UserID}, func(old onlineEntry, loaded bool) (onlineEntry, bool) {
		next := onlineEntry{name: id.DisplayName, conns: make(map[string]struct{}, len(old.conns)+1)}
		if loaded {
			for c := range old.conns {
				next.conns[c] = struct{}{}
			}
			if next.name == "" {
				next.name = old.name
			}
		}
		first = len(next.conns) == 0
		next.conns[connID] = struct{}{}
		return next, false
	})
	return first
}

// Disconnect forgets connID and reports whether it was the user's last
// connection in the tenant.
func (o *Online) Disconnect(id hub.Identity, connID string) (last bool) {
	if !id.HasUser() {
		return false
	}
	o.users.Compute(onlineKey{id.TenantID, id.UserID}, func(old onlineEntry, loaded bool) (onlineEntry, bool) {
		if !loaded {
			return old, true
		}
		if _, ok := old.conns[connID]; !ok {
			return old, false
		}
		next := old
		next.conns = make(map[string]struct{}, len(old.conns))
		for c := range old.conns {
			if c != connID {
				next.conns[c] = struct{}{}
			}
		}
		last = len(next.conns) == 0
		return next, last
	})
	return last
}

func (o *Online) IsOnline(tenantID, userID uuid.UUID) bool {
	_, ok := o.users.Load(onlineKey{tenantID, userID})
	return ok
}

// Users lists the online users of one tenant.
func (o *Online) Users(tenantID uuid.UUID) []User {
	out := []User{}
	o.users.Range(func(k onlineKey, e onlineEntry) bool {
		if k.tenantID == tenantID {
			out = append(out, User{UserID: k.userID, DisplayName: e.name})
		}
		return true
	})
	sortUsers(out)
	return out
}

// Track registers a freshly connected client: it receives the tenant's online
// snapshot and, on the user's first connection, the rest of the tenant hears
// that the user came online.
func (o *Online) Track(ctx context.Context, c hub.Conn) {
	id := c.Identity()
	if !id.HasUser() {
		return
	}
	first := o.Connect(id, c.ID())
	o.notify.Notify(ctx, []hub.Conn{c}, id.TenantID, EventUserSnapshot, OnlineSnapshot{Users: o.Users(id.TenantID)})
	if !first {
		return
	}
	others := except(o.hub.Members(hub.TenantGroup(id.TenantID)), c.ID())
	o.notify.Notify(ctx, others, id.TenantID, EventUserOnline, User{UserID: id.UserID, DisplayName: id.DisplayName})
	o.metrics.Presence("online", "online")
}

// Untrack is the disconnect counterpart of Track.
func (o *Online) Untrack(ctx context.Context, c hub.Conn) {
	id := c.Identity()
	if !id.HasUser() {
		return
	}
	if !o.Disconnect(id, c.ID()) {
		return
	}
	others := except(o.hub.Members(hub.TenantGroup(id.TenantID)), c.ID())
	o.notify.Notify(ctx, others, id.TenantID, EventUserOffline, User{UserID: id.UserID, DisplayName: id.DisplayName})
	o.metrics.Presence("online", "offline")
}

func except(conns []hub.Conn, connID string) []hub.Conn {
	out := conns[:0:0]
	for _, c := range conns {
		if c.ID() != connID {
			out = append(out, c)
		}
	}
	return out
}
