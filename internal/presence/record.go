package presence

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/metrics"
)

const (
	EventRecordSnapshot = "record.presence.snapshot"
	EventRecordChanged  = "record.presence.changed"

	ActionJoined = "joined"
	ActionLeft   = "left"
)

// Notifier delivers one envelope to a set of connections.
type Notifier interface {
	Notify(ctx context.Context, conns []hub.Conn, tenantID uuid.UUID, eventType string, payload any)
}

type User struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
}

type RecordSnapshot struct {
	EntityType string    `json:"entityType"`
	RecordID   uuid.UUID `json:"recordId"`
	Users      []User    `json:"users"`
}

type RecordChange struct {
	EntityType  string    `json:"entityType"`
	RecordID    uuid.UUID `json:"recordId"`
	Action      string    `json:"action"`
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
}

// Records tracks which users are viewing which business records.
//
// Membership lives in the hub's record groups; the viewer identity comes
// from the connection. "joined" is announced per connection. "left" is
// announced only when the departing connection was the user's last one in
// the group, so closing one of two tabs does not look like leaving.
type Records struct {
	hub     *hub.Hub
	notify  Notifier
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRecords(h *hub.Hub, n Notifier, m *metrics.Metrics, logger *slog.Logger) *Records {
	if logger == nil {
		logger = slog.Default()
	}
	return &Records{hub: h, notify: n, metrics: m, logger: logger}
}

// Join adds the connection to the record's viewers, sends it a snapshot of
// the other viewers and tells them about the new one. Calls without a
// resolved tenant and user, an entity type or a record id are dropped.
func (r *Records) Join(ctx context.Context, c hub.Conn, entityType string, recordID uuid.UUID) bool {
	id := c.Identity()
	key, ok := recordKey(id, entityType, recordID)
	if !ok {
		return false
	}
	others, added, err := r.hub.Join(key.Group(), c)
	if err != nil {
		r.logger.Debug("presence: join dropped", "conn_id", c.ID(), "group", key.Group(), "err", err)
		return false
	}

	r.notify.Notify(ctx, []hub.Conn{c}, key.TenantID, EventRecordSnapshot, RecordSnapshot{
		EntityType: key.EntityType,
		RecordID:   key.RecordID,
		Users:      Distinct(others),
	})
	if added && len(others) > 0 {
		r.notify.Notify(ctx, others, key.TenantID, EventRecordChanged, change(key, ActionJoined, id))
		r.metrics.Presence("record", ActionJoined)
	}
	return true
}

// Leave removes the connection from the record's viewers.
func (r *Records) Leave(ctx context.Context, c hub.Conn, entityType string, recordID uuid.UUID) bool {
	key, ok := recordKey(c.Identity(), entityType, recordID)
	if !ok {
		return false
	}
	remaining, removed := r.hub.Leave(key.Group(), c.ID())
	if !removed {
		return false
	}
	r.departed(ctx, key, c.Identity(), remaining)
	return true
}

// Evict runs the leave side effects for a group the hub already removed the
// connection from on disconnect. It reports whether d was a record group.
func (r *Records) Evict(ctx context.Context, c hub.Conn, d hub.Departure) bool {
	key, ok := hub.ParseRecordGroup(d.Group)
	if !ok {
		return false
	}
	r.departed(ctx, key, c.Identity(), d.Remaining)
	return true
}

// Viewers returns the distinct users currently viewing a record.
func (r *Records) Viewers(tenantID uuid.UUID, entityType string, recordID uuid.UUID) []User {
	if tenantID == uuid.Nil || recordID == uuid.Nil || hub.NormalizeEntityType(entityType) == "" {
		return []User{}
	}
	return Distinct(r.hub.Members(hub.RecordGroup(tenantID, entityType, recordID)))
}

func (r *Records) departed(ctx context.Context, key hub.RecordKey, id hub.Identity, remaining []hub.Conn) {
	if len(remaining) == 0 {
		return
	}
	for _, c := range remaining {
		if c.Identity().UserID == id.UserID {
			return
		}
	}
	r.notify.Notify(ctx, remaining, key.TenantID, EventRecordChanged, change(key, ActionLeft, id))
	r.metrics.Presence("record", ActionLeft)
}

func recordKey(id hub.Identity, entityType string, recordID uuid.UUID) (hub.RecordKey, bool) {
	entityType = hub.NormalizeEntityType(entityType)
	if !id.HasUser() || entityType == "" || recordID == uuid.Nil {
		return hub.RecordKey{}, false
	}
	return hub.RecordKey{TenantID: id.TenantID, EntityType: entityType, RecordID: recordID}, true
}

func change(key hub.RecordKey, action string, id hub.Identity) RecordChange {
	return RecordChange{
		EntityType:  key.EntityType,
		RecordID:    key.RecordID,
		Action:      action,
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
	}
}

// Distinct collapses connections to one entry per user, ordered by name.
func Distinct(conns []hub.Conn) []User {
	byUser := make(map[uuid.UUID]string, len(conns))
	for _, c := range conns {
		id := c.Identity()
		if id.UserID == uuid.Nil {
			continue
		}
		if name, seen := byUser[id.UserID]; !seen || name == "" {
			byUser[id.UserID] = id.DisplayName
		}
	}
	out := make([]User, 0, len(byUser))
	for userID, name := range byUser {
		out = append(out, User{UserID: userID, DisplayName: name})
	}
	sortUsers(out)
	return out
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].UserID.String() < users[j].UserID.String()
	})
}
