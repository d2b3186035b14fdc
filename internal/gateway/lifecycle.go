package gateway

import (
	"context"
	"log/slog"

	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/metrics"
	"github.com/jsherman999/crmrealtime/internal/presence"
)

// Lifecycle wires a connection into the hub when it opens and unwinds every
// group membership when it closes, whichever subsystem added it.
type Lifecycle struct {
	hub     *hub.Hub
	records *presence.Records
	online  *presence.Online
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewLifecycle(h *hub.Hub, records *presence.Records, online *presence.Online, m *metrics.Metrics, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{hub: h, records: records, online: online, metrics: m, logger: logger}
}

// Connected registers c and joins its tenant and user groups. A connection
// without a tenant is kept but joins nothing.
func (l *Lifecycle) Connected(ctx context.Context, c hub.Conn) {
	l.hub.Register(c)
	id := c.Identity()
	l.metrics.ConnOpened(id.HasTenant())
	if !id.HasTenant() {
		l.logger.Debug("gateway: unscoped connection", "conn_id", c.ID())
		return
	}
	l.join(hub.TenantGroup(id.TenantID), c)
	if id.HasUser() {
		l.join(hub.UserGroup(id.TenantID, id.UserID), c)
		l.online.Track(ctx, c)
	}
	l.logger.Debug("gateway: connected", "conn_id", c.ID(), "tenant_id", id.TenantID, "user_id", id.UserID)
}

// Disconnected removes c from every group it is in, runs the record presence
// side effects once per record group, then updates online presence.
func (l *Lifecycle) Disconnected(ctx context.Context, c hub.Conn) {
	departures := l.hub.Unregister(c.ID())
	for _, d := range departures {
		l.records.Evict(ctx, c, d)
	}
	id := c.Identity()
	if id.HasUser() {
		l.online.Untrack(ctx, c)
	}
	l.metrics.ConnClosed(id.HasTenant())
	l.logger.Debug("gateway: disconnected", "conn_id", c.ID(), "groups", len(departures))
}

func (l *Lifecycle) join(group string, c hub.Conn) {
	if _, _, err := l.hub.Join(group, c); err != nil {
		l.logger.Debug("gateway: join failed", "conn_id", c.ID(), "group", group, "err", err)
	}
}
