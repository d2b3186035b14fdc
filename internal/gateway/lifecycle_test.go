package gateway_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jsherman999/crmrealtime/internal/events"
	"github.com/jsherman999/crmrealtime/internal/gateway"
	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/hub/hubtest"
	"github.com/jsherman999/crmrealtime/internal/metrics"
	"github.com/jsherman999/crmrealtime/internal/presence"
)

type stack struct {
	hub       *hub.Hub
	records   *presence.Records
	online    *presence.Online
	lifecycle *gateway.Lifecycle
	metrics   *metrics.Metrics
}

func newStack() *stack {
	h := hub.New()
	m := metrics.New(prometheus.NewRegistry())
	pub := events.NewPublisher(h, events.Options{Metrics: m})
	records := presence.NewRecords(h, pub, m, nil)
	online := presence.NewOnline(h, pub, m, nil)
	return &stack{
		hub:       h,
		records:   records,
		online:    online,
		lifecycle: gateway.NewLifecycle(h, records, online, m, nil),
		metrics:   m,
	}
}

func TestConnected_JoinsTenantAndUserGroups(t *testing.T) {
	s := newStack()
	tenant, user := uuid.New(), uuid.New()
	c := hubtest.NewUserConn("c", tenant, user, "Ann")

	s.lifecycle.Connected(context.Background(), c)

	groups := s.hub.Groups(c.ID())
	want := map[string]bool{hub.TenantGroup(tenant): true, hub.UserGroup(tenant, user): true}
	if len(groups) != 2 || !want[groups[0]] || !want[groups[1]] {
		t.Fatalf("groups = %v", groups)
	}
	if !s.online.IsOnline(tenant, user) {
		t.Error("user should be online")
	}
	if n := len(c.OfType(presence.EventUserSnapshot)); n != 1 {
		t.Errorf("online snapshots = %d, want 1", n)
	}
	if got := testutil.ToFloat64(s.metrics.Connections.WithLabelValues("true")); got != 1 {
		t.Errorf("authenticated connections gauge = %v", got)
	}
}

func TestConnected_TenantOnlyAndAnonymous(t *testing.T) {
	s := newStack()
	tenant := uuid.New()
	tenantOnly := hubtest.NewConn("t", hub.Identity{TenantID: tenant})
	anon := hubtest.NewConn("a", hub.Identity{})

	s.lifecycle.Connected(context.Background(), tenantOnly)
	s.lifecycle.Connected(context.Background(), anon)

	if g := s.hub.Groups(tenantOnly.ID()); len(g) != 1 || g[0] != hub.TenantGroup(tenant) {
		t.Errorf("tenant-only groups = %v", g)
	}
	if g := s.hub.Groups(anon.ID()); len(g) != 0 {
		t.Errorf("anonymous groups = %v", g)
	}
	if s.hub.ConnCount() != 2 {
		t.Errorf("ConnCount = %d, want 2", s.hub.ConnCount())
	}

	s.lifecycle.Disconnected(context.Background(), anon)
	s.lifecycle.Disconnected(context.Background(), tenantOnly)
	if s.hub.ConnCount() != 0 || s.hub.GroupCount() != 0 {
		t.Errorf("leftover conns=%d groups=%d", s.hub.ConnCount(), s.hub.GroupCount())
	}
}

func TestDisconnected_CleansEveryGroupOnce(t *testing.T) {
	s := newStack()
	ctx := context.Background()
	tenant := uuid.New()
	r1, r2 := uuid.New(), uuid.New()

	leaver := hubtest.NewUserConn("leaver", tenant, uuid.New(), "Lee")
	stayer := hubtest.NewUserConn("stayer", tenant, uuid.New(), "Sam")
	s.lifecycle.Connected(ctx, stayer)
	s.lifecycle.Connected(ctx, leaver)
	s.records.Join(ctx, stayer, "account", r1)
	s.records.Join(ctx, leaver, "account", r1)
	s.records.Join(ctx, leaver, "account", r2)
	stayer.Reset()

	s.lifecycle.Disconnected(ctx, leaver)

	if g := s.hub.Groups(leaver.ID()); len(g) != 0 {
		t.Errorf("leaver still in %v", g)
	}
	if s.hub.HasGroup(hub.RecordGroup(tenant, "account", r2)) {
		t.Error("empty record group not deleted")
	}
	if n := len(stayer.OfType(presence.EventRecordChanged)); n != 1 {
		t.Errorf("stayer got %d record changes, want 1 left", n)
	}
	if n := len(stayer.OfType(presence.EventUserOffline)); n != 1 {
		t.Errorf("stayer got %d offline events, want 1", n)
	}

	// A second disconnect for the same connection is a no-op.
	s.lifecycle.Disconnected(ctx, leaver)
	if n := len(stayer.Frames()); n != 2 {
		t.Errorf("repeat disconnect sent more frames (%d)", n)
	}
}
