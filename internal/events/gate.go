package events

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jsherman999/crmrealtime/internal/config"
)

const defaultTenantKey = "default"

// TenantKeys resolves a tenant id to its human key ("acme", "default").
// An unknown tenant yields "" and no error.
type TenantKeys interface {
	TenantKey(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// flagByEventType maps gated event types to their feature flag.
var flagByEventType = map[string]string{
	"dashboard.metrics.delta":             "dashboard",
	"dashboard.metrics.refresh-requested": "dashboard",
	"pipeline.lead.moved":                 "pipeline",
	"pipeline.lead.created":               "pipeline",
	"pipeline.lead.updated":               "pipeline",
	"pipeline.lead.deleted":               "pipeline",
	"entity.crud.changed":                 "entityCrud",
	"import.job.progress":                 "importProgress",
	"record.presence.snapshot":            "recordPresence",
	"record.presence.changed":             "recordPresence",
	"assistant.chat.token":                "assistantStreaming",
	"assistant.chat.completed":            "assistantStreaming",
	"assistant.chat.failed":               "assistantStreaming",
}

// FlagFor returns the feature flag guarding an event type, or "".
func FlagFor(eventType string) string {
	return flagByEventType[strings.ToLower(eventType)]
}

// FlagGate enables flagged event types per tenant key. Event types without
// a flag always pass.
type FlagGate struct {
	cfg    config.RealtimeFeatures
	keys   TenantKeys
	cache  *xsync.MapOf[uuid.UUID, string]
	logger *slog.Logger
}

func NewFlagGate(cfg config.RealtimeFeatures, keys TenantKeys, logger *slog.Logger) *FlagGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagGate{cfg: cfg, keys: keys, cache: xsync.NewMapOf[uuid.UUID, string](), logger: logger}
}

func (g *FlagGate) Enabled(ctx context.Context, tenantID uuid.UUID, eventType string) bool {
	flag := FlagFor(eventType)
	if flag == "" {
		return true
	}
	if g.cfg.EnabledByDefault {
		return true
	}

	key := g.tenantKey(ctx, tenantID)
	if key == "" {
		return false
	}
	if !admits(g.cfg.EnabledTenants, key) {
		return false
	}

	f, ok := g.cfg.Flags[strings.ToLower(flag)]
	if ok && f.EnabledByDefault {
		return true
	}
	return admits(f.EnabledTenants, key)
}

func (g *FlagGate) tenantKey(ctx context.Context, tenantID uuid.UUID) string {
	if tenantID == uuid.Nil || g.keys == nil {
		return ""
	}
	if key, ok := g.cache.Load(tenantID); ok {
		return key
	}
	key, err := g.keys.TenantKey(ctx, tenantID)
	if err != nil {
		g.logger.Warn("realtime: tenant key lookup failed", "tenant_id", tenantID, "err", err)
		return ""
	}
	key = strings.TrimSpace(key)
	if key != "" {
		g.cache.Store(tenantID, key)
	}
	return key
}

// An empty allow-list admits only the default tenant.
func admits(allowed []string, key string) bool {
	if len(allowed) == 0 {
		return strings.EqualFold(key, defaultTenantKey)
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), key) {
			return true
		}
	}
	return false
}
