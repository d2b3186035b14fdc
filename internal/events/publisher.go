package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/metrics"
)

var tracer = otel.Tracer("github.com/jsherman999/crmrealtime/internal/events")

// Gate decides whether an event type may be pushed to a tenant.
type Gate interface {
	Enabled(ctx context.Context, tenantID uuid.UUID, eventType string) bool
}

type allowAll struct{}

func (allowAll) Enabled(context.Context, uuid.UUID, string) bool { return true }

type Options struct {
	// SendTimeout bounds one asynchronous fan-out. Default 5s.
	SendTimeout time.Duration
	// MaxConcurrency bounds concurrent user-group fan-outs in PublishUsers. Default 8.
	MaxConcurrency int
	Gate           Gate
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Publisher is the single entry point for realtime pushes. Group publishes
// are fire-and-forget: the returned channel closes when the fan-out has been
// attempted and says nothing about delivery.
type Publisher struct {
	hub         *hub.Hub
	gate        Gate
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sendTimeout time.Duration
	maxConc     int
	now         func() time.Time
}

func NewPublisher(h *hub.Hub, opts Options) *Publisher {
	p := &Publisher{
		hub:         h,
		gate:        opts.Gate,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		sendTimeout: opts.SendTimeout,
		maxConc:     opts.MaxConcurrency,
		now:         time.Now,
	}
	if p.gate == nil {
		p.gate = allowAll{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.sendTimeout <= 0 {
		p.sendTimeout = 5 * time.Second
	}
	if p.maxConc <= 0 {
		p.maxConc = 8
	}
	return p
}

func (p *Publisher) PublishTenant(ctx context.Context, tenantID uuid.UUID, eventType string, payload any) <-chan struct{} {
	if tenantID == uuid.Nil {
		return closed()
	}
	return p.async(ctx, func(ctx context.Context) {
		p.publishGroup(ctx, hub.TenantGroup(tenantID), tenantID, eventType, payload)
	})
}

func (p *Publisher) PublishUser(ctx context.Context, tenantID, userID uuid.UUID, eventType string, payload any) <-chan struct{} {
	if tenantID == uuid.Nil || userID == uuid.Nil {
		return closed()
	}
	return p.async(ctx, func(ctx context.Context) {
		p.publishGroup(ctx, hub.UserGroup(tenantID, userID), tenantID, eventType, payload)
	})
}

// PublishUsers fans out to each distinct non-nil user's group concurrently.
func (p *Publisher) PublishUsers(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, eventType string, payload any) <-chan struct{} {
	if tenantID == uuid.Nil {
		return closed()
	}
	targets := distinctUsers(userIDs)
	if len(targets) == 0 {
		return closed()
	}
	return p.async(ctx, func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.maxConc)
		for _, userID := range targets {
			group := hub.UserGroup(tenantID, userID)
			g.Go(func() error {
				p.publishGroup(gctx, group, tenantID, eventType, payload)
				return nil
			})
		}
		_ = g.Wait()
	})
}

// Notify sends one envelope to the given connections synchronously. Sends
// only enqueue, so this never waits on the network.
func (p *Publisher) Notify(ctx context.Context, conns []hub.Conn, tenantID uuid.UUID, eventType string, payload any) {
	if len(conns) == 0 || tenantID == uuid.Nil {
		return
	}
	if !p.enabled(ctx, tenantID, eventType) {
		return
	}
	frame, ok := p.encode(tenantID, eventType, payload)
	if !ok {
		return
	}
	p.deliver(ctx, "direct", eventType, conns, frame)
}

func (p *Publisher) publishGroup(ctx context.Context, group string, tenantID uuid.UUID, eventType string, payload any) {
	ctx, span := tracer.Start(ctx, "realtime.publish", trace.WithAttributes(
		attribute.String("realtime.group", group),
		attribute.String("realtime.event_type", eventType),
	))
	defer span.End()

	members := p.hub.Members(group)
	span.SetAttributes(attribute.Int("realtime.members", len(members)))
	if len(members) == 0 {
		return
	}
	if !p.enabled(ctx, tenantID, eventType) {
		return
	}
	frame, ok := p.encode(tenantID, eventType, payload)
	if !ok {
		return
	}
	p.deliver(ctx, group, eventType, members, frame)
}

func (p *Publisher) enabled(ctx context.Context, tenantID uuid.UUID, eventType string) bool {
	if p.gate.Enabled(ctx, tenantID, eventType) {
		return true
	}
	p.metrics.Suppressed(eventType)
	return false
}

func (p *Publisher) encode(tenantID uuid.UUID, eventType string, payload any) ([]byte, bool) {
	frame, err := NewEnvelope(tenantID, eventType, payload, p.now()).Encode()
	if err != nil {
		p.logger.Error("realtime: encode envelope", "event_type", eventType, "tenant_id", tenantID, "err", err)
		return nil, false
	}
	p.metrics.Published(eventType)
	return frame, true
}

func (p *Publisher) deliver(ctx context.Context, group, eventType string, conns []hub.Conn, frame []byte) {
	for _, c := range conns {
		err := c.Send(ctx, frame)
		p.metrics.Delivered(err)
		if err != nil {
			p.logger.Warn("realtime: deliver failed",
				"event_type", eventType,
				"group", group,
				"conn_id", c.ID(),
				"err", err)
		}
	}
}

func (p *Publisher) async(ctx context.Context, fn func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	// The fan-out outlives the caller's request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sendTimeout)
	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("realtime: publish panic", "panic", r)
			}
		}()
		fn(ctx)
	}()
	return done
}

func distinctUsers(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func closed() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
