package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jsherman999/crmrealtime/internal/events"
	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/presence"
)

const (
	MethodJoinRecordPresence  = "joinRecordPresence"
	MethodLeaveRecordPresence = "leaveRecordPresence"
	MethodPing                = "ping"

	EventPong = "pong"
)

// Resolver produces the identity for an incoming upgrade request.
type Resolver interface {
	Resolve(r *http.Request) hub.Identity
}

type Options struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	Logger          *slog.Logger
}

type inbound struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type recordParams struct {
	EntityType string    `json:"entityType"`
	RecordID   uuid.UUID `json:"recordId"`
}

type pong struct {
	ID string `json:"id,omitempty"`
}

// Handler is the realtime websocket endpoint.
type Handler struct {
	lifecycle *Lifecycle
	records   *presence.Records
	resolver  Resolver
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewHandler(lc *Lifecycle, records *presence.Records, resolver Resolver, opts Options) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 45 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{lifecycle: lc, records: records, resolver: resolver, opts: opts, logger: opts.Logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := h.resolver.Resolve(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("gateway: upgrade failed", "err", err)
		return
	}

	c := newWSConn(uuid.NewString(), identity, ws, h.opts.SendBuffer)
	ctx := context.WithoutCancel(r.Context())
	go c.writeLoop(h.opts.WriteWait, h.opts.PingInterval)

	h.lifecycle.Connected(ctx, c)
	h.readLoop(ctx, c)
	c.close()
	h.lifecycle.Disconnected(ctx, c)
	<-c.done
}

func (h *Handler) readLoop(ctx context.Context, c *wsConn) {
	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("gateway: read failed", "conn_id", c.ID(), "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(ctx, c, data)
	}
}

// dispatch handles one client invocation. Malformed and unknown frames are
// dropped; the client never gets an error back.
func (h *Handler) dispatch(ctx context.Context, c *wsConn, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.logger.Debug("gateway: malformed frame", "conn_id", c.ID(), "err", err)
		return
	}
	switch in.Method {
	case MethodJoinRecordPresence, MethodLeaveRecordPresence:
		var p recordParams
		if err := json.Unmarshal(in.Params, &p); err != nil {
			h.logger.Debug("gateway: malformed params", "conn_id", c.ID(), "method", in.Method, "err", err)
			return
		}
		if in.Method == MethodJoinRecordPresence {
			h.records.Join(ctx, c, p.EntityType, p.RecordID)
		} else {
			h.records.Leave(ctx, c, p.EntityType, p.RecordID)
		}
	case MethodPing:
		env := events.NewEnvelope(c.Identity().TenantID, EventPong, pong{ID: in.ID}, time.Now())
		frame, err := env.Encode()
		if err != nil {
			return
		}
		if err := c.Send(ctx, frame); err != nil {
			h.logger.Debug("gateway: pong dropped", "conn_id", c.ID(), "err", err)
		}
	default:
		h.logger.Debug("gateway: unknown method", "conn_id", c.ID(), "method", in.Method)
	}
}
