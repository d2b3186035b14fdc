package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jsherman999/crmrealtime/internal/gateway"
	"github.com/jsherman999/crmrealtime/internal/hub"
	"github.com/jsherman999/crmrealtime/internal/identity"
	"github.com/jsherman999/crmrealtime/internal/presence"
)

// Publisher is the subset of events.Publisher the ingress route drives.
type Publisher interface {
	PublishTenant(ctx context.Context, tenantID uuid.UUID, eventType string, payload any) <-chan struct{}
	PublishUser(ctx context.Context, tenantID, userID uuid.UUID, eventType string, payload any) <-chan struct{}
	PublishUsers(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, eventType string, payload any) <-chan struct{}
}

type Deps struct {
	Gateway      http.Handler
	Resolver     gateway.Resolver
	Records      *presence.Records
	Online       *presence.Online
	Publisher    Publisher
	PublishToken string
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &API{d: d}
}

type publishRequest struct {
	Scope     string          `json:"scope"`
	TenantID  uuid.UUID       `json:"tenantId"`
	UserID    uuid.UUID       `json:"userId"`
	UserIDs   []uuid.UUID     `json:"userIds"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.HandlerFor(a.d.Gatherer, promhttp.HandlerOpts{}))

	// Realtime websocket endpoint.
	if a.d.Gateway != nil {
		r.Handle("/ws", a.d.Gateway)
	}

	// GET /presence/online
	r.Get("/presence/online", func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.caller(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, presence.OnlineSnapshot{Users: a.d.Online.Users(id.TenantID)})
	})

	// GET /presence/records/{entityType}/{recordId}
	r.Get("/presence/records/{entityType}/{recordId}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.caller(w, r)
		if !ok {
			return
		}
		entityType := hub.NormalizeEntityType(chi.URLParam(r, "entityType"))
		recordID, err := uuid.Parse(chi.URLParam(r, "recordId"))
		if err != nil || entityType == "" || recordID == uuid.Nil {
			http.Error(w, "bad record", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, presence.RecordSnapshot{
			EntityType: entityType,
			RecordID:   recordID,
			Users:      a.d.Records.Viewers(id.TenantID, entityType, recordID),
		})
	})

	// Ingress for CRM services: POST /internal/publish
	// {"scope":"tenant|user|users","tenantId":"...","userId":"...","userIds":[...],"eventType":"...","payload":{...}}
	if a.d.PublishToken != "" {
		r.Post("/internal/publish", a.publish)
	}

	return r
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	token := identity.BearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.d.PublishToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.TenantID == uuid.Nil || req.EventType == "" {
		http.Error(w, "tenantId and eventType required", http.StatusBadRequest)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	// Fan-out outlives the request; the caller only learns it was accepted.
	ctx := r.Context()
	switch req.Scope {
	case "tenant", "":
		a.d.Publisher.PublishTenant(ctx, req.TenantID, req.EventType, payload)
	case "user":
		if req.UserID == uuid.Nil {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		a.d.Publisher.PublishUser(ctx, req.TenantID, req.UserID, req.EventType, payload)
	case "users":
		a.d.Publisher.PublishUsers(ctx, req.TenantID, req.UserIDs, req.EventType, payload)
	default:
		http.Error(w, "unknown scope", http.StatusBadRequest)
		return
	}
	a.d.Logger.Debug("api: publish accepted", "scope", req.Scope, "tenant_id", req.TenantID, "event_type", req.EventType)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// caller resolves the request identity, answering 401 when it has no user.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (hub.Identity, bool) {
	id := a.d.Resolver.Resolve(r)
	if !id.HasUser() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return hub.Identity{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
