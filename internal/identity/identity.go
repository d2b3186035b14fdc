package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jsherman999/crmrealtime/internal/hub"
)

var (
	ErrAuthDisabled = errors.New("auth disabled: no jwt secret configured")
	ErrInvalidToken = errors.New("invalid token")
)

// TenantLookup resolves a tenant key sent by the client to a tenant id.
type TenantLookup interface {
	TenantIDByKey(ctx context.Context, key string) (uuid.UUID, error)
}

type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Options struct {
	Secret       string
	Expiry       time.Duration
	TenantHeader string
	Tenants      TenantLookup
	Logger       *slog.Logger
}

// Resolver turns an HTTP request into the identity of a realtime connection.
type Resolver struct {
	secret  []byte
	expiry  time.Duration
	header  string
	tenants TenantLookup
	logger  *slog.Logger
}

func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = "X-Tenant-Key"
	}
	return &Resolver{
		secret:  []byte(opts.Secret),
		expiry:  opts.Expiry,
		header:  opts.TenantHeader,
		tenants: opts.Tenants,
		logger:  opts.Logger,
	}
}

// Generate issues a signed token for a tenant user.
func (r *Resolver) Generate(tenantID, userID uuid.UUID, name string) (string, error) {
	if r == nil || len(r.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if userID == uuid.Nil {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := Claims{
		Name: strings.TrimSpace(name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if tenantID != uuid.Nil {
		claims.TenantID = tenantID.String()
	}
	if r.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(r.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Validate parses a token and returns its claims.
func (r *Resolver) Validate(token string) (*Claims, error) {
	if r == nil || len(r.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Resolve never fails: a request without a valid token gets the zero
// Identity, which joins no groups.
func (r *Resolver) Resolve(req *http.Request) hub.Identity {
	token := BearerToken(req)
	if token == "" {
		return hub.Identity{}
	}
	claims, err := r.Validate(token)
	if err != nil {
		r.logger.Debug("identity: token rejected", "err", err)
		return hub.Identity{}
	}

	var id hub.Identity
	if u, err := uuid.Parse(claims.Subject); err == nil {
		id.UserID = u
		id.DisplayName = strings.TrimSpace(claims.Name)
	}
	if t, err := uuid.Parse(claims.TenantID); err == nil {
		id.TenantID = t
	} else {
		// The header is client-supplied. Issuers that must pin the tenant
		// put tenant_id in the token.
		id.TenantID = r.tenantFromHeader(req)
	}
	if id.TenantID == uuid.Nil {
		// user-scoped groups are keyed by tenant
		id.UserID = uuid.Nil
		id.DisplayName = ""
	}
	return id
}

func (r *Resolver) tenantFromHeader(req *http.Request) uuid.UUID {
	key := strings.TrimSpace(req.Header.Get(r.header))
	if key == "" || r.tenants == nil {
		return uuid.Nil
	}
	id, err := r.tenants.TenantIDByKey(req.Context(), key)
	if err != nil {
		r.logger.Warn("identity: tenant lookup failed", "tenant_key", key, "err", err)
		return uuid.Nil
	}
	return id
}

// BearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers use for websocket upgrades.
func BearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(req.URL.Query().Get("access_token"))
}
