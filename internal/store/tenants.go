package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TenantKey returns the tenant's key, or "" when the tenant does not exist.
func (s *Store) TenantKey(ctx context.Context, tenantID uuid.UUID) (string, error) {
	var key string
	err := s.db.Pool.QueryRow(ctx, `SELECT key FROM tenants WHERE id=$1`, tenantID).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tenant key: %w", err)
	}
	return key, nil
}

// TenantIDByKey resolves a tenant key (case-insensitive), returning uuid.Nil
// when no tenant matches.
func (s *Store) TenantIDByKey(ctx context.Context, key string) (uuid.UUID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.Nil, nil
	}
	var id uuid.UUID
	err := s.db.Pool.QueryRow(ctx, `SELECT id FROM tenants WHERE lower(key)=lower($1)`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("tenant by key: %w", err)
	}
	return id, nil
}
