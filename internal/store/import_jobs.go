package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ImportJob struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	RequestedByID *uuid.UUID `json:"requested_by_id"`
	EntityType    string     `json:"entity_type"`
	Status        string     `json:"status"`
	TotalRows     int        `json:"total_rows"`
	Imported      int        `json:"imported"`
	Skipped       int        `json:"skipped"`
	ErrorMessage  *string    `json:"error_message"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// ListImportJobs returns one page of jobs that are still running or were
// touched since the given time, ordered by id. Pass the last id of the
// previous page as after (uuid.Nil for the first page).
func (s *Store) ListImportJobs(ctx context.Context, since time.Time, after uuid.UUID, limit int) ([]ImportJob, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT id, tenant_id, requested_by_id, entity_type, status, total_rows, imported, skipped,
       error_message, created_at, updated_at, completed_at
FROM import_jobs
WHERE NOT is_deleted
  AND (completed_at IS NULL OR updated_at IS NULL OR updated_at >= $1)
  AND id > $2
ORDER BY id
LIMIT $3
`, since, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer rows.Close()
	var out []ImportJob
	for rows.Next() {
		var j ImportJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.RequestedByID, &j.EntityType, &j.Status, &j.TotalRows,
			&j.Imported, &j.Skipped, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
