package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jsherman999/crmrealtime/internal/db"
	"github.com/jsherman999/crmrealtime/internal/store"
)

// openTestStore connects to CRMRT_TEST_DSN, applies the schema and returns a
// store. Tests are skipped when no database is configured.
func openTestStore(t *testing.T) (*store.Store, *db.DB) {
	t.Helper()
	dsn := os.Getenv("CRMRT_TEST_DSN")
	if dsn == "" {
		t.Skip("CRMRT_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(d.Close)
	if _, err := db.ApplyMigrations(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(d), d
}

func insertTenant(t *testing.T, d *db.DB, key string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := d.Pool.Exec(context.Background(), `INSERT INTO tenants(id, key) VALUES ($1,$2)`, id, key); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	t.Cleanup(func() {
		_, _ = d.Pool.Exec(context.Background(), `DELETE FROM import_jobs WHERE tenant_id=$1`, id)
		_, _ = d.Pool.Exec(context.Background(), `DELETE FROM tenants WHERE id=$1`, id)
	})
	return id
}

func TestTenantLookups(t *testing.T) {
	s, d := openTestStore(t)
	ctx := context.Background()
	key := "acme-" + uuid.NewString()[:8]
	id := insertTenant(t, d, key)

	got, err := s.TenantKey(ctx, id)
	if err != nil || got != key {
		t.Fatalf("TenantKey = %q, %v", got, err)
	}
	if got, err := s.TenantKey(ctx, uuid.New()); err != nil || got != "" {
		t.Errorf("TenantKey(unknown) = %q, %v", got, err)
	}

	byKey, err := s.TenantIDByKey(ctx, " "+key+" ")
	if err != nil || byKey != id {
		t.Fatalf("TenantIDByKey = %s, %v", byKey, err)
	}
	if byKey, err := s.TenantIDByKey(ctx, "missing-"+key); err != nil || byKey != uuid.Nil {
		t.Errorf("TenantIDByKey(missing) = %s, %v", byKey, err)
	}
}

func TestListImportJobs_WindowAndPaging(t *testing.T) {
	s, d := openTestStore(t)
	ctx := context.Background()
	tenant := insertTenant(t, d, "jobs-"+uuid.NewString()[:8])
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	insert := func(updated, completed *time.Time, deleted bool) uuid.UUID {
		id := uuid.New()
		_, err := d.Pool.Exec(ctx, `
INSERT INTO import_jobs(id, tenant_id, entity_type, status, updated_at, completed_at, is_deleted)
VALUES ($1,$2,'contact','Running',$3,$4,$5)`, id, tenant, updated, completed, deleted)
		if err != nil {
			t.Fatalf("insert job: %v", err)
		}
		return id
	}
	running := insert(&old, nil, false)
	recent := insert(&now, &now, false)
	_ = insert(&old, &old, false) // completed long ago
	_ = insert(&now, nil, true)   // deleted

	want := map[uuid.UUID]bool{running: true, recent: true}
	seen := map[uuid.UUID]bool{}
	after := uuid.Nil
	for {
		page, err := s.ListImportJobs(ctx, now.Add(-12*time.Hour), after, 1)
		if err != nil {
			t.Fatalf("ListImportJobs: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, j := range page {
			if j.TenantID == tenant {
				seen[j.ID] = true
			}
		}
		after = page[len(page)-1].ID
	}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for id := range want {
		if !seen[id] {
			t.Errorf("job %s missing", id)
		}
	}
}
