package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jsherman999/crmrealtime/internal/store"
)

type fakeSource struct {
	mu   sync.Mutex
	jobs []store.ImportJob
	err  error
	// calls records the after cursor of every page request.
	calls []uuid.UUID
}

func (f *fakeSource) set(jobs ...store.ImportJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append([]store.ImportJob(nil), jobs...)
	sort.Slice(f.jobs, func(i, j int) bool { return f.jobs[i].ID.String() < f.jobs[j].ID.String() })
}

func (f *fakeSource) ListImportJobs(_ context.Context, _ time.Time, after uuid.UUID, limit int) ([]store.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, after)
	if f.err != nil {
		return nil, f.err
	}
	var out []store.ImportJob
	for _, j := range f.jobs {
		if after != uuid.Nil && j.ID.String() <= after.String() {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type published struct {
	tenant, user uuid.UUID
	payload      ImportProgress
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) PublishTenant(_ context.Context, tenantID uuid.UUID, eventType string, payload any) <-chan struct{} {
	return f.record(tenantID, uuid.Nil, eventType, payload)
}

func (f *fakePublisher) PublishUser(_ context.Context, tenantID, userID uuid.UUID, eventType string, payload any) <-chan struct{} {
	return f.record(tenantID, userID, eventType, payload)
}

func (f *fakePublisher) record(tenant, user uuid.UUID, eventType string, payload any) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventType == EventImportProgress {
		f.events = append(f.events, published{tenant: tenant, user: user, payload: payload.(ImportProgress)})
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakePublisher) take() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}

func job(status string, total, imported, skipped int) store.ImportJob {
	return store.ImportJob{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		EntityType: "contact",
		Status:     status,
		TotalRows:  total,
		Imported:   imported,
		Skipped:    skipped,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTick_EmitsOnlyOnChange(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{})
	ctx := context.Background()

	j := job("Running", 100, 10, 0)
	src.set(j)
	if n, err := w.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("first tick = %d, %v; want 1 event", n, err)
	}
	if n, _ := w.Tick(ctx); n != 0 {
		t.Fatalf("identical signature emitted %d events", n)
	}

	j.Imported = 20
	src.set(j)
	if n, _ := w.Tick(ctx); n != 1 {
		t.Fatalf("progress change emitted %d events, want 1", n)
	}

	got := pub.take()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	p := got[1].payload
	if p.JobID != j.ID || p.Processed != 20 || p.Succeeded != 20 || p.Failed != 0 || p.Total != 100 || p.Status != "Running" {
		t.Errorf("payload = %+v", p)
	}
	if !p.StartedAtUTC.Equal(j.CreatedAt) || p.FinishedAtUTC != nil {
		t.Errorf("timestamps = %v / %v", p.StartedAtUTC, p.FinishedAtUTC)
	}
}

func TestTick_CompletionAndErrorAreChanges(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{})
	ctx := context.Background()

	j := job("Running", 10, 5, 5)
	src.set(j)
	w.Tick(ctx)

	done := time.Now()
	msg := "3 rows rejected"
	j.Status = "Failed"
	j.CompletedAt = &done
	j.ErrorMessage = &msg
	src.set(j)
	if n, _ := w.Tick(ctx); n != 1 {
		t.Fatalf("completion emitted %d events, want 1", n)
	}
	p := pub.take()[1].payload
	if p.FinishedAtUTC == nil || p.ErrorSummary == nil || *p.ErrorSummary != msg || p.Processed != 10 {
		t.Errorf("payload = %+v", p)
	}
}

func TestTick_RoutesToRequesterOrTenant(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{})

	owned := job("Queued", 1, 0, 0)
	requester := uuid.New()
	owned.RequestedByID = &requester
	orphan := job("Queued", 1, 0, 0)
	nilOwner := job("Queued", 1, 0, 0)
	empty := uuid.Nil
	nilOwner.RequestedByID = &empty
	src.set(owned, orphan, nilOwner)

	w.Tick(context.Background())
	byJob := map[uuid.UUID]published{}
	for _, e := range pub.take() {
		byJob[e.payload.JobID] = e
	}
	if e := byJob[owned.ID]; e.user != requester || e.tenant != owned.TenantID {
		t.Errorf("owned job routed to %+v", e)
	}
	for _, j := range []store.ImportJob{orphan, nilOwner} {
		if e := byJob[j.ID]; e.user != uuid.Nil || e.tenant != j.TenantID {
			t.Errorf("job without requester routed to %+v", e)
		}
	}
}

func TestTick_ScanErrorKeepsCache(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{})
	ctx := context.Background()

	src.set(job("Running", 10, 1, 0))
	w.Tick(ctx)

	src.err = errors.New("connection refused")
	if _, err := w.Tick(ctx); err == nil {
		t.Fatal("expected scan error")
	}
	if w.sigs.len() != 1 {
		t.Errorf("failed scan touched the cache: %d entries", w.sigs.len())
	}

	src.err = nil
	if n, _ := w.Tick(ctx); n != 0 {
		t.Errorf("recovered tick re-emitted %d events", n)
	}
}

func TestTick_PagesAndPrunes(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{PageSize: 2, MaxPages: 5})
	ctx := context.Background()

	jobs := []store.ImportJob{job("Running", 1, 0, 0), job("Running", 1, 0, 0), job("Running", 1, 0, 0)}
	src.set(jobs...)
	if n, _ := w.Tick(ctx); n != 3 {
		t.Fatalf("emitted %d, want 3 across pages", n)
	}
	if len(src.calls) != 2 || src.calls[0] != uuid.Nil {
		t.Errorf("page cursors = %v", src.calls)
	}

	src.set(jobs[0])
	w.Tick(ctx)
	if w.sigs.len() != 1 {
		t.Errorf("cache holds %d signatures after prune, want 1", w.sigs.len())
	}
}

func TestTick_TruncatedScanDoesNotPrune(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	w := New(src, pub, Options{PageSize: 1, MaxPages: 1})
	ctx := context.Background()

	a, b := job("Running", 1, 0, 0), job("Running", 1, 0, 0)
	src.set(a, b)
	w.Tick(ctx) // sees only the first page
	src.set(b)
	w.Tick(ctx)
	if w.sigs.len() != 2 {
		t.Errorf("truncated scan pruned the cache: %d entries", w.sigs.len())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src, pub := &fakeSource{}, &fakePublisher{}
	src.set(job("Running", 1, 0, 0))
	w := New(src, pub, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.sigs.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(pub.take()) != 1 {
		t.Error("expected exactly one progress event")
	}
}

func TestJobSignature(t *testing.T) {
	a := job("Running", 10, 1, 0)
	b := a
	b.EntityType = "lead"
	if jobSignature(a) != jobSignature(b) {
		t.Error("entity type is not part of the signature")
	}
	b.Skipped = 1
	if jobSignature(a) == jobSignature(b) {
		t.Error("skipped count must change the signature")
	}
}
