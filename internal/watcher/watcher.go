package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jsherman999/crmrealtime/internal/metrics"
	"github.com/jsherman999/crmrealtime/internal/store"
)

const EventImportProgress = "import.job.progress"

var tracer = otel.Tracer("github.com/jsherman999/crmrealtime/internal/watcher")

// JobSource is the read-only, keyset-paged view of import jobs.
type JobSource interface {
	ListImportJobs(ctx context.Context, since time.Time, after uuid.UUID, limit int) ([]store.ImportJob, error)
}

type Publisher interface {
	PublishTenant(ctx context.Context, tenantID uuid.UUID, eventType string, payload any) <-chan struct{}
	PublishUser(ctx context.Context, tenantID, userID uuid.UUID, eventType string, payload any) <-chan struct{}
}

type ImportProgress struct {
	JobID         uuid.UUID  `json:"jobId"`
	EntityType    string     `json:"entityType"`
	Status        string     `json:"status"`
	Processed     int        `json:"processed"`
	Total         int        `json:"total"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	StartedAtUTC  time.Time  `json:"startedAtUtc"`
	FinishedAtUTC *time.Time `json:"finishedAtUtc"`
	ErrorSummary  *string    `json:"errorSummary"`
}

type Options struct {
	Interval    time.Duration
	Window      time.Duration
	PageSize    int
	MaxPages    int
	ScanTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

// Watcher polls import jobs and pushes a progress event whenever a job's
// visible state changes. It is independent of any client connection.
type Watcher struct {
	src     JobSource
	pub     Publisher
	opts    Options
	sigs    *signatures
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(src JobSource, pub Publisher, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 12 * time.Hour
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{src: src, pub: pub, opts: opts, sigs: newSignatures(), metrics: opts.Metrics, logger: opts.Logger}
}

// Run ticks until ctx is cancelled. A tick in progress is allowed to finish.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("watcher: started", "interval", w.opts.Interval, "window", w.opts.Window)
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher: stopped")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ScanTimeout)
			emitted, err := w.Tick(tickCtx)
			cancel()
			if err != nil {
				w.logger.Warn("watcher: scan failed", "err", err)
			} else if emitted > 0 {
				w.logger.Debug("watcher: progress emitted", "events", emitted)
			}
		}
	}
}

// Tick scans the recent window once and returns the number of events emitted.
// Events for jobs read before a failing page are still emitted.
func (w *Watcher) Tick(ctx context.Context) (emitted int, err error) {
	ctx, span := tracer.Start(ctx, "watcher.tick")
	defer func() {
		span.SetAttributes(attribute.Int("watcher.emitted", emitted))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		w.metrics.Scan(err, emitted)
	}()

	since := w.opts.Now().Add(-w.opts.Window)
	seen := make(map[uuid.UUID]struct{})
	after := uuid.Nil
	complete := false
	for page := 0; page < w.opts.MaxPages; page++ {
		jobs, err := w.src.ListImportJobs(ctx, since, after, w.opts.PageSize)
		if err != nil {
			return emitted, err
		}
		for _, j := range jobs {
			seen[j.ID] = struct{}{}
			if w.sigs.changed(j.ID, jobSignature(j)) {
				w.emit(ctx, j)
				emitted++
			}
		}
		if len(jobs) < w.opts.PageSize {
			complete = true
			break
		}
		after = jobs[len(jobs)-1].ID
	}

	if complete {
		if n := w.sigs.retain(seen); n > 0 {
			w.logger.Debug("watcher: pruned signatures", "count", n)
		}
	} else {
		w.logger.Warn("watcher: scan truncated", "pages", w.opts.MaxPages, "page_size", w.opts.PageSize)
	}
	return emitted, nil
}

func (w *Watcher) emit(ctx context.Context, j store.ImportJob) {
	payload := ImportProgress{
		JobID:         j.ID,
		EntityType:    j.EntityType,
		Status:        j.Status,
		Processed:     j.Imported + j.Skipped,
		Total:         j.TotalRows,
		Succeeded:     j.Imported,
		Failed:        j.Skipped,
		StartedAtUTC:  j.CreatedAt.UTC(),
		FinishedAtUTC: utc(j.CompletedAt),
		ErrorSummary:  j.ErrorMessage,
	}
	if j.RequestedByID != nil && *j.RequestedByID != uuid.Nil {
		w.pub.PublishUser(ctx, j.TenantID, *j.RequestedByID, EventImportProgress, payload)
		return
	}
	w.pub.PublishTenant(ctx, j.TenantID, EventImportProgress, payload)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
