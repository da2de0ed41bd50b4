package reclaim

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Reclaimer empties scratch directories once a run's output is durable.
type Reclaimer struct {
	Logger       *zap.SugaredLogger
	Tracer       trace.Tracer
	removedTotal metric.Int64Counter
	failedTotal  metric.Int64Counter
}

// Result counts removed entries and the ones that could not be removed.
type Result struct {
	Removed int
	Failed  int
}

func NewReclaimer(tracer trace.Tracer, logger *zap.SugaredLogger, meter metric.Meter) (*Reclaimer, error) {
	r := &Reclaimer{Logger: logger, Tracer: tracer}
	var err error
	r.removedTotal, err = meter.Int64Counter(
		"reclaim.entries.removed",
		metric.WithDescription("Scratch entries deleted"),
	)
	if err != nil {
		return nil, err
	}
	r.failedTotal, err = meter.Int64Counter(
		"reclaim.entries.failed",
		metric.WithDescription("Scratch entries that could not be deleted"),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Reclaim removes everything beneath each directory but keeps the
// directories. A missing directory counts as already clean. Failures are
// logged and counted, never returned.
func (r *Reclaimer) Reclaim(ctx context.Context, dirs ...string) Result {
	ctx, span := r.Tracer.Start(ctx, "reclaim.session")
	defer span.End()

	var res Result
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			r.Logger.Debugw("Scratch directory absent, nothing to reclaim", "dir", dir)
			continue
		}
		if err != nil {
			res.Failed++
			r.failedTotal.Add(ctx, 1)
			r.Logger.Warnw("Cannot list scratch directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				res.Failed++
				r.failedTotal.Add(ctx, 1)
				r.Logger.Warnw("Failed to delete scratch entry", "path", path, "error", err)
				continue
			}
			res.Removed++
		}
		r.Logger.Infow("Scratch directory reclaimed", "dir", dir, "entries", len(entries))
	}
	r.removedTotal.Add(ctx, int64(res.Removed))
	span.SetAttributes(
		attribute.Int("removed", res.Removed),
		attribute.Int("failed", res.Failed),
	)
	return res
}
