package gc

import (
	"context"
	"fmt"
	"time"

	"stack-back/internal/logger"
	"stack-back/internal/writer"

	"go.uber.org/zap"
)

// Result counts what a run removed, or would remove in dry run mode.
type Result struct {
	Considered int
	Deleted    int
	BytesFreed int64
}

// Runner deletes stored run reports older than the retention period.
type Runner struct {
	store     writer.ReportWriter
	prefix    string
	retention time.Duration
	dryRun    bool
	now       func() time.Time
}

func NewRunner(store writer.ReportWriter, prefix string, retention time.Duration, dryRun bool) *Runner {
	if retention <= 0 {
		logger.Log.Warn("GC: retention period is not positive, stored reports are kept forever",
			zap.Duration("retention", retention))
	}
	return &Runner{
		store:     store,
		prefix:    prefix,
		retention: retention,
		dryRun:    dryRun,
		now:       time.Now,
	}
}

func (r *Runner) RunGC(ctx context.Context) (Result, error) {
	var res Result
	if r.retention <= 0 {
		return res, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	objects, err := r.store.ListObjects(listCtx, r.prefix)
	if err != nil {
		return res, fmt.Errorf("GC failed to list objects for prefix %q: %w", r.prefix, err)
	}
	res.Considered = len(objects)

	cutoff := r.now().UTC().Add(-r.retention)
	var failed []string

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if r.dryRun {
			logger.Log.Info("[DryRun] GC: would delete report", zap.String("key", obj.Key), zap.Time("lastModified", obj.LastModified))
			res.Deleted++
			res.BytesFreed += obj.Size
			continue
		}
		deleteCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := r.store.DeleteObject(deleteCtx, obj.Key)
		cancel()
		if err != nil {
			logger.Log.Error("GC: failed to delete report", zap.String("key", obj.Key), zap.Error(err))
			failed = append(failed, obj.Key)
			continue
		}
		res.Deleted++
		res.BytesFreed += obj.Size
	}

	logger.Log.Info("GC run completed",
		zap.String("prefix", r.prefix),
		zap.String("writerType", r.store.Type()),
		zap.Int("objectsConsidered", res.Considered),
		zap.Int("objectsAffected", res.Deleted),
		zap.Int64("bytesFreed", res.BytesFreed),
		zap.Bool("dryRun", r.dryRun),
		zap.Int("failedDeletes", len(failed)),
	)

	if len(failed) > 0 {
		return res, fmt.Errorf("GC completed with %d failures: %v", len(failed), failed)
	}
	return res, nil
}
