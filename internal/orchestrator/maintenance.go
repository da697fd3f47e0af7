package orchestrator

import (
	"context"
	"time"

	"stack-back/internal/logger"
	"stack-back/internal/restic"
	"stack-back/internal/topology"
	"stack-back/internal/writer"

	"go.uber.org/zap"
)

// Maintain applies the retention policy, prunes unreferenced data and
// checks the repository. It honours the same process marker as Run.
func (o *Orchestrator) Maintain(ctx context.Context, rc *topology.Context) *writer.RunReport {
	report := writer.NewRunReport("maintenance", rc.ProjectName())

	if rc.BackupProcessRunning {
		logger.Log.Warn("Another backup or maintenance process is running, skipping maintenance",
			zap.Strings("markerHolders", rc.MarkerHolders))
		report.Finish(writer.StatusAlreadyRunning, ExitAlreadyRunning)
		return report
	}

	if o.forgetAndPrune(ctx, report) {
		started := time.Now()
		err := o.archiver.Check(ctx, o.cfg.Restic.CheckWithCache)
		report.Record("check", "", "", started, err)
	}
	return finish(report)
}

// forgetAndPrune reports whether both steps succeeded. Prune is skipped
// when forget fails.
func (o *Orchestrator) forgetAndPrune(ctx context.Context, report *writer.RunReport) bool {
	keep := restic.RetentionFrom(o.cfg.Restic)
	started := time.Now()
	err := o.archiver.Forget(ctx, keep)
	report.Record("forget", "", "", started, err)
	if err != nil {
		logger.Log.Error("restic forget failed", zap.Error(err))
		return false
	}

	started = time.Now()
	err = o.archiver.Prune(ctx)
	report.Record("prune", "", "", started, err)
	if err != nil {
		logger.Log.Error("restic prune failed", zap.Error(err))
		return false
	}
	logger.Log.Info("Applied retention policy",
		zap.Int("keepDaily", keep.Daily),
		zap.Int("keepWeekly", keep.Weekly),
		zap.Int("keepMonthly", keep.Monthly),
		zap.Int("keepYearly", keep.Yearly),
	)
	return true
}
