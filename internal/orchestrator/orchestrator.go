package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/dumper"
	"stack-back/internal/logger"
	"stack-back/internal/model"
	"stack-back/internal/restic"
	"stack-back/internal/topology"
	"stack-back/internal/writer"

	"go.uber.org/zap"
)

// Exit codes of a run.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitAlreadyRunning = 3
)

// errArchiveStopped is what the dump sees when restic stops reading early.
var errArchiveStopped = errors.New("archive tool stopped reading")

// resumeTimeout bounds the restart of a stopped container. The restart runs
// on a context that ignores cancellation of the run.
const resumeTimeout = 2 * time.Minute

// Runtime stops and starts containers.
type Runtime interface {
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	StartContainer(ctx context.Context, id string) error
}

// Archiver is the archive tool.
type Archiver interface {
	EnsureInitialized(ctx context.Context) error
	BackupFiles(ctx context.Context, source string) error
	BackupFromStdin(ctx context.Context, filename string, r io.Reader) error
	Forget(ctx context.Context, keep restic.Retention) error
	Prune(ctx context.Context) error
	Check(ctx context.Context, withCache bool) error
}

// Orchestrator carries out a resolved plan.
type Orchestrator struct {
	cfg      config.Config
	runtime  Runtime
	archiver Archiver

	dumperFor func(*model.BackupUnit) (dumper.Dumper, error)
	dump      func(context.Context, dumper.Dumper, io.Writer) error
}

func New(cfg config.Config, runtime Runtime, archiver Archiver) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		runtime:   runtime,
		archiver:  archiver,
		dumperFor: dumper.GetDumper,
		dump:      dumper.Dump,
	}
}

// Run backs up the eligible units of rc. The returned report carries the
// final status and exit code.
func (o *Orchestrator) Run(ctx context.Context, rc *topology.Context) *writer.RunReport {
	report := writer.NewRunReport("backup", rc.ProjectName())
	log := logger.Log.With(zap.String("runID", report.RunID))

	if rc.BackupProcessRunning {
		log.Warn("Another backup or maintenance process is running, not starting a backup",
			zap.Strings("markerHolders", rc.MarkerHolders))
		report.Finish(writer.StatusAlreadyRunning, ExitAlreadyRunning)
		return report
	}

	if len(rc.Eligible) == 0 {
		log.Info("No containers selected for backup")
		report.Finish(writer.StatusSuccess, ExitOK)
		return report
	}

	started := time.Now()
	err := o.archiver.EnsureInitialized(ctx)
	report.Record("init", "", "", started, err)
	if err != nil {
		log.Error("Repository is not usable, aborting run", zap.Error(err))
		return finish(report)
	}

	o.archiveVolumes(ctx, rc, report)

	for _, u := range rc.DatabaseUnits() {
		started := time.Now()
		target, err := o.dumpDatabase(ctx, rc, u)
		report.Record("dump", u.ServiceName(), target, started, err)
		if err != nil {
			logger.LogFailure(logger.NewFailure(logger.KindExecution, "Database backup failed", err).
				WithService(u.ServiceName()).
				WithOperation("dump").
				WithContext("engine", string(u.Engine)).
				WithContext("runID", report.RunID))
			continue
		}
		log.Info("Database backed up", zap.String("service", u.ServiceName()), zap.String("path", target))
	}

	// without a maintenance schedule retention is applied after every
	// successful backup
	if !report.Failed() && config.StripQuotes(o.cfg.Schedule.MaintenanceSchedule) == "" {
		o.forgetAndPrune(ctx, report)
	}

	return finish(report)
}

func finish(report *writer.RunReport) *writer.RunReport {
	if report.Failed() {
		report.Finish(writer.StatusFailed, ExitFailure)
	} else {
		report.Finish(writer.StatusSuccess, ExitOK)
	}
	return report
}

// archiveVolumes stops the containers that asked for it, archives every
// mapped path in one restic call and restarts what was stopped.
func (o *Orchestrator) archiveVolumes(ctx context.Context, rc *topology.Context, report *writer.RunReport) {
	if len(rc.Mappings) == 0 {
		return
	}

	var stopped []*model.BackupUnit
	defer func() {
		o.resumeAll(ctx, stopped, report)
	}()

	for _, u := range rc.VolumeUnits() {
		if !u.StopDuringBackup || len(rc.MappingsFor(u)) == 0 {
			continue
		}
		started := time.Now()
		err := o.runtime.StopContainer(ctx, u.ID(), o.cfg.Runtime.StopTimeout())
		report.Record("stop", u.ServiceName(), u.Descriptor.ShortID(), started, err)
		if err != nil {
			logger.Log.Error("Failed to stop container, archiving it live",
				zap.String("service", u.ServiceName()), zap.Error(err))
			continue
		}
		logger.Log.Info("Stopped container for backup", zap.String("service", u.ServiceName()))
		stopped = append(stopped, u)
	}

	started := time.Now()
	err := o.archiver.BackupFiles(ctx, rc.VolumesRoot)
	report.Record("archive-volumes", "", rc.VolumesRoot, started, err)
	if err != nil {
		logger.LogFailure(logger.NewFailure(logger.KindProtocol, "Volume backup failed", err).
			WithOperation("archive-volumes").
			WithContext("source", rc.VolumesRoot))
		return
	}
	logger.Log.Info("Volumes backed up", zap.Int("mappings", len(rc.Mappings)))
}

// resumeAll restarts containers in reverse stop order. It ignores
// cancellation of ctx so that a cancelled run still leaves the stack up.
func (o *Orchestrator) resumeAll(ctx context.Context, stopped []*model.BackupUnit, report *writer.RunReport) {
	for i := len(stopped) - 1; i >= 0; i-- {
		u := stopped[i]
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
		started := time.Now()
		err := o.runtime.StartContainer(rctx, u.ID())
		cancel()
		report.Record("resume", u.ServiceName(), u.Descriptor.ShortID(), started, err)
		if err != nil {
			logger.LogFailure(logger.NewFailure(logger.KindExecution, "Failed to restart container after backup", err).
				WithService(u.ServiceName()).
				WithOperation("resume"))
			continue
		}
		logger.Log.Info("Restarted container", zap.String("service", u.ServiceName()))
	}
}

// dumpDatabase streams the unit's dump into restic's stdin backup. It
// returns the archive path the dump is stored under.
func (o *Orchestrator) dumpDatabase(ctx context.Context, rc *topology.Context, u *model.BackupUnit) (string, error) {
	d, err := o.dumperFor(u)
	if err != nil {
		return "", err
	}
	target, err := dumper.DumpPath(u, d, rc.IncludeProjectName)
	if err != nil {
		return "", err
	}
	if _, err := d.Credentials(); err != nil {
		return target, err
	}

	// a failed dump kills restic so no truncated snapshot is written, a
	// failed restic kills the dump
	archiveCtx, cancelArchive := context.WithCancel(ctx)
	defer cancelArchive()
	dumpCtx, cancelDump := context.WithCancel(ctx)
	defer cancelDump()

	pr, pw := io.Pipe()
	dumpErr := make(chan error, 1)
	go func() {
		err := o.dump(dumpCtx, d, pw)
		if err != nil {
			cancelArchive()
		}
		pw.CloseWithError(err)
		dumpErr <- err
	}()

	archiveErr := o.archiver.BackupFromStdin(archiveCtx, target, pr)
	// the archive context is only cancelled here by a failed dump or by
	// the caller
	dumpFailedFirst := archiveCtx.Err() != nil
	if archiveErr != nil && !dumpFailedFirst {
		cancelDump()
	}
	// unblock the dump if restic stopped reading early
	pr.CloseWithError(errArchiveStopped)
	derr := <-dumpErr

	switch {
	case archiveErr != nil && !dumpFailedFirst:
		return target, fmt.Errorf("archiving dump of %s failed: %w", u.ServiceName(), archiveErr)
	case derr != nil:
		return target, fmt.Errorf("dump of %s failed: %w", u.ServiceName(), derr)
	case archiveErr != nil:
		return target, fmt.Errorf("archiving dump of %s failed: %w", u.ServiceName(), archiveErr)
	}
	return target, nil
}
