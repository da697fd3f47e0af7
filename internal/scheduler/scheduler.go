package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// GenerateCrontab builds the crontab installed in the service container. An
// empty or invalid backup schedule falls back to the default, an invalid
// maintenance schedule drops the maintenance line.
func GenerateCrontab(cfg config.ScheduleConfig) string {
	backupCommand := strings.TrimSpace(cfg.CronCommand)
	if backupCommand == "" {
		backupCommand = config.DefaultBackupCommand
	}
	backupSchedule := config.StripQuotes(cfg.CronSchedule)
	if !ValidSchedule(backupSchedule) {
		if backupSchedule != "" {
			logger.Log.Warn("Invalid CRON_SCHEDULE, using default",
				zap.String("schedule", backupSchedule),
				zap.String("default", config.DefaultCronSchedule))
		}
		backupSchedule = config.DefaultCronSchedule
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", backupSchedule, backupCommand)

	maintenanceSchedule := config.StripQuotes(cfg.MaintenanceSchedule)
	switch {
	case maintenanceSchedule == "":
	case !ValidSchedule(maintenanceSchedule):
		logger.Log.Warn("Invalid MAINTENANCE_SCHEDULE, maintenance is not scheduled",
			zap.String("schedule", maintenanceSchedule))
	default:
		maintenanceCommand := strings.TrimSpace(cfg.MaintenanceCommand)
		if maintenanceCommand == "" {
			maintenanceCommand = config.DefaultMaintenanceCommand
		}
		fmt.Fprintf(&b, "%s %s\n", maintenanceSchedule, maintenanceCommand)
	}
	return b.String()
}

// ValidSchedule accepts five field cron expressions only. Descriptors such
// as @daily are rejected since not every crond understands them.
func ValidSchedule(schedule string) bool {
	if len(strings.Fields(schedule)) != 5 {
		return false
	}
	_, err := cron.ParseStandard(schedule)
	return err == nil
}

// Job is a scheduled operation returning its exit code.
type Job func(ctx context.Context) int

// JobStatus is the last known state of a scheduled job.
type JobStatus struct {
	Name         string    `json:"name"`
	Schedule     string    `json:"schedule"`
	Running      bool      `json:"running"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastExitCode int       `json:"last_exit_code"`
	Next         time.Time `json:"next"`
}

type scheduledJob struct {
	status JobStatus
	cronID cron.EntryID
}

// Scheduler runs backup and maintenance in process, as an alternative to
// crond. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

func New(ctx context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithChain(
			cron.SkipIfStillRunning(logger.NewCronZapLogger(logger.Log.Named("cron-skip-if-running"))),
		),
		cron.WithLogger(logger.NewCronZapLogger(logger.Log.Named("cron"))),
	)
	return &Scheduler{
		cron:   c,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*scheduledJob),
	}
}

// Add registers job under name. Adding a name twice replaces the earlier
// entry.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	schedule = config.StripQuotes(schedule)
	if !ValidSchedule(schedule) {
		return fmt.Errorf("invalid schedule %q for %s", schedule, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.cron.Remove(existing.cronID)
	}
	id, err := s.cron.AddFunc(schedule, s.jobFunc(name, job))
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	s.jobs[name] = &scheduledJob{
		status: JobStatus{Name: name, Schedule: schedule},
		cronID: id,
	}
	logger.Log.Info("Scheduled job", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

func (s *Scheduler) jobFunc(name string, job Job) func() {
	return func() {
		s.setRunning(name, time.Now())
		logger.Log.Info("Starting scheduled job", zap.String("job", name))

		code := job(s.ctx)

		s.setFinished(name, time.Now(), code)
		if code != 0 {
			logger.Log.Error("Scheduled job finished with errors", zap.String("job", name), zap.Int("exitCode", code))
			return
		}
		logger.Log.Info("Scheduled job finished", zap.String("job", name))
	}
}

func (s *Scheduler) setRunning(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		j.status.Running = true
		j.status.LastStarted = at
	}
}

func (s *Scheduler) setFinished(name string, at time.Time, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		j.status.Running = false
		j.status.LastFinished = at
		j.status.LastExitCode = code
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Log.Info("Cron scheduler started")
}

// Stop cancels running jobs and waits up to timeout for them to return.
func (s *Scheduler) Stop(timeout time.Duration) {
	logger.Log.Info("Stopping cron scheduler...")
	s.cancel()
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		logger.Log.Info("Cron scheduler stopped")
	case <-time.After(timeout):
		logger.Log.Warn("Cron scheduler stop timed out, some jobs may not have finished",
			zap.Duration("timeout", timeout))
	}
}

// Status returns the jobs ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		st.Next = s.cron.Entry(j.cronID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
