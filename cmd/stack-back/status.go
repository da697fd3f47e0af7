package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/dumper"
	"stack-back/internal/logger"
	"stack-back/internal/topology"
	"stack-back/internal/writer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const healthcheckTimeout = 5 * time.Second

type statusReport struct {
	Config               detectedConfig  `json:"config" yaml:"config"`
	Self                 string          `json:"self,omitempty" yaml:"self,omitempty"`
	Project              string          `json:"project,omitempty" yaml:"project,omitempty"`
	BackupProcessRunning bool            `json:"backup_process_running" yaml:"backup_process_running"`
	LastRun              *lastRunStatus  `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Services             []serviceStatus `json:"services" yaml:"services"`
}

type lastRunStatus struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Operation  string    `json:"operation" yaml:"operation"`
	Status     string    `json:"status" yaml:"status"`
	ExitCode   int       `json:"exit_code" yaml:"exit_code"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

type detectedConfig struct {
	Repository                string `json:"repository" yaml:"repository"`
	CronSchedule              string `json:"cron_schedule" yaml:"cron_schedule"`
	MaintenanceSchedule       string `json:"maintenance_schedule,omitempty" yaml:"maintenance_schedule,omitempty"`
	IncludeProjectName        bool   `json:"include_project_name" yaml:"include_project_name"`
	ExcludeBindMounts         bool   `json:"exclude_bind_mounts" yaml:"exclude_bind_mounts"`
	IncludeAllComposeProjects bool   `json:"include_all_compose_projects" yaml:"include_all_compose_projects"`
	AutoBackupAll             bool   `json:"auto_backup_all" yaml:"auto_backup_all"`
	Retention                 string `json:"retention" yaml:"retention"`
}

type serviceStatus struct {
	Service  string          `json:"service" yaml:"service"`
	Project  string          `json:"project,omitempty" yaml:"project,omitempty"`
	Volumes  []volumeStatus  `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Database *databaseStatus `json:"database,omitempty" yaml:"database,omitempty"`
}

type volumeStatus struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

type databaseStatus struct {
	Engine   string `json:"engine" yaml:"engine"`
	DumpPath string `json:"dump_path,omitempty" yaml:"dump_path,omitempty"`
	Ready    bool   `json:"is_ready" yaml:"is_ready"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// readyFunc checks that a database answers.
type readyFunc func(ctx context.Context, d dumper.Dumper) error

func healthcheck(ctx context.Context, d dumper.Dumper) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	return d.Healthcheck(ctx)
}

func newStatusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the detected configuration and what would be backed up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cli, rc, err := resolve(ctx)
			if err != nil {
				return err
			}
			defer cli.Close()

			st := buildStatus(ctx, rc, cfg, healthcheck)
			if writer.Enabled(cfg.Report) {
				if store, err := writer.GetWriter(cfg.Report); err != nil {
					logger.Log.Warn("Cannot open run report store", zap.Error(err))
				} else {
					st.LastRun = lastRun(ctx, store, rc.ProjectName())
				}
			}
			return writeStatus(cmd.OutOrStdout(), st, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, yaml or json")
	return cmd
}

func buildStatus(ctx context.Context, rc *topology.Context, c config.Config, ready readyFunc) statusReport {
	keep := c.Restic
	st := statusReport{
		Config: detectedConfig{
			Repository:                c.Restic.Repository,
			CronSchedule:              config.StripQuotes(c.Schedule.CronSchedule),
			MaintenanceSchedule:       config.StripQuotes(c.Schedule.MaintenanceSchedule),
			IncludeProjectName:        c.Topology.IncludeProjectNameEnabled(),
			ExcludeBindMounts:         c.Topology.ExcludeBindMounts,
			IncludeAllComposeProjects: c.Topology.IncludeAllComposeProject,
			AutoBackupAll:             c.Topology.AutoBackupAllEnabled(),
			Retention: fmt.Sprintf("daily=%d weekly=%d monthly=%d yearly=%d",
				keep.KeepDaily, keep.KeepWeekly, keep.KeepMonthly, keep.KeepYearly),
		},
		Project:              rc.ProjectName(),
		BackupProcessRunning: rc.BackupProcessRunning,
		Services:             []serviceStatus{},
	}
	if st.Config.CronSchedule == "" {
		st.Config.CronSchedule = config.DefaultCronSchedule
	}
	if rc.Self != nil {
		st.Self = rc.Self.Descriptor.DisplayName()
	}

	for _, u := range rc.Eligible {
		s := serviceStatus{Service: u.ServiceName(), Project: u.ProjectName()}
		for _, m := range rc.MappingsFor(u) {
			s.Volumes = append(s.Volumes, volumeStatus{Source: m.Source, Target: m.Target})
		}
		if u.DatabaseEnabled && u.Engine.IsDatabase() {
			db := &databaseStatus{Engine: string(u.Engine)}
			d, err := dumper.GetDumper(u)
			if err == nil {
				db.DumpPath, err = dumper.DumpPath(u, d, rc.IncludeProjectName)
			}
			if err == nil {
				err = ready(ctx, d)
			}
			db.Ready = err == nil
			if err != nil {
				db.Error = err.Error()
			}
			s.Database = db
		}
		st.Services = append(st.Services, s)
	}
	return st
}

// lastRun summarises the newest stored report of project.
func lastRun(ctx context.Context, store writer.ReportWriter, project string) *lastRunStatus {
	r, err := writer.LatestReport(ctx, store, project)
	if err != nil {
		logger.Log.Warn("Cannot read the last run report", zap.Error(err))
		return nil
	}
	if r == nil {
		return nil
	}
	return &lastRunStatus{
		RunID:      r.RunID,
		Operation:  r.Operation,
		Status:     string(r.Status),
		ExitCode:   r.ExitCode,
		FinishedAt: r.FinishedAt,
	}
}

func writeStatus(w io.Writer, st statusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		writeStatusText(w, st)
		return nil
	}
	return logger.NewFailure(logger.KindConfiguration, "Unknown output format", nil).
		WithContext("output", format)
}

func writeStatusText(w io.Writer, st statusReport) {
	c := st.Config
	fmt.Fprintln(w, "Detected Config:")
	fmt.Fprintf(w, "  repository: %s\n", c.Repository)
	fmt.Fprintf(w, "  cron_schedule: %s\n", c.CronSchedule)
	if c.MaintenanceSchedule != "" {
		fmt.Fprintf(w, "  maintenance_schedule: %s\n", c.MaintenanceSchedule)
	}
	fmt.Fprintf(w, "  include_project_name: %t\n", c.IncludeProjectName)
	fmt.Fprintf(w, "  exclude_bind_mounts: %t\n", c.ExcludeBindMounts)
	fmt.Fprintf(w, "  include_all_compose_projects: %t\n", c.IncludeAllComposeProjects)
	fmt.Fprintf(w, "  auto_backup_all: %t\n", c.AutoBackupAll)
	fmt.Fprintf(w, "  retention: %s\n", c.Retention)
	if st.Self != "" {
		fmt.Fprintf(w, "self: %s\n", st.Self)
	}
	if st.BackupProcessRunning {
		fmt.Fprintln(w, "A backup or maintenance process is currently running")
	}
	if lr := st.LastRun; lr != nil {
		fmt.Fprintf(w, "last_run: %s %s at %s (exit %d)\n",
			lr.Operation, lr.Status, lr.FinishedAt.Format(time.RFC3339), lr.ExitCode)
	}
	if len(st.Services) == 0 {
		fmt.Fprintln(w, "No containers selected for backup")
		return
	}

	for _, s := range st.Services {
		fmt.Fprintf(w, "service: %s\n", s.Service)
		if s.Project != "" {
			fmt.Fprintf(w, "  project: %s\n", s.Project)
		}
		for _, v := range s.Volumes {
			fmt.Fprintf(w, "  volume: %s -> %s\n", v.Source, v.Target)
		}
		if db := s.Database; db != nil {
			fmt.Fprintf(w, "  %s: %s\n", db.Engine, db.DumpPath)
			fmt.Fprintf(w, "  is_ready=%t\n", db.Ready)
			if db.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", db.Error)
			}
		}
	}
}

func newHealthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when docker is reachable and the configuration is valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			cli, _, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			cli.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
