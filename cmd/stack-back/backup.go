package main

import (
	"context"
	"fmt"
	"os"

	"stack-back/internal/logger"
	"stack-back/internal/orchestrator"
	"stack-back/internal/restic"
	"stack-back/internal/topology"
	"stack-back/internal/writer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Launch a backup process container for this stack and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			return launchProcess(cmd.Context(), orchestrator.BackupProcess)
		},
	}
}

// launchProcess runs p in a process container holding the process marker
// and passes on its exit code.
func launchProcess(ctx context.Context, p orchestrator.Process) error {
	cli, rc, err := resolve(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	code, err := orchestrator.Launch(ctx, cli, rc, cfg, p, os.Stdout)
	if err != nil {
		return logger.NewFailure(logger.KindExecution, "Process container failed", err).
			WithOperation(p.Name)
	}
	return codeErr(code)
}

func newStartBackupProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "start-backup-process",
		Short:  "Run the backup inside the process container",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			return orchestrate(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, rc *topology.Context) *writer.RunReport {
				return o.Run(ctx, rc)
			})
		},
	}
}

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Apply the retention policy, prune and check the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			return launchProcess(cmd.Context(), orchestrator.MaintenanceProcess)
		},
	}
}

func newStartMaintenanceProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "start-maintenance-process",
		Short:  "Run maintenance inside the process container",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			return orchestrate(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator, rc *topology.Context) *writer.RunReport {
				return o.Maintain(ctx, rc)
			})
		},
	}
}

// orchestrate resolves the plan, runs op and publishes its report.
func orchestrate(ctx context.Context, op func(context.Context, *orchestrator.Orchestrator, *topology.Context) *writer.RunReport) error {
	cli, rc, err := resolve(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	o := orchestrator.New(cfg, cli, restic.New(cfg.Restic))
	report := op(ctx, o, rc)

	publisher := orchestrator.NewPublisher(cfg.Report)
	publisher.Publish(context.WithoutCancel(ctx), report)
	publisher.Close()

	logger.Log.Info("Run finished",
		zap.String("runID", report.RunID),
		zap.String("operation", report.Operation),
		zap.String("status", string(report.Status)),
		zap.Int("exitCode", report.ExitCode),
		zap.Float64("durationSeconds", report.DurationSeconds),
	)
	return codeErr(report.ExitCode)
}

func newSnapshotsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshots in the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			out, err := restic.New(cfg.Restic).Snapshots(cmd.Context(), !all)
			if err != nil {
				return logger.NewFailure(logger.KindProtocol, "Listing snapshots failed", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every snapshot instead of the latest one")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the repository if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			r := restic.New(cfg.Restic)
			if err := r.EnsureInitialized(cmd.Context()); err != nil {
				return logger.NewFailure(logger.KindProtocol, "Repository initialization failed", err)
			}
			logger.Log.Info("Repository ready", zap.String("repository", r.Repository()))
			return nil
		},
	}
}
