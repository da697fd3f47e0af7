package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/discovery"
	"stack-back/internal/logger"
	"stack-back/internal/orchestrator"
	"stack-back/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrontabCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "crontab",
		Short: "Print or write the crontab for the configured schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			crontab := scheduler.GenerateCrontab(cfg.Schedule)
			if file == "" {
				fmt.Fprint(cmd.OutOrStdout(), crontab)
				return nil
			}
			if err := os.WriteFile(file, []byte(crontab), 0o644); err != nil {
				return fmt.Errorf("failed to write crontab: %w", err)
			}
			logger.Log.Info("Crontab written", zap.String("path", file))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "write the crontab to this file instead of stdout")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run backups and maintenance on schedule in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validConfig(); err != nil {
				return err
			}
			return runSchedule(cmd.Context())
		},
	}
}

func runSchedule(ctx context.Context) error {
	sched := scheduler.New(ctx)

	backupSchedule := config.StripQuotes(cfg.Schedule.CronSchedule)
	if backupSchedule == "" {
		backupSchedule = config.DefaultCronSchedule
	}
	if err := sched.Add("backup", backupSchedule, func(ctx context.Context) int {
		return jobExitCode(launchProcess(ctx, orchestrator.BackupProcess))
	}); err != nil {
		return logger.NewFailure(logger.KindConfiguration, "Cannot schedule backup", err)
	}
	if s := config.StripQuotes(cfg.Schedule.MaintenanceSchedule); s != "" {
		if err := sched.Add("maintenance", s, func(ctx context.Context) int {
			return jobExitCode(launchProcess(ctx, orchestrator.MaintenanceProcess))
		}); err != nil {
			return logger.NewFailure(logger.KindConfiguration, "Cannot schedule maintenance", err)
		}
	}
	sched.Start()

	server := &http.Server{
		Addr:              cfg.Runtime.HTTPAddr,
		Handler:           newHTTPMux(sched),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Info("Serving HTTP endpoints", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("HTTP server failed", zap.Error(err))
			} else {
				logger.Log.Info("HTTP server closed gracefully")
			}
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutdown signal received, stopping scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	sched.Stop(time.Minute)
	return nil
}

// jobExitCode turns a command error into the exit code a scheduled job
// reports. Failures are logged here since nothing else sees them.
func jobExitCode(err error) int {
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	var failure *logger.Failure
	if errors.As(err, &failure) {
		logger.LogFailure(failure)
	} else {
		logger.Log.Error("Scheduled job failed", zap.Error(err))
	}
	return 1
}

func newHTTPMux(sched *scheduler.Scheduler) *http.ServeMux {
	hmux := http.NewServeMux()
	hmux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok")
		logger.Log.Debug("Health check successful", zap.String("path", r.URL.Path))
	})

	hmux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var checks []string
		allHealthy := true

		if cli, err := discovery.NewClient(ctx); err != nil {
			checks = append(checks, fmt.Sprintf("Docker: %v", err))
			allHealthy = false
		} else {
			cli.Close()
			checks = append(checks, "Docker: OK")
		}
		if err := cfg.Validate(); err != nil {
			checks = append(checks, fmt.Sprintf("Config: %v", err))
			allHealthy = false
		} else {
			checks = append(checks, "Config: OK")
		}

		if allHealthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "ready\n%s", strings.Join(checks, "\n"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready\n%s", strings.Join(checks, "\n"))
		}
	})

	hmux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		status := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"jobs":      sched.Status(),
		}
		cli, rc, err := resolve(ctx)
		if err != nil {
			status["error"] = err.Error()
		} else {
			cli.Close()
			status["plan"] = buildStatus(ctx, rc, cfg, healthcheck)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	})
	return hmux
}
