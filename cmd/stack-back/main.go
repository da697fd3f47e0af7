package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stack-back/internal/config"
	"stack-back/internal/discovery"
	"stack-back/internal/logger"
	"stack-back/internal/topology"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var cfg config.Config

// exitCode ends the process with a specific status without logging an
// error, used to pass on the result of a run.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func codeErr(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stack-back",
		Short:         "Back up the volumes and databases of a docker compose stack with restic",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			logger.SetLevel(cfg.Runtime.LogLevel)
			if cfg.Topology.IncludeAllVolumes {
				logger.Log.Warn("INCLUDE_ALL_VOLUMES is deprecated, use AUTO_BACKUP_ALL")
			}
		},
	}

	root.AddCommand(
		newStatusCmd(),
		newBackupCmd(),
		newStartBackupProcessCmd(),
		newMaintenanceCmd(),
		newStartMaintenanceProcessCmd(),
		newSnapshotsCmd(),
		newInitCmd(),
		newCrontabCmd(),
		newScheduleCmd(),
		newHealthcheckCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err == nil {
		return
	}
	var code exitCode
	if errors.As(err, &code) {
		logger.Close()
		os.Exit(int(code))
	}
	var failure *logger.Failure
	if errors.As(err, &failure) {
		logger.LogFailure(failure)
	} else {
		logger.Log.Error("Command failed", zap.Error(err))
	}
	logger.Close()
	os.Exit(1)
}

// validConfig rejects configuration errors before any side effect.
func validConfig() error {
	if err := cfg.Validate(); err != nil {
		return logger.NewFailure(logger.KindConfiguration, "Invalid configuration", err)
	}
	return nil
}

// resolve connects to docker and builds the plan for this run. The caller
// closes the returned client.
func resolve(ctx context.Context) (*discovery.Client, *topology.Context, error) {
	cli, err := discovery.NewClient(ctx)
	if err != nil {
		return nil, nil, logger.NewFailure(logger.KindDiscovery, "Docker is not reachable", err)
	}
	descs, err := cli.Descriptors(ctx)
	if err != nil {
		cli.Close()
		return nil, nil, logger.NewFailure(logger.KindDiscovery, "Container discovery failed", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		cli.Close()
		return nil, nil, logger.NewFailure(logger.KindConfiguration, "Cannot read hostname", err)
	}
	rc, err := topology.Resolve(descs, cfg, hostname)
	if err != nil {
		cli.Close()
		return nil, nil, logger.NewFailure(logger.KindConfiguration, "Cannot resolve topology", err).
			WithContext("hostname", hostname)
	}
	logger.Log.Debug("Resolved topology",
		zap.Int("containers", len(descs)),
		zap.Int("eligible", len(rc.Eligible)),
		zap.Int("mappings", len(rc.Mappings)),
		zap.Bool("backupProcessRunning", rc.BackupProcessRunning),
	)
	return cli, rc, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
