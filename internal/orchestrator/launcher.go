package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"stack-back/internal/config"
	"stack-back/internal/discovery"
	"stack-back/internal/logger"
	"stack-back/internal/topology"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Process is an operation that runs in its own process container. The
// container holds the process marker for as long as the operation runs.
type Process struct {
	Name    string
	Command []string

	// MountVolumes binds the plan's directory mapping into the container.
	MountVolumes bool
}

var (
	BackupProcess = Process{
		Name:         "backup",
		Command:      []string{"stack-back", "start-backup-process"},
		MountVolumes: true,
	}
	MaintenanceProcess = Process{
		Name:    "maintenance",
		Command: []string{"stack-back", "start-maintenance-process"},
	}
)

// processStopMargin is added on top of the time a cancelled run may spend
// restarting stopped containers.
const processStopMargin = 30 * time.Second

// processSocketPath is where the docker socket is mounted in the process
// container.
const processSocketPath = "/tmp/docker.sock"

// ErrNoSelf is returned when the backup process cannot be launched because
// the own container is unknown.
var ErrNoSelf = errors.New("cannot identify own container, run stack-back inside its compose service")

// ProcessRunner launches a one shot container and waits for it.
type ProcessRunner interface {
	RunProcessContainer(ctx context.Context, spec discovery.ProcessSpec, out io.Writer) (int, error)
}

// ProcessSpecFor derives the process container for p from self: same
// image, environment and networks, the process marker label and, for
// backups, the plan's mappings as read-only binds.
func ProcessSpecFor(rc *topology.Context, cfg config.Config, p Process) (discovery.ProcessSpec, error) {
	if rc.Self == nil {
		return discovery.ProcessSpec{}, ErrNoSelf
	}
	self := rc.Self.Descriptor

	var env []string
	for _, kv := range self.EnvList() {
		if strings.HasPrefix(kv, "DOCKER_HOST=") || strings.HasPrefix(kv, "HOSTNAME=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "DOCKER_HOST=unix://"+processSocketPath)

	socket := cfg.Runtime.DockerSocket
	if socket == "" {
		socket = "/var/run/docker.sock"
	}
	var binds []string
	if p.MountVolumes {
		binds = rc.Binds()
	}
	binds = append(binds, socket+":"+processSocketPath+":ro")

	labels := map[string]string{
		rc.ProcessMarkerLabel(): "true",
		discovery.LabelOrigin:   self.ID,
	}
	project := rc.ProjectName()
	if project != "" {
		labels[discovery.ComposeProjectLabel] = project
	}

	name := "stack-back-" + p.Name + "-" + uuid.NewString()[:8]
	if project != "" {
		name = project + "-" + name
	}

	return discovery.ProcessSpec{
		Name:     name,
		Image:    self.Image,
		Command:  p.Command,
		Env:      env,
		Binds:    binds,
		Labels:   labels,
		Networks: self.Networks,

		// a cancelled run restarts what it stopped before exiting
		StopTimeout: cfg.Runtime.StopTimeout() + resumeTimeout + processStopMargin,
	}, nil
}

// Launch starts the process container for p and returns its exit code. The
// mutex is checked first, a held marker returns ExitAlreadyRunning without
// launching anything.
func Launch(ctx context.Context, runner ProcessRunner, rc *topology.Context, cfg config.Config, p Process, out io.Writer) (int, error) {
	if rc.BackupProcessRunning {
		logger.Log.Warn("A backup or maintenance process is already running, not launching another one",
			zap.String("operation", p.Name),
			zap.Strings("markerHolders", rc.MarkerHolders))
		return ExitAlreadyRunning, nil
	}
	spec, err := ProcessSpecFor(rc, cfg, p)
	if err != nil {
		return ExitFailure, err
	}
	logger.Log.Info("Launching process container",
		zap.String("operation", p.Name),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.Int("binds", len(spec.Binds)),
		zap.Strings("networks", spec.Networks),
	)
	code, err := runner.RunProcessContainer(ctx, spec, out)
	if err != nil {
		return ExitFailure, fmt.Errorf("%s process container: %w", p.Name, err)
	}
	return code, nil
}
