package discovery

import (
	"context"
	"fmt"
	"io"
	"time"

	"stack-back/internal/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// ProcessSpec describes a short lived container that runs one stack-back
// command against a set of bind mounts.
type ProcessSpec struct {
	Name     string
	Image    string
	Command  []string
	Env      []string
	Binds    []string
	Labels   map[string]string
	Networks []string

	// StopTimeout is the grace period given to the container when the
	// launch is cancelled. Zero means defaultProcessStopTimeout.
	StopTimeout time.Duration
}

const defaultProcessStopTimeout = 30 * time.Second

// RunProcessContainer creates and starts the container described by spec,
// relays its output to out and removes it once it exits. The returned int is
// the container exit code. Cancelling ctx stops the container.
func (c *Client) RunProcessContainer(ctx context.Context, spec ProcessSpec, out io.Writer) (int, error) {
	var netConf *network.NetworkingConfig
	if len(spec.Networks) > 0 {
		// older daemons only accept a single endpoint on create
		netConf = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Networks[0]: {}},
		}
	}

	created, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Command,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&container.HostConfig{Binds: spec.Binds},
		netConf, nil, spec.Name)
	if err != nil {
		return -1, fmt.Errorf("failed to create backup process container: %w", err)
	}
	id := created.ID
	log := logger.Log.With(zap.String("containerID", id[:min(12, len(id))]), zap.String("name", spec.Name))
	for _, w := range created.Warnings {
		log.Warn("Docker warning on create", zap.String("warning", w))
	}

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			log.Warn("Failed to remove backup process container", zap.Error(err))
		}
	}()

	for _, name := range spec.Networks[min(1, len(spec.Networks)):] {
		if err := c.cli.NetworkConnect(ctx, name, id, &network.EndpointSettings{}); err != nil {
			return -1, fmt.Errorf("failed to connect backup process container to network %s: %w", name, err)
		}
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start backup process container: %w", err)
	}
	log.Info("Backup process container started")

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
		if err != nil {
			log.Warn("Failed to attach to backup process logs", zap.Error(err))
			return
		}
		defer rc.Close()
		if _, err := stdcopy.StdCopy(out, out, rc); err != nil && ctx.Err() == nil {
			log.Warn("Log relay from backup process ended with error", zap.Error(err))
		}
	}()

	select {
	case status := <-statusCh:
		<-logsDone
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("backup process container wait: %s", status.Error.Message)
		}
		log.Info("Backup process container exited", zap.Int64("exitCode", status.StatusCode))
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed waiting for backup process container: %w", err)
	case <-ctx.Done():
		log.Warn("Run cancelled, stopping backup process container")
		grace := spec.StopTimeout
		if grace <= 0 {
			grace = defaultProcessStopTimeout
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace+30*time.Second)
		defer cancel()
		secs := int(grace.Seconds())
		if err := c.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &secs}); err != nil {
			log.Warn("Failed to stop backup process container", zap.Error(err))
		}
		return -1, ctx.Err()
	}
}
