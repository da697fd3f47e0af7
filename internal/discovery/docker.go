package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stack-back/internal/logger"
	"stack-back/internal/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Client wraps the docker API with the handful of calls a run needs.
type Client struct {
	cli *client.Client
}

// NewClient creates a docker client from the environment (DOCKER_HOST etc.)
// and verifies the daemon answers.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	c := &Client{cli: cli}
	if err := c.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	logger.Log.Debug("Docker client initialized", zap.String("host", cli.DaemonHost()))
	return c, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("cannot connect to docker daemon: %w", err)
	}
	return nil
}

// Descriptors returns a snapshot of every running container. Containers that
// disappear between list and inspect are skipped.
func (c *Client) Descriptors(ctx context.Context) ([]model.Descriptor, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	logger.Log.Debug("Listed running containers", zap.Int("count", len(containers)))

	out := make([]model.Descriptor, 0, len(containers))
	for _, cont := range containers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := c.cli.ContainerInspect(ctx, cont.ID)
		if err != nil {
			if client.IsErrNotFound(err) {
				logger.Log.Debug("Container vanished before inspect", zap.String("containerID", cont.ID))
				continue
			}
			return nil, fmt.Errorf("failed to inspect container %s: %w", cont.ID, err)
		}
		out = append(out, DescriptorFromInspect(info))
	}
	return out, nil
}

// DescriptorFromInspect converts a docker inspect result into a Descriptor.
func DescriptorFromInspect(info types.ContainerJSON) model.Descriptor {
	d := model.Descriptor{
		Labels: map[string]string{},
		Env:    map[string]string{},
	}
	if info.ContainerJSONBase != nil {
		d.ID = info.ID
		d.Name = info.Name
	}
	if info.Config != nil {
		d.Hostname = info.Config.Hostname
		d.Image = info.Config.Image
		for k, v := range info.Config.Labels {
			d.Labels[k] = v
		}
		for _, kv := range info.Config.Env {
			k, v, _ := strings.Cut(kv, "=")
			if k != "" {
				d.Env[k] = v
			}
		}
	}
	d.ServiceName = d.Labels[ComposeServiceLabel]
	d.ProjectName = d.Labels[ComposeProjectLabel]

	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			d.Networks = append(d.Networks, name)
		}
		sort.Strings(d.Networks)
	}

	for _, m := range info.Mounts {
		kind := model.MountKind(m.Type)
		if kind != model.MountBind && kind != model.MountVolume {
			// tmpfs, npipe and cluster mounts have nothing to archive
			continue
		}
		d.Mounts = append(d.Mounts, model.Mount{
			Kind:        kind,
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
		})
	}
	return d
}

// StopContainer stops a running container, waiting at most timeout for a
// clean shutdown.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}
