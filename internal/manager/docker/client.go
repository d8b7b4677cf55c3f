// Package docker wraps the Docker SDK with the container operations the
// executor dispatcher needs: create with port bindings, lifecycle control,
// and post-mortem inspection.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
)

// ContainerConfig holds configuration for creating an executor container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	NetworkMode string
	Labels      map[string]string
	Ports       []PortBinding
	Memory      int64
	CPUQuota    int64
}

// PortBinding maps one container port onto a host port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// ContainerState is the post-mortem view of a container used for
// forensics when a heartbeat goes silent.
type ContainerState struct {
	ID         string
	Name       string
	Exists     bool
	Running    bool
	Paused     bool
	OOMKilled  bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client from configuration.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls an image, draining the progress stream to completion.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// CreateContainer creates a container with the executor port published.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pb := range cfg.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(pb.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", pb.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(pb.HostPort),
		}}
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		NetworkMode:  container.NetworkMode(cfg.NetworkMode),
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	c.logger.Info("Container started", zap.String("container_id", containerID))
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	c.logger.Info("Container stopped", zap.String("container_id", containerID))
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	c.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

// PauseContainer freezes all processes in a container.
func (c *Client) PauseContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("failed to pause container %s: %w", containerID, err)
	}
	c.logger.Info("Container paused", zap.String("container_id", containerID))
	return nil
}

// UnpauseContainer resumes a paused container.
func (c *Client) UnpauseContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerUnpause(ctx, containerID); err != nil {
		return fmt.Errorf("failed to unpause container %s: %w", containerID, err)
	}
	c.logger.Info("Container unpaused", zap.String("container_id", containerID))
	return nil
}

// InspectContainer returns the state of a container by id or name.
// A missing container is reported with Exists=false, not an error.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &ContainerState{Name: nameOrID, Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	state := &ContainerState{
		ID:     inspect.ID,
		Name:   inspect.Name,
		Exists: true,
	}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Paused = inspect.State.Paused
		state.OOMKilled = inspect.State.OOMKilled
		state.ExitCode = inspect.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			state.FinishedAt = t
		}
	}
	return state, nil
}

// HostPortFor returns the host port published for the given container
// port, or 0 when the container has no such binding.
func (c *Client) HostPortFor(ctx context.Context, nameOrID string, containerPort int) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}
	if inspect.NetworkSettings == nil {
		return 0, nil
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
	if err != nil {
		return 0, err
	}
	for _, binding := range inspect.NetworkSettings.Ports[port] {
		hostPort, err := strconv.Atoi(binding.HostPort)
		if err != nil {
			continue
		}
		return hostPort, nil
	}
	return 0, nil
}

// ContainerIP returns the first network IP of a container. Used when the
// manager shares a Docker network with the executors instead of going
// through published host ports.
func (c *Client) ContainerIP(ctx context.Context, nameOrID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", nameOrID)
}

// ListByLabels lists all containers (running or not) matching every label.
func (c *Client) ListByLabels(ctx context.Context, labels map[string]string) ([]ContainerState, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make([]ContainerState, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		states = append(states, ContainerState{
			ID:      ctr.ID,
			Name:    name,
			Exists:  true,
			Running: ctr.State == "running",
			Paused:  ctr.State == "paused",
		})
	}
	return states, nil
}

// ContainerLogsTail returns the last lines of a container's output.
// Used to enrich failure messages during forensics.
func (c *Client) ContainerLogsTail(ctx context.Context, nameOrID string, lines int) (string, error) {
	reader, err := c.cli.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get container logs for %s: %w", nameOrID, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read container logs for %s: %w", nameOrID, err)
	}
	return string(raw), nil
}
