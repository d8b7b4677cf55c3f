package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/config"
	"github.com/wegent/wegent/internal/common/logger"
	"github.com/wegent/wegent/internal/manager/docker"
)

// DockerDispatcher runs executors as Docker containers with the executor
// port published onto a host port from the allocator range.
type DockerDispatcher struct {
	client *docker.Client
	cfg    *config.Config
	ports  *PortAllocator
	log    *logger.Logger

	mu        sync.Mutex
	hostPorts map[int64]int
}

var _ ExecutorDispatcher = (*DockerDispatcher)(nil)

// NewDockerDispatcher creates a dispatcher over an existing Docker client.
func NewDockerDispatcher(client *docker.Client, cfg *config.Config, log *logger.Logger) *DockerDispatcher {
	return &DockerDispatcher{
		client:    client,
		cfg:       cfg,
		ports:     NewPortAllocator(cfg.Docker.PortRangeMin, cfg.Docker.PortRangeMax),
		log:       log.WithFields(zap.String("component", "docker-dispatcher")),
		hostPorts: make(map[int64]int),
	}
}

// SubmitExecutor creates and starts the executor container for a task.
// The image is pulled on demand when the local daemon does not have it.
func (d *DockerDispatcher) SubmitExecutor(ctx context.Context, spec ExecutorSpec) (string, error) {
	hostPort, err := d.ports.Allocate()
	if err != nil {
		return "", fmt.Errorf("failed to allocate executor port: %w", err)
	}

	containerPort := d.cfg.Executor.Port
	env := []string{
		"TASK_ID=" + strconv.FormatInt(spec.TaskID, 10),
		"EXECUTOR_PORT=" + strconv.Itoa(containerPort),
		"SHELL_TYPE=" + spec.ShellType,
		"CALLBACK_URL=" + d.cfg.Callback.URL,
		"MCP_PORT=" + strconv.Itoa(d.cfg.Executor.MCPPort),
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := docker.ContainerConfig{
		Name:        ContainerName(spec.TaskID),
		Image:       d.cfg.Docker.ExecutorImage,
		Env:         env,
		NetworkMode: d.cfg.Docker.Network,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelTaskID:    strconv.FormatInt(spec.TaskID, 10),
			LabelShellType: spec.ShellType,
		},
		Ports: []docker.PortBinding{{
			HostPort:      hostPort,
			ContainerPort: containerPort,
		}},
	}

	containerID, err := d.client.CreateContainer(ctx, containerCfg)
	if err != nil {
		if isImageMissing(err) {
			if pullErr := d.client.PullImage(ctx, d.cfg.Docker.ExecutorImage); pullErr != nil {
				d.ports.Release(hostPort)
				return "", fmt.Errorf("failed to pull executor image: %w", pullErr)
			}
			containerID, err = d.client.CreateContainer(ctx, containerCfg)
		}
		if err != nil {
			d.ports.Release(hostPort)
			return "", fmt.Errorf("failed to create executor container for task %d: %w", spec.TaskID, err)
		}
	}

	if err := d.client.StartContainer(ctx, containerID); err != nil {
		d.ports.Release(hostPort)
		_ = d.client.RemoveContainer(ctx, containerID, true)
		return "", fmt.Errorf("failed to start executor container for task %d: %w", spec.TaskID, err)
	}

	d.mu.Lock()
	d.hostPorts[spec.TaskID] = hostPort
	d.mu.Unlock()

	d.log.Info("Executor container started",
		zap.Int64("task_id", spec.TaskID),
		zap.String("container_id", containerID),
		zap.Int("host_port", hostPort),
		zap.String("shell_type", spec.ShellType))
	return containerID, nil
}

// GetContainerAddress returns the executor's base URL once the container
// is running and its port binding is visible.
func (d *DockerDispatcher) GetContainerAddress(ctx context.Context, taskID int64) (string, error) {
	name := ContainerName(taskID)
	state, err := d.client.InspectContainer(ctx, name)
	if err != nil {
		return "", err
	}
	if !state.Exists {
		return "", fmt.Errorf("executor container %s does not exist", name)
	}
	if !state.Running {
		return "", fmt.Errorf("executor container %s is not running", name)
	}

	hostPort := d.lookupHostPort(taskID)
	if hostPort == 0 {
		hostPort, err = d.client.HostPortFor(ctx, name, d.cfg.Executor.Port)
		if err != nil {
			return "", err
		}
		if hostPort != 0 {
			d.mu.Lock()
			d.hostPorts[taskID] = hostPort
			d.mu.Unlock()
			d.ports.Reserve(hostPort)
		}
	}

	if hostPort != 0 {
		return fmt.Sprintf("http://%s:%d", d.cfg.Docker.HostAddr, hostPort), nil
	}

	// No published port; fall back to the container network address.
	ip, err := d.client.ContainerIP(ctx, name)
	if err != nil {
		return "", fmt.Errorf("executor container %s has no address yet: %w", name, err)
	}
	return fmt.Sprintf("http://%s:%d", ip, d.cfg.Executor.Port), nil
}

// PauseExecutor freezes the executor container.
func (d *DockerDispatcher) PauseExecutor(ctx context.Context, taskID int64) error {
	return d.client.PauseContainer(ctx, ContainerName(taskID))
}

// ResumeExecutor unfreezes the executor container.
func (d *DockerDispatcher) ResumeExecutor(ctx context.Context, taskID int64) error {
	return d.client.UnpauseContainer(ctx, ContainerName(taskID))
}

// DeleteExecutor stops and removes the executor container and frees its
// host port. Deleting an absent container succeeds.
func (d *DockerDispatcher) DeleteExecutor(ctx context.Context, taskID int64) error {
	name := ContainerName(taskID)

	state, err := d.client.InspectContainer(ctx, name)
	if err != nil {
		return err
	}
	if state.Exists {
		if state.Running {
			if err := d.client.StopContainer(ctx, name, 5*time.Second); err != nil {
				d.log.Warn("Failed to stop executor container, forcing removal",
					zap.Int64("task_id", taskID), zap.Error(err))
			}
		}
		if err := d.client.RemoveContainer(ctx, name, true); err != nil {
			return err
		}
	}

	d.mu.Lock()
	hostPort := d.hostPorts[taskID]
	delete(d.hostPorts, taskID)
	d.mu.Unlock()
	if hostPort != 0 {
		d.ports.Release(hostPort)
	}

	d.log.Info("Executor container deleted", zap.Int64("task_id", taskID))
	return nil
}

// GetContainerStatus inspects a container by name for forensics.
func (d *DockerDispatcher) GetContainerStatus(ctx context.Context, containerName string) (*ContainerStatus, error) {
	state, err := d.client.InspectContainer(ctx, containerName)
	if err != nil {
		return nil, err
	}
	return &ContainerStatus{
		Exists:     state.Exists,
		Running:    state.Running,
		Paused:     state.Paused,
		OOMKilled:  state.OOMKilled,
		ExitCode:   state.ExitCode,
		StartedAt:  state.StartedAt,
		FinishedAt: state.FinishedAt,
	}, nil
}

func (d *DockerDispatcher) lookupHostPort(taskID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostPorts[taskID]
}

func isImageMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such image") || strings.Contains(msg, "not found")
}
