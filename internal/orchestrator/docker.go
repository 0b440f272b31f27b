package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/browsergrid/browsergrid/internal/fault"
)

const managedByLabel = "browsergrid"

// DockerOrchestrator runs one labeled container per session, publishing
// the worker's command port on a random host port.
type DockerOrchestrator struct {
	client       *client.Client
	defaultImage string
	workerPort   nat.Port
	pollInterval time.Duration
}

// NewDockerOrchestrator creates a Docker-backed orchestrator. workerPort
// is the container-side port the worker listens on.
func NewDockerOrchestrator(defaultImage, workerPort string, pollInterval time.Duration) (*DockerOrchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerOrchestrator{
		client:       cli,
		defaultImage: defaultImage,
		workerPort:   nat.Port(workerPort + "/tcp"),
		pollInterval: pollInterval,
	}, nil
}

func (d *DockerOrchestrator) StartTask(ctx context.Context, sessionID string, spec TaskSpec) (*TaskHandle, error) {
	img := spec.Image
	if img == "" {
		img = d.defaultImage
	}

	labels := map[string]string{
		"session-id": sessionID,
		"managed-by": managedByLabel,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, "SESSION_ID="+sessionID)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image:  img,
		Labels: labels,
		Env:    env,
		ExposedPorts: nat.PortSet{
			d.workerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			d.workerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		AutoRemove: false,
	}
	if spec.CPU > 0 {
		hostConfig.Resources.NanoCPUs = spec.CPU * 1e9
	}
	if spec.MemoryMB > 0 {
		hostConfig.Resources.Memory = spec.MemoryMB << 20
	}

	name := fmt.Sprintf("worker-%s", shortID(sessionID))
	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		if isCapacityError(err) {
			return nil, fault.Wrap(fault.ResourceExhausted, sessionID, err, "backend refused to allocate a worker")
		}
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	return &TaskHandle{WorkerRef: resp.ID, SessionID: sessionID}, nil
}

// StopTask stops and removes the container. Stopping a task that is
// already gone succeeds silently.
func (d *DockerOrchestrator) StopTask(ctx context.Context, workerRef, reason string) error {
	timeout := 10
	err := d.client.ContainerStop(ctx, workerRef, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop worker %s: %w", workerRef, err)
	}

	err = d.client.ContainerRemove(ctx, workerRef, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove worker %s: %w", workerRef, err)
	}
	return nil
}

func (d *DockerOrchestrator) DescribeTask(ctx context.Context, workerRef string) (*TaskStatus, error) {
	inspect, err := d.client.ContainerInspect(ctx, workerRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fault.New(fault.NotFound, "", "worker %s not found", workerRef)
		}
		return nil, fmt.Errorf("failed to inspect worker %s: %w", workerRef, err)
	}

	state := inspect.State
	switch {
	case state.Running:
		bindings := inspect.NetworkSettings.Ports[d.workerPort]
		if len(bindings) == 0 {
			return &TaskStatus{State: TaskPending}, nil
		}
		return &TaskStatus{
			State:   TaskRunning,
			Address: "127.0.0.1:" + bindings[0].HostPort,
		}, nil
	case state.Status == "created":
		return &TaskStatus{State: TaskPending}, nil
	default:
		return &TaskStatus{State: TaskStopped}, nil
	}
}

func (d *DockerOrchestrator) FindTaskBySession(ctx context.Context, sessionID string) (*TaskHandle, error) {
	args := filters.NewArgs(
		filters.Arg("label", "session-id="+sessionID),
		filters.Arg("label", "managed-by="+managedByLabel),
	)
	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	if len(containers) == 0 {
		return nil, fault.New(fault.NotFound, sessionID, "no worker for session")
	}
	return &TaskHandle{WorkerRef: containers[0].ID, SessionID: sessionID}, nil
}

func (d *DockerOrchestrator) ResolveEndpoint(ctx context.Context, workerRef string, timeout time.Duration) (string, error) {
	return PollEndpoint(ctx, workerRef, d.DescribeTask, d.pollInterval, timeout)
}

// EnsureImage pulls the default worker image if it is not present locally.
func (d *DockerOrchestrator) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.defaultImage {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.defaultImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", d.defaultImage, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerOrchestrator) Close() error {
	return d.client.Close()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// isCapacityError detects daemon refusals that mean "no room", which the
// taxonomy reports as ResourceExhausted rather than a generic failure.
func isCapacityError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no space") ||
		strings.Contains(msg, "not enough") ||
		strings.Contains(msg, "resources") ||
		strings.Contains(msg, "too many")
}
