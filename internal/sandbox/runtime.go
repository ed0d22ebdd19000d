// ABOUTME: Container runtime collaborator for per-instance sandboxes.
// ABOUTME: Lifecycle, exec-based file access, and archive transfer over the Docker API.

package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const stopTimeoutSecs = 10

// Info is the slice of container state the control plane cares about:
// whether the sandbox runs, and how to reach it from this process.
type Info struct {
	ID        string
	Name      string
	Running   bool
	IPAddress string
	HostPort  string
}

// Runtime is the container collaborator. All operations take a container
// name or id and return plain values or a descriptive error.
type Runtime interface {
	Create(ctx context.Context, name, image string, env map[string]string) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Inspect(ctx context.Context, nameOrID string) (*Info, error)

	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)
	WriteFile(ctx context.Context, containerID, path string, data []byte) error
	ListFiles(ctx context.Context, containerID, dir string) ([]string, error)
	CopyDir(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error
}

// DockerRuntime implements Runtime against the local Docker daemon.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{cli: cli, logger: logger.With("component", "sandbox")}, nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Create(ctx context.Context, name, image string, env map[string]string) (string, error) {
	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   envVars,
	}, nil, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}

	r.logger.Info("container created", "container_id", resp.ID, "name", name, "image", image)
	return resp.ID, nil
}

func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) Restart(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := r.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("restarting container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container. A container that is already gone is not
// an error.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// Inspect resolves the container's network identity: its address on the
// container network plus the first published host port, if any.
func (r *DockerRuntime) Inspect(ctx context.Context, nameOrID string) (*Info, error) {
	inspect, err := r.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", nameOrID, err)
	}

	info := &Info{
		ID:      inspect.ID,
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		Running: inspect.State != nil && inspect.State.Running,
	}

	if inspect.NetworkSettings != nil {
		for _, network := range inspect.NetworkSettings.Networks {
			if network.IPAddress != "" {
				info.IPAddress = network.IPAddress
				break
			}
		}
		for _, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) > 0 && bindings[0].HostPort != "" {
				info.HostPort = bindings[0].HostPort
				break
			}
		}
	}
	return info, nil
}

// ReadFile reads a file from inside the container via exec. The multiplexed
// stream keeps binary content intact.
func (r *DockerRuntime) ReadFile(ctx context.Context, containerID, path string) ([]byte, error) {
	out, err := r.exec(ctx, containerID, []string{"cat", path})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

// WriteFile writes a file into the container as a single-entry tar archive.
func (r *DockerRuntime) WriteFile(ctx context.Context, containerID, path string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body for %s: %w", path, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := r.cli.CopyToContainer(ctx, containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into container %s: %w", path, containerID, err)
	}
	return nil
}

func (r *DockerRuntime) ListFiles(ctx context.Context, containerID, dir string) ([]string, error) {
	out, err := r.exec(ctx, containerID, []string{"ls", "-1", dir})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CopyDir streams a directory between two containers as a tar archive
// without staging it on the host filesystem.
func (r *DockerRuntime) CopyDir(ctx context.Context, srcContainer, srcPath, dstContainer, dstPath string) error {
	reader, _, err := r.cli.CopyFromContainer(ctx, srcContainer, srcPath)
	if err != nil {
		return fmt.Errorf("copying %s from container %s: %w", srcPath, srcContainer, err)
	}
	defer reader.Close()

	if err := r.cli.CopyToContainer(ctx, dstContainer, dstPath, reader, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying archive into container %s: %w", dstContainer, err)
	}
	return nil
}

// exec runs a command to completion and returns its stdout. A nonzero exit
// code is an error carrying the command's stderr.
func (r *DockerRuntime) exec(ctx context.Context, containerID string, cmd []string) ([]byte, error) {
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return nil, fmt.Errorf("command %v exited %d: %s", cmd, inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
