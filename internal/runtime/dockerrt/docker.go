// Package dockerrt implements the runtime contract on Docker
// containers. Each session is one container running the agent command
// under a TTY; output reads come from the container log tail.
package dockerrt

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	apperrors "github.com/agentorch/orchestrator/internal/common/errors"
	"github.com/agentorch/orchestrator/internal/common/logger"
	"github.com/agentorch/orchestrator/internal/plugin"
)

const (
	// imageEnvKey lets a project pick its container image through the
	// session environment; everything else uses the default.
	imageEnvKey  = "AO_DOCKER_IMAGE"
	defaultImage = "ghcr.io/agentorch/agent:latest"

	// containerWorkDir is where the session workspace is mounted.
	containerWorkDir = "/work"

	labelManaged = "ao.managed"
	labelSession = "ao.session"
	labelProject = "ao.project"
	labelName    = "ao.name"

	stopTimeout = 10 * time.Second
)

// Runtime runs agents in Docker containers.
type Runtime struct {
	cli    *client.Client
	logger *logger.Logger
}

// New creates the docker runtime plugin against the local daemon.
func New(log *logger.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.PluginFailure("docker", fmt.Errorf("create client: %w", err))
	}
	return &Runtime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

func (r *Runtime) Name() string { return "docker" }

// Close releases the daemon connection.
func (r *Runtime) Close() error { return r.cli.Close() }

// Ping checks daemon availability.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return apperrors.PluginFailure("docker", fmt.Errorf("ping: %w", err))
	}
	return nil
}

// Create pulls the image if needed, then starts one container with the
// workspace bind-mounted and the agent command as pid 1.
func (r *Runtime) Create(ctx context.Context, spec plugin.SessionSpec) (*plugin.RuntimeHandle, error) {
	img := imageFor(spec)

	if reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	} else {
		// A locally built image has nothing to pull.
		r.logger.Debug("image pull skipped", zap.String("image", img), zap.Error(err))
	}

	cmd := spec.Command
	if cmd == "" {
		cmd = "sh"
	}
	cfg := &container.Config{
		Image:      img,
		Cmd:        []string{"sh", "-lc", cmd},
		Env:        flattenEnv(spec.Env),
		WorkingDir: containerWorkDir,
		Labels:     labelsFor(spec),
		Tty:        true,
		OpenStdin:  true,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkDir,
			Target: containerWorkDir,
		}},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, apperrors.PluginFailure("docker", fmt.Errorf("create container: %w", err))
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.PluginFailure("docker", fmt.Errorf("start container: %w", err))
	}

	r.logger.Info("container started",
		zap.String("session_id", spec.SessionID),
		zap.String("container_id", resp.ID),
		zap.String("image", img))
	return &plugin.RuntimeHandle{
		ID:          resp.ID,
		RuntimeName: "docker",
		Data:        map[string]string{"name": spec.Name, "image": img},
	}, nil
}

func (r *Runtime) Destroy(ctx context.Context, handle *plugin.RuntimeHandle) error {
	timeout := int(stopTimeout.Seconds())
	if err := r.cli.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Debug("container stop failed, removing anyway", zap.Error(err))
	}
	if err := r.cli.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if missingContainer(err) {
			return nil
		}
		return apperrors.PluginFailure("docker", fmt.Errorf("remove container: %w", err))
	}
	return nil
}

// SendMessage writes the text to the container's stdin. The container
// runs with a TTY, so the stream is raw.
func (r *Runtime) SendMessage(ctx context.Context, handle *plugin.RuntimeHandle, text string) error {
	resp, err := r.cli.ContainerAttach(ctx, handle.ID, container.AttachOptions{Stream: true, Stdin: true})
	if err != nil {
		return apperrors.PluginFailure("docker", fmt.Errorf("attach: %w", err))
	}
	defer resp.Close()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := resp.Conn.Write([]byte(text)); err != nil {
		return apperrors.PluginFailure("docker", fmt.Errorf("write stdin: %w", err))
	}
	return nil
}

func (r *Runtime) GetOutput(ctx context.Context, handle *plugin.RuntimeHandle, lines int) (string, error) {
	if lines <= 0 {
		lines = 40
	}
	reader, err := r.cli.ContainerLogs(ctx, handle.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", apperrors.PluginFailure("docker", fmt.Errorf("logs: %w", err))
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", apperrors.PluginFailure("docker", fmt.Errorf("read logs: %w", err))
	}
	return string(data), nil
}

func (r *Runtime) IsAlive(ctx context.Context, handle *plugin.RuntimeHandle) bool {
	inspect, err := r.cli.ContainerInspect(ctx, handle.ID)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}

// ListNames enumerates the session names of managed containers,
// including stopped ones so numbering stays unique.
func (r *Runtime) ListNames(ctx context.Context) ([]string, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, apperrors.PluginFailure("docker", fmt.Errorf("list containers: %w", err))
	}
	var names []string
	for _, c := range containers {
		if name := c.Labels[labelName]; name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func imageFor(spec plugin.SessionSpec) string {
	if img := spec.Env[imageEnvKey]; img != "" {
		return img
	}
	return defaultImage
}

func flattenEnv(env map[string]string) []string {
	kvs := make([]string, 0, len(env))
	for k, v := range env {
		kvs = append(kvs, k+"="+v)
	}
	sort.Strings(kvs)
	return kvs
}

func labelsFor(spec plugin.SessionSpec) map[string]string {
	return map[string]string{
		labelManaged: "true",
		labelSession: spec.SessionID,
		labelProject: spec.ProjectID,
		labelName:    spec.Name,
	}
}

func missingContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
