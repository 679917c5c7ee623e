package execution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockermount "github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	dockervolume "github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// BindMount is a host-path bind mount into the sandbox.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// VolumeMount attaches a named, engine-managed volume (e.g. the
// package-cache volume) at a path inside the sandbox.
type VolumeMount struct {
	VolumeName string
	Target     string
	ReadOnly   bool
}

// ContainerSpec is the full description of one sandboxed launch
// (spec §4.5, §6 "Container runtime").
type ContainerSpec struct {
	Name            string
	Image           string
	Cmd             []string
	WorkingDir      string
	Env             map[string]string
	BindMounts      []BindMount
	VolumeMounts    []VolumeMount
	Tmpfs           map[string]string // target -> mount options, e.g. "rw,exec,size=512m"
	MemoryMB        int
	CPUs            float64
	PidsLimit       int64
	NetworkEnabled  bool
	User            string
	ReadOnlyRootfs  bool
	CapDropAll      bool
	NoNewPrivileges bool
}

// ContainerRunResult is the raw outcome of one container lifecycle,
// before the sandbox driver classifies it into an ExecutionResult.
type ContainerRunResult struct {
	ContainerID string
	ExitCode    int
	Stdout      string
	Stderr      string
	StartedAt   time.Time
	CompletedAt time.Time
	TimedOut    bool
	Killed      bool
}

// OutputPump receives classified output lines as they are read from the
// running container, in read order (spec §4.5 I/O pump).
type OutputPump interface {
	OnStdout(line string)
	OnStderr(line string)
}

// ContainerRuntime is the external, consumed container-runtime interface
// (spec §6): volume lifecycle plus running one container to completion.
type ContainerRuntime interface {
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	RunContainer(ctx context.Context, spec ContainerSpec, pump OutputPump) (ContainerRunResult, error)
	KillContainer(ctx context.Context, containerID string) error
}

// DockerContainerRuntime implements ContainerRuntime against the Docker
// Engine API, grounded on the teacher's sandbox/v2 DockerExecutor.
type DockerContainerRuntime struct {
	cli *dockerclient.Client
	log *zap.Logger
}

// NewDockerContainerRuntime builds a runtime from the environment's Docker
// host configuration (DOCKER_HOST, or the default local socket).
func NewDockerContainerRuntime(log *zap.Logger) (*DockerContainerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init: %w", err)
	}
	return &DockerContainerRuntime{cli: cli, log: log}, nil
}

func (d *DockerContainerRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := d.cli.VolumeCreate(ctx, dockervolume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("docker volume create %s: %w", name, err)
	}
	return nil
}

func (d *DockerContainerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("docker volume remove %s: %w", name, err)
	}
	return nil
}

func (d *DockerContainerRuntime) KillContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerKill(ctx, containerID, "SIGTERM"); err != nil {
		return fmt.Errorf("docker container kill %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerContainerRuntime) RunContainer(ctx context.Context, spec ContainerSpec, pump OutputPump) (ContainerRunResult, error) {
	result := ContainerRunResult{StartedAt: time.Now()}

	hostCfg, err := d.buildHostConfig(spec)
	if err != nil {
		return result, err
	}

	envList := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envList = append(envList, k+"="+v)
	}

	created, err := d.cli.ContainerCreate(ctx, &dockercontainer.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		Env:             envList,
		User:            spec.User,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !spec.NetworkEnabled,
	}, hostCfg, &dockernetwork.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return result, fmt.Errorf("docker container create: %w", err)
	}
	result.ContainerID = created.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return result, fmt.Errorf("docker container start: %w", err)
	}

	logsRC, err := d.cli.ContainerLogs(ctx, created.ID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return result, fmt.Errorf("docker container logs: %w", err)
	}
	defer logsRC.Close()

	var stdoutBuf, stderrBuf strings.Builder
	demuxDone := make(chan struct{})
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		defer close(demuxDone)
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, logsRC)
	}()

	pumpDone := make(chan struct{}, 2)
	go pumpLines(stdoutR, &stdoutBuf, pump.OnStdout, pumpDone)
	go pumpLines(stderrR, &stderrBuf, pump.OnStderr, pumpDone)

	waitCh, errCh := d.cli.ContainerWait(ctx, created.ID, dockercontainer.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		result.Killed = true
		_ = d.cli.ContainerKill(context.Background(), created.ID, "SIGKILL")
		<-waitCh // best-effort drain; Docker still reports the kill via wait
	case waitErr := <-errCh:
		if waitErr != nil {
			return result, fmt.Errorf("docker container wait: %w", waitErr)
		}
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
	}

	<-demuxDone
	<-pumpDone
	<-pumpDone

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.CompletedAt = time.Now()
	return result, nil
}

func pumpLines(r io.Reader, buf *strings.Builder, emit func(string), done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		emit(line)
	}
}

func (d *DockerContainerRuntime) buildHostConfig(spec ContainerSpec) (*dockercontainer.HostConfig, error) {
	mounts := make([]dockermount.Mount, 0, len(spec.BindMounts)+len(spec.VolumeMounts))
	for _, b := range spec.BindMounts {
		mounts = append(mounts, dockermount.Mount{
			Type:     dockermount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}
	for _, v := range spec.VolumeMounts {
		mounts = append(mounts, dockermount.Mount{
			Type:     dockermount.TypeVolume,
			Source:   v.VolumeName,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	memoryBytes := int64(spec.MemoryMB) * 1024 * 1024
	nanoCPUs := int64(spec.CPUs * 1_000_000_000)

	capDrop := []string(nil)
	if spec.CapDropAll {
		capDrop = []string{"ALL"}
	}
	securityOpt := []string(nil)
	if spec.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}

	networkMode := dockercontainer.NetworkMode("none")
	if spec.NetworkEnabled {
		networkMode = "bridge"
	}

	pidsLimit := spec.PidsLimit
	hostCfg := &dockercontainer.HostConfig{
		Mounts:         mounts,
		Tmpfs:          spec.Tmpfs,
		NetworkMode:    networkMode,
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		CapDrop:        capDrop,
		SecurityOpt:    securityOpt,
		Resources: dockercontainer.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}
	return hostCfg, nil
}
