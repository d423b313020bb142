package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/floostack/transcoder"
	"github.com/reforged/reforge/internal/job"
)

const (
	containerInputPath = "/sandbox/input"
	containerOutputDir = "/sandbox/out"
)

// ContainerRunner executes ffmpeg reconstructions inside a disposable
// docker container with no network attached, the jobs input file bind
// mounted read-only, and the jobs scratch directory as the only
// writable location. Container memory is capped at the jobs bound;
// wall-clock enforcement comes from the job context.
//
// One runner is shared by every pool worker, so the image pull state
// is guarded.
type ContainerRunner struct {
	image string
	cli   client.APIClient

	pullMu sync.Mutex
	pulled bool
}

func NewContainerRunner(image string) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to initialise docker client for container sandbox: %w", err)
	}

	return &ContainerRunner{image: image, cli: cli}, nil
}

// Run reconstructs env.InputPath in to env.OutputPath by running
// ffmpeg with the options provided inside an isolated container.
func (runner *ContainerRunner) Run(ctx context.Context, env *Env, options transcoder.Options) error {
	if err := runner.ensureImage(ctx); err != nil {
		return job.NewFailure(job.InternalInvariantViolation, err)
	}

	// The protocol whitelist sits before '-i' so it governs how the
	// untrusted input itself is opened, not just the output.
	args := []string{"-hide_banner", "-y", "-protocol_whitelist", "file,pipe", "-i", containerInputPath}
	args = append(args, options.GetStrArguments()...)
	args = append(args, filepath.Join(containerOutputDir, filepath.Base(env.OutputPath)))

	conf := &container.Config{
		Image:           runner.image,
		Entrypoint:      []string{"ffmpeg"},
		Cmd:             args,
		NetworkDisabled: true,
	}
	hostConf := &container.HostConfig{
		NetworkMode: "none",
		Binds: []string{
			fmt.Sprintf("%s:%s:ro", env.InputPath, containerInputPath),
			fmt.Sprintf("%s:%s:rw", env.ScratchDir, containerOutputDir),
		},
		Resources: container.Resources{
			Memory: env.Limits.MaxMemoryBytes,
		},
	}

	created, err := runner.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, "")
	if err != nil {
		return job.Failuref(job.InternalInvariantViolation, "failed to create sandbox container: %s", err)
	}
	defer runner.remove(created.ID)

	if err := runner.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return job.Failuref(job.InternalInvariantViolation, "failed to start sandbox container: %s", err)
	}

	statusCh, errCh := runner.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		// Bound exceeded; tear the container down before reporting.
		timeoutSeconds := 0
		_ = runner.cli.ContainerStop(context.Background(), created.ID, container.StopOptions{Timeout: &timeoutSeconds})
		return ctx.Err()
	case err := <-errCh:
		return job.Failuref(job.InternalInvariantViolation, "failed waiting on sandbox container: %s", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return job.Failuref(job.DecodeError, "ffmpeg exited with status %d inside sandbox container: %s", status.StatusCode, runner.logTail(created.ID))
		}
	}

	return nil
}

// Exec runs an auxiliary tool from the sandbox image against the jobs
// input file, under the same isolation as the reconstruction itself:
// no network, the input bind mounted read-only, nothing writable. The
// input path is appended as the tools final argument and the tools
// stdout is returned.
func (runner *ContainerRunner) Exec(ctx context.Context, env *Env, entrypoint string, args []string) ([]byte, error) {
	if err := runner.ensureImage(ctx); err != nil {
		return nil, err
	}

	conf := &container.Config{
		Image:           runner.image,
		Entrypoint:      []string{entrypoint},
		Cmd:             append(append([]string{}, args...), containerInputPath),
		NetworkDisabled: true,
	}
	hostConf := &container.HostConfig{
		NetworkMode: "none",
		Binds: []string{
			fmt.Sprintf("%s:%s:ro", env.InputPath, containerInputPath),
		},
		Resources: container.Resources{
			Memory: env.Limits.MaxMemoryBytes,
		},
	}

	created, err := runner.cli.ContainerCreate(ctx, conf, hostConf, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	defer runner.remove(created.ID)

	if err := runner.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	statusCh, errCh := runner.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		timeoutSeconds := 0
		_ = runner.cli.ContainerStop(context.Background(), created.ID, container.StopOptions{Timeout: &timeoutSeconds})
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting on sandbox container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return nil, fmt.Errorf("%s exited with status %d inside sandbox container: %s", entrypoint, status.StatusCode, runner.logTail(created.ID))
		}
	}

	return runner.stdout(created.ID)
}

// stdout fetches the full stdout stream of a finished container.
func (runner *ContainerRunner) stdout(containerID string) ([]byte, error) {
	reader, err := runner.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox container output: %w", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return nil, fmt.Errorf("failed to demultiplex sandbox container output: %w", err)
	}

	return stdout.Bytes(), nil
}

func (runner *ContainerRunner) ensureImage(ctx context.Context) error {
	runner.pullMu.Lock()
	defer runner.pullMu.Unlock()

	if runner.pulled {
		return nil
	}

	out, err := runner.cli.ImagePull(ctx, runner.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull sandbox image %s: %w", runner.image, err)
	}
	defer out.Close()

	// The pull stream must be fully drained before the image is
	// usable.
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("failed to read pull stream for sandbox image %s: %w", runner.image, err)
	}

	runner.pulled = true
	return nil
}

// logTail fetches the last few stderr lines from a finished container
// for failure reporting.
func (runner *ContainerRunner) logTail(containerID string) string {
	reader, err := runner.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{ShowStderr: true, Tail: "5"})
	if err != nil {
		return "(log unavailable)"
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "(log unavailable)"
	}

	return strings.TrimSpace(stderr.String())
}

func (runner *ContainerRunner) remove(containerID string) {
	if err := runner.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Warnf("Failed to remove sandbox container %s: %s\n", containerID, err)
	}
}
