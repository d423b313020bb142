package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	transcodeOptions "github.com/floostack/transcoder/ffmpeg"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDockerClient fakes the small slice of the docker API the
// container runner touches. Unimplemented methods panic via the
// embedded nil interface, which is exactly what we want in a test.
type stubDockerClient struct {
	client.APIClient

	pulls        atomic.Int32
	failNextPull atomic.Bool

	mu             sync.Mutex
	createdConfig  *container.Config
	createdHost    *container.HostConfig
	stdoutPayload  []byte
	exitStatusCode int64
}

func (stub *stubDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	stub.pulls.Add(1)
	if stub.failNextPull.Swap(false) {
		return nil, errors.New("registry unreachable")
	}

	return io.NopCloser(strings.NewReader("{}")), nil
}

func (stub *stubDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()

	stub.createdConfig = config
	stub.createdHost = hostConfig
	return container.CreateResponse{ID: "stub-container"}, nil
}

func (stub *stubDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (stub *stubDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: stub.exitStatusCode}
	return statusCh, make(chan error, 1)
}

func (stub *stubDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write(stub.stdoutPayload); err != nil {
		return nil, err
	}

	return io.NopCloser(&buf), nil
}

func (stub *stubDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return nil
}

func testEnv(t *testing.T) *Env {
	t.Helper()

	scratch := t.TempDir()
	return &Env{
		InputPath:  filepath.Join(t.TempDir(), "input.mkv"),
		ScratchDir: scratch,
		OutputPath: filepath.Join(scratch, "rebuilt.mp4"),
		Limits:     Limits{MaxMemoryBytes: 64 * 1024 * 1024},
	}
}

func TestContainerRunner_ImagePulledOnceAcrossWorkers(t *testing.T) {
	stub := &stubDockerClient{}
	runner := &ContainerRunner{image: "stub/ffmpeg:latest", cli: stub}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, runner.ensureImage(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.pulls.Load(), "concurrent workers must share a single image pull")
}

func TestContainerRunner_FailedPullIsRetried(t *testing.T) {
	stub := &stubDockerClient{}
	stub.failNextPull.Store(true)
	runner := &ContainerRunner{image: "stub/ffmpeg:latest", cli: stub}

	require.Error(t, runner.ensureImage(context.Background()))
	require.NoError(t, runner.ensureImage(context.Background()))
	assert.Equal(t, int32(2), stub.pulls.Load())
}

func TestContainerRunner_RunIsolationAndArguments(t *testing.T) {
	stub := &stubDockerClient{}
	runner := &ContainerRunner{image: "stub/ffmpeg:latest", cli: stub}
	env := testEnv(t)

	require.NoError(t, runner.Run(context.Background(), env, transcodeOptions.Options{}))

	require.NotNil(t, stub.createdConfig)
	assert.Equal(t, strslice.StrSlice{"ffmpeg"}, stub.createdConfig.Entrypoint)
	assert.True(t, stub.createdConfig.NetworkDisabled)
	assert.Equal(t, container.NetworkMode("none"), stub.createdHost.NetworkMode)
	assert.Equal(t, env.Limits.MaxMemoryBytes, stub.createdHost.Resources.Memory)

	require.Len(t, stub.createdHost.Binds, 2)
	assert.Equal(t, env.InputPath+":"+containerInputPath+":ro", stub.createdHost.Binds[0])
	assert.Equal(t, env.ScratchDir+":"+containerOutputDir+":rw", stub.createdHost.Binds[1])

	// The protocol whitelist must govern how the input is opened, so
	// it has to precede '-i' on the command line.
	args := stub.createdConfig.Cmd
	whitelistAt := indexOf(args, "-protocol_whitelist")
	inputAt := indexOf(args, "-i")
	require.GreaterOrEqual(t, whitelistAt, 0)
	require.GreaterOrEqual(t, inputAt, 0)
	assert.Less(t, whitelistAt, inputAt, "protocol whitelist must precede the input argument")
	assert.Equal(t, "file,pipe", args[whitelistAt+1])
}

func TestContainerRunner_ExecReturnsToolStdout(t *testing.T) {
	report := []byte(`{"format":{"format_name":"matroska"}}`)
	stub := &stubDockerClient{stdoutPayload: report}
	runner := &ContainerRunner{image: "stub/ffmpeg:latest", cli: stub}
	env := testEnv(t)

	out, err := runner.Exec(context.Background(), env, "ffprobe", []string{"-v", "error", "-print_format", "json", "-show_streams"})
	require.NoError(t, err)
	assert.Equal(t, report, out)

	// The probe sees the input read-only and nothing else; it has no
	// writable mount at all.
	require.Len(t, stub.createdHost.Binds, 1)
	assert.Equal(t, env.InputPath+":"+containerInputPath+":ro", stub.createdHost.Binds[0])
	assert.Equal(t, strslice.StrSlice{"ffprobe"}, stub.createdConfig.Entrypoint)
	assert.Equal(t, containerInputPath, stub.createdConfig.Cmd[len(stub.createdConfig.Cmd)-1])
}

func indexOf(haystack []string, needle string) int {
	for i, candidate := range haystack {
		if candidate == needle {
			return i
		}
	}

	return -1
}
