package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/floostack/transcoder"
	transcodeOptions "github.com/floostack/transcoder/ffmpeg"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/pipeline"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probingRunner fakes a runner that performs the structural input
// probe itself, the way both real isolation primitives do.
type probingRunner struct {
	report   *ffmpeg.ProbeResult
	probeErr error

	probes  int
	ran     bool
	options transcoder.Options
}

func (runner *probingRunner) Run(ctx context.Context, env *sandbox.Env, options transcoder.Options) error {
	runner.ran = true
	runner.options = options
	return nil
}

func (runner *probingRunner) Probe(ctx context.Context, env *sandbox.Env) (*ffmpeg.ProbeResult, error) {
	runner.probes++
	return runner.report, runner.probeErr
}

func newAvReconstructor(t *testing.T, level policy.CdrLevel, runner pipeline.Runner) pipeline.Reconstructor {
	t.Helper()

	record := &media.MediaRecord{SourcePath: "/input/video.mkv", Kind: media.Video, ContainerHint: "video/x-matroska"}
	plan, err := policy.PlanFor(record, level)
	require.NoError(t, err)

	// A host ffprobe fallback would fail loudly on this path, so a
	// passing test proves the probe went through the runner.
	config := &ffmpeg.Config{FfprobeBinPath: "/nonexistent/ffprobe"}
	return pipeline.NewReconstructor(record, plan, runner, config, pipeline.Config{MaxImagePixels: 1 << 20})
}

func avEnv() *sandbox.Env {
	return &sandbox.Env{InputPath: "/input/video.mkv", OutputPath: "/scratch/out.mp4"}
}

func TestAvReconstructor_BurnInProbesThroughRunner(t *testing.T) {
	runner := &probingRunner{report: &ffmpeg.ProbeResult{
		Streams: []ffmpeg.ProbeStream{
			{Index: 0, CodecType: "video", CodecName: "h264"},
			{Index: 1, CodecType: "subtitle", CodecName: "ass"},
		},
	}}

	rec := newAvReconstructor(t, policy.Hardcore, runner)
	require.NoError(t, rec.Reconstruct(context.Background(), avEnv()))

	assert.Equal(t, 1, runner.probes)
	require.True(t, runner.ran)

	options, ok := runner.options.(*transcodeOptions.Options)
	require.True(t, ok)
	require.NotNil(t, options.VideoFilter)
	assert.Contains(t, *options.VideoFilter, "subtitles=")
}

func TestAvReconstructor_NoSubtitleStreamMeansNoFilter(t *testing.T) {
	runner := &probingRunner{report: &ffmpeg.ProbeResult{
		Streams: []ffmpeg.ProbeStream{{Index: 0, CodecType: "video", CodecName: "h264"}},
	}}

	rec := newAvReconstructor(t, policy.Hardcore, runner)
	require.NoError(t, rec.Reconstruct(context.Background(), avEnv()))

	options, ok := runner.options.(*transcodeOptions.Options)
	require.True(t, ok)
	assert.Nil(t, options.VideoFilter)
}

func TestAvReconstructor_ProbeFailureIsTerminal(t *testing.T) {
	runner := &probingRunner{probeErr: errors.New("unreadable container")}

	rec := newAvReconstructor(t, policy.Hardcore, runner)
	err := rec.Reconstruct(context.Background(), avEnv())

	require.Error(t, err)
	assert.False(t, runner.ran, "a rebuild must never start from a failed structural read")
}

func TestAvReconstructor_TranscodeNeverProbes(t *testing.T) {
	runner := &probingRunner{}

	rec := newAvReconstructor(t, policy.Transcode, runner)
	require.NoError(t, rec.Reconstruct(context.Background(), avEnv()))

	assert.Zero(t, runner.probes)
	assert.True(t, runner.ran)
}
