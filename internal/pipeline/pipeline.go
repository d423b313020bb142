package pipeline

import (
	"context"

	"github.com/floostack/transcoder"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Pipeline")

type Config struct {
	// MaxImagePixels caps the decoded pixel count of the in-process
	// image route, rejecting decompression bombs before any raster
	// allocation happens. Defaults to 200 megapixels.
	MaxImagePixels int64 `yaml:"max_image_pixels" env:"PIPELINE_MAX_IMAGE_PIXELS" env-default:"200000000"`
}

// Runner executes an ffmpeg reconstruction within the jobs sandbox
// environment. Implementations decide the isolation primitive: a
// supervised host subprocess, or a network-less container.
type Runner interface {
	Run(ctx context.Context, env *sandbox.Env, options transcoder.Options) error
}

// Reconstructor rebuilds one input file in to the plans safe target,
// writing the artifact to env.OutputPath. The decode path is driven
// entirely by the plan; nothing embedded in the input influences which
// reconstructor runs or what it produces.
type Reconstructor interface {
	Reconstruct(ctx context.Context, env *sandbox.Env) error
}

// NewReconstructor selects the reconstructor for a plan. The selection
// happens exactly once per job, from the classifiers content-sniffed
// kind; it is never re-dispatched later in the pipeline.
func NewReconstructor(record *media.MediaRecord, plan *policy.ReconstructionPlan, runner Runner, ffmpegConfig *ffmpeg.Config, config Config) Reconstructor {
	if plan.Route == policy.RouteImage {
		return &imageReconstructor{record: record, plan: plan, maxPixels: config.MaxImagePixels}
	}

	return &avReconstructor{record: record, plan: plan, runner: runner, ffprobeBinPath: ffmpegConfig.FfprobeBinPath}
}
