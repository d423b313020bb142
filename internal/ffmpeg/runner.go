package ffmpeg

import (
	"context"

	"github.com/floostack/transcoder"
	"github.com/reforged/reforge/internal/sandbox"
)

// HostRunner executes ffmpeg reconstructions as a supervised host
// subprocess. The spawned process is registered with the jobs sandbox
// environment so it's memory and CPU consumption stay bounded, and the
// job context bounds it's wall-clock time.
type HostRunner struct {
	Config *Config
}

func NewHostRunner(config *Config) *HostRunner {
	return &HostRunner{Config: config}
}

func (runner *HostRunner) Run(ctx context.Context, env *sandbox.Env, options transcoder.Options) error {
	cmd := NewCmd(env.InputPath, env.OutputPath, runner.Config)
	return cmd.Run(ctx, options, env.Supervise)
}

// Probe inspects the jobs input file with a supervised host ffprobe
// subprocess.
func (runner *HostRunner) Probe(ctx context.Context, env *sandbox.Env) (*ProbeResult, error) {
	return Probe(ctx, runner.Config.FfprobeBinPath, env.InputPath, env.Supervise)
}
