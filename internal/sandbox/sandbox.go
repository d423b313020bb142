package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Sandbox")

type Config struct {
	// Isolation selects the execution isolation primitive for the
	// reconstruction subprocesses: 'process' supervises a host
	// subprocess, 'container' runs ffmpeg inside a network-less
	// docker container.
	Isolation string `yaml:"isolation" env:"SANDBOX_ISOLATION" env-default:"process"`

	TimeoutSeconds int   `yaml:"timeout_seconds" env:"SANDBOX_TIMEOUT_SECONDS" env-default:"600"`
	MaxMemoryMB    int64 `yaml:"max_memory_mb" env:"SANDBOX_MAX_MEMORY_MB" env-default:"2048"`
	MaxCPUSeconds  int   `yaml:"max_cpu_seconds" env:"SANDBOX_MAX_CPU_SECONDS" env-default:"900"`

	// MaxInputBytes rejects oversized inputs before any decode work
	// begins. Defaults to 2GiB, matching the largest file the
	// pipeline is expected to rebuild.
	MaxInputBytes int64 `yaml:"max_input_bytes" env:"SANDBOX_MAX_INPUT_BYTES" env-default:"2147483648"`

	ContainerImage string `yaml:"container_image" env:"SANDBOX_CONTAINER_IMAGE" env-default:"linuxserver/ffmpeg:7.1.1"`
}

// Limits are the per-job resource bounds enforced by the executor.
// Exceeding any of them forcibly terminates the job.
type Limits struct {
	Timeout        time.Duration
	MaxMemoryBytes int64
	MaxCPUTime     time.Duration
	MaxInputBytes  int64
}

func (config Config) Limits() Limits {
	return Limits{
		Timeout:        time.Duration(config.TimeoutSeconds) * time.Second,
		MaxMemoryBytes: config.MaxMemoryMB * 1024 * 1024,
		MaxCPUTime:     time.Duration(config.MaxCPUSeconds) * time.Second,
		MaxInputBytes:  config.MaxInputBytes,
	}
}

// Env is the filesystem view a job is allowed: it's input file
// (read-only), a private scratch directory, and the output artifact
// path within that scratch. Nothing outside this pair is available to
// the reconstruction, and the scratch is destroyed when the job ends -
// a partial artifact is never visible at the published output location.
type Env struct {
	InputPath  string
	ScratchDir string
	OutputPath string
	Limits     Limits

	guard *Guard
}

// Supervise registers a spawned subprocess with the jobs resource
// guard, placing it under memory/CPU supervision. Reconstruction code
// must call this for every process it spawns.
func (env *Env) Supervise(pid int) {
	if env.guard != nil {
		env.guard.Supervise(pid)
	}
}

// WorkFunc performs the actual reconstruction of one job within the
// environment provided. Every error it returns must be (or wrap) a
// typed job failure.
type WorkFunc func(ctx context.Context, env *Env) error

// Executor runs sanitization jobs inside an isolated execution
// context: bounded wall-clock/CPU/memory, filesystem access limited to
// the jobs input/output pair, and no network reachability for the
// reconstruction subprocesses. Exactly one output file is published
// per successful job; failed jobs publish nothing.
type Executor struct {
	config    Config
	limits    Limits
	outputDir string
	workDir   string
}

func NewExecutor(config Config, outputDir string) (*Executor, error) {
	limits := config.Limits()
	if limits.Timeout <= 0 {
		return nil, errors.New("sandbox timeout must be positive")
	}

	// Paths are made absolute up front: the container isolation mode
	// bind mounts them, and docker rejects relative bind sources.
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory '%s': %w", outputDir, err)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outputDir, err)
	}

	// Scratch space lives NEXT TO the output directory, never inside
	// it: the output directory only ever contains published
	// artifacts. A sibling keeps the final rename on one filesystem.
	workDir := outputDir + ".work"
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory '%s': %w", workDir, err)
	}

	return &Executor{config: config, limits: limits, outputDir: outputDir, workDir: workDir}, nil
}

func (ex *Executor) Limits() Limits { return ex.limits }

// Execute drives one job from Pending to a terminal state and returns
// it's result. The work function runs under the jobs resource bounds;
// a bound breach terminates the work and records ResourceExceeded. On
// success the scratch artifact is atomically published to the final,
// job-id-derived output path.
func (ex *Executor) Execute(ctx context.Context, jb *job.SanitizationJob, work WorkFunc) job.SanitizationResult {
	if err := jb.Begin(); err != nil {
		return ex.fail(jb, job.FailureFromError(err))
	}

	if size := jb.Media().Size; size > ex.limits.MaxInputBytes {
		return ex.fail(jb, job.Failuref(job.ResourceExceeded, "input size %d exceeds limit of %d bytes", size, ex.limits.MaxInputBytes))
	}

	inputPath, pathErr := filepath.Abs(jb.Media().SourcePath)
	if pathErr != nil {
		return ex.fail(jb, job.Failuref(job.InternalInvariantViolation, "failed to resolve input path '%s': %s", jb.Media().SourcePath, pathErr))
	}

	scratchDir := filepath.Join(ex.workDir, jb.ID().String())
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return ex.fail(jb, job.Failuref(job.InternalInvariantViolation, "failed to create job scratch dir: %s", err))
	}
	defer func() {
		os.RemoveAll(scratchDir)
		// Succeeds only once the last job's scratch is gone.
		os.Remove(ex.workDir)
	}()

	outputName := fmt.Sprintf("%s.%s", jb.ID(), jb.Plan().Container)
	env := &Env{
		InputPath:  inputPath,
		ScratchDir: scratchDir,
		OutputPath: filepath.Join(scratchDir, outputName),
		Limits:     ex.limits,
		guard:      NewGuard(ex.limits),
	}

	jobCtx, cancel := context.WithTimeout(ctx, ex.limits.Timeout)
	defer cancel()
	env.guard.Start(jobCtx)

	log.Debugf("Executing job %s (scratch=%s)\n", jb.ID(), scratchDir)
	err := work(jobCtx, env)

	jb.ObserveUsage(env.guard.Observed())

	if breached, reason := env.guard.Breached(); breached {
		return ex.fail(jb, job.Failuref(job.ResourceExceeded, "job terminated: %s", reason))
	}

	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return ex.fail(jb, job.Failuref(job.ResourceExceeded, "job exceeded wall-clock bound of %s", ex.limits.Timeout))
		}

		return ex.fail(jb, job.FailureFromError(err))
	}

	if info, statErr := os.Stat(env.OutputPath); statErr != nil || info.Size() == 0 {
		return ex.fail(jb, job.Failuref(job.EncodeError, "reconstruction reported success but produced no output artifact"))
	}

	finalPath := filepath.Join(ex.outputDir, outputName)
	if renameErr := os.Rename(env.OutputPath, finalPath); renameErr != nil {
		return ex.fail(jb, job.Failuref(job.InternalInvariantViolation, "failed to publish output artifact: %s", renameErr))
	}

	if err := jb.Succeed(finalPath); err != nil {
		return ex.fail(jb, job.FailureFromError(err))
	}

	result, resultErr := jb.Result()
	if resultErr != nil {
		return ex.fail(jb, job.FailureFromError(resultErr))
	}

	return result
}

func (ex *Executor) fail(jb *job.SanitizationJob, failure *job.Failure) job.SanitizationResult {
	if err := jb.Fail(failure); err != nil {
		// Double-fault: the job refused the terminal transition. The
		// result below still reports the original failure.
		log.Errorf("Job %s rejected terminal transition: %s\n", jb.ID(), err)
	}

	result, err := jb.Result()
	if err != nil {
		kind := failure.Kind
		return job.SanitizationResult{
			JobID:       jb.ID(),
			SourcePath:  jb.Media().SourcePath,
			FailureKind: &kind,
			FailureInfo: failure.Error(),
		}
	}

	return result
}
