package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/reforged/reforge/internal/event"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/pipeline"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"
	"github.com/reforged/reforge/internal/strip"
	"github.com/reforged/reforge/pkg/logger"
	"github.com/reforged/reforge/pkg/worker"
)

var log = logger.Get("Batch")

type Config struct {
	InputDir    string `yaml:"input_dir" env:"INPUT_DIR" env-default:"./input"`
	OutputDir   string `yaml:"output_dir" env:"OUTPUT_DIR" env-default:"./output"`
	Level       string `yaml:"cdr_level" env:"CDR_LEVEL" env-default:"transcode"`
	Parallelism int    `yaml:"parallelism" env:"PARALLELISM" env-default:"0"`
}

// Service drives one batch run: it discovers the input directory,
// classifies and plans every eligible file, and hands the resulting
// jobs to a pool of workers which claim and execute them one at a
// time. Every discovered file ends the run with exactly one recorded
// outcome (a job result or a skip report).
type Service struct {
	*sync.Mutex

	config         Config
	level          policy.CdrLevel
	classifier     *media.Classifier
	executor       *sandbox.Executor
	runner         pipeline.Runner
	stripper       *strip.Stripper
	ffmpegConfig   *ffmpeg.Config
	pipelineConfig pipeline.Config
	aggregator     *Aggregator
	eventBus       event.EventCoordinator

	queue  []*job.SanitizationJob
	runCtx context.Context
	wg     sync.WaitGroup
	pool   *worker.WorkerPool
}

func New(
	config Config,
	executor *sandbox.Executor,
	runner pipeline.Runner,
	stripper *strip.Stripper,
	ffmpegConfig *ffmpeg.Config,
	pipelineConfig pipeline.Config,
	aggregator *Aggregator,
	eventBus event.EventCoordinator,
) (*Service, error) {
	level, err := policy.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(config.InputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to access input directory '%s': %w", config.InputDir, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("input path '%s' is not a directory", config.InputDir)
	}

	if config.Parallelism <= 0 {
		config.Parallelism = runtime.NumCPU()
	}

	service := &Service{
		Mutex:          &sync.Mutex{},
		config:         config,
		level:          level,
		classifier:     media.NewClassifier(),
		executor:       executor,
		runner:         runner,
		stripper:       stripper,
		ffmpegConfig:   ffmpegConfig,
		pipelineConfig: pipelineConfig,
		aggregator:     aggregator,
		eventBus:       eventBus,
		pool:           worker.NewWorkerPool(),
	}

	for i := 0; i < config.Parallelism; i++ {
		label := fmt.Sprintf("sanitize-worker-%d", i)
		if err := service.pool.PushWorker(worker.NewWorker(label, service.performNextJob)); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// Run performs the batch and blocks until every submitted job has
// reached a terminal state, then returns the summary. The context
// bounds the whole run; cancelling it fails the remaining jobs rather
// than abandoning them unrecorded.
func (service *Service) Run(ctx context.Context) (*Summary, error) {
	if err := service.discover(); err != nil {
		return nil, err
	}

	service.runCtx = ctx
	if len(service.queue) > 0 {
		if err := service.pool.Start(); err != nil {
			return nil, err
		}

		service.wg.Wait()
		service.pool.Close()
	}

	service.eventBus.Dispatch(event.BatchCompleteEvent, service.aggregator.BatchID())
	return service.aggregator.Summarize(), nil
}

// discover walks the top level of the input directory exactly once.
// Directories, symlinks and other non-regular entries are reported as
// skipped; files that cannot be classified or planned become jobs that
// fail before execution so they still appear in the summary.
func (service *Service) discover() error {
	entries, err := os.ReadDir(service.config.InputDir)
	if err != nil {
		return fmt.Errorf("failed to read input directory '%s': %w", service.config.InputDir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(service.config.InputDir, entry.Name())

		if entry.IsDir() {
			service.aggregator.ReportSkipped(path, "directories are not descended into")
			continue
		} else if entry.Type()&os.ModeSymlink != 0 {
			service.aggregator.ReportSkipped(path, "symlinks are not followed")
			continue
		} else if !entry.Type().IsRegular() {
			service.aggregator.ReportSkipped(path, "not a regular file")
			continue
		} else if strings.HasPrefix(entry.Name(), ".") {
			service.aggregator.ReportSkipped(path, "hidden file")
			continue
		}

		record, err := service.classifier.Classify(path)
		if err != nil {
			service.recordPreExecutionFailure(path, entry, nil, err)
			continue
		}

		plan, err := policy.PlanFor(record, service.level)
		if err != nil {
			service.recordPreExecutionFailure(path, entry, record, err)
			continue
		}

		service.enqueue(job.New(record, plan))
	}

	log.Emit(logger.INFO, "Discovered %d file(s) to sanitize in %s\n", len(service.queue), service.config.InputDir)
	return nil
}

func (service *Service) enqueue(jb *job.SanitizationJob) {
	service.Lock()
	defer service.Unlock()

	service.queue = append(service.queue, jb)
	service.wg.Add(1)
}

// recordPreExecutionFailure accounts for a file that never reached the
// executor. A job is still created so the failure carries a job ID and
// appears in the summary alongside executed jobs.
func (service *Service) recordPreExecutionFailure(path string, entry os.DirEntry, record *media.MediaRecord, cause error) {
	if record == nil {
		record = &media.MediaRecord{SourcePath: path, Kind: media.Unknown}
		if info, err := entry.Info(); err == nil {
			record.Size = info.Size()
		}
	}

	jb := job.New(record, nil)
	failure := job.FailureFromError(cause)
	if err := jb.Fail(failure); err != nil {
		log.Emit(logger.ERROR, "Failed to mark job %s as failed: %v\n", jb, err)
		return
	}

	result, err := jb.Result()
	if err != nil {
		log.Emit(logger.ERROR, "Failed to derive result for job %s: %v\n", jb, err)
		return
	}

	log.Emit(logger.WARNING, "File %s rejected before execution: %v\n", path, failure)
	if err := service.aggregator.Record(result); err != nil {
		log.Emit(logger.ERROR, "Failed to record result for job %s: %v\n", jb, err)
	}
}

// claimNextJob pops the oldest unclaimed job. A job is claimed by at
// most one worker; nil is returned when the queue is drained.
func (service *Service) claimNextJob() *job.SanitizationJob {
	service.Lock()
	defer service.Unlock()

	if len(service.queue) == 0 {
		return nil
	}

	jb := service.queue[0]
	service.queue = service.queue[1:]
	return jb
}

// performNextJob is the worker pool task. It claims a pending job,
// runs reconstruction and metadata stripping inside the sandboxed
// executor, and records the terminal result with the aggregator.
func (service *Service) performNextJob(w worker.Worker) (bool, error) {
	jb := service.claimNextJob()
	if jb == nil {
		return false, nil
	}
	defer service.wg.Done()

	log.Emit(logger.INFO, "Worker %s executing job %s\n", w.Label(), jb)
	service.eventBus.Dispatch(event.JobUpdateEvent, jb.ID())

	reconstructor := pipeline.NewReconstructor(jb.Media(), jb.Plan(), service.runner, service.ffmpegConfig, service.pipelineConfig)
	result := service.executor.Execute(service.runCtx, jb, func(ctx context.Context, env *sandbox.Env) error {
		if err := reconstructor.Reconstruct(ctx, env); err != nil {
			return err
		}

		return service.stripper.Strip(ctx, env.OutputPath)
	})

	service.eventBus.Dispatch(event.JobUpdateEvent, jb.ID())
	if err := service.aggregator.Record(result); err != nil {
		return true, err
	}

	return true, nil
}
