package internal

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/reforged/reforge/internal/batch"
	"github.com/reforged/reforge/internal/event"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/pipeline"
	"github.com/reforged/reforge/internal/sandbox"
	"github.com/reforged/reforge/internal/strip"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Core")

const processingLogName = "processing_log.json"

const (
	isolationProcess   = "process"
	isolationContainer = "container"
)

// Reforge represents the top-level object for a batch run, and is
// responsible for wiring the classifier, policy, sandboxed executor,
// reconstruction runner and result aggregation together.
type reforgeImpl struct {
	config   ReforgeConfig
	eventBus event.EventCoordinator
}

func New(config ReforgeConfig) *reforgeImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Reforge using config: %#v\n", config)

	eventBus := event.New()
	batch.NewProgressObserver(eventBus)

	return &reforgeImpl{
		config:   config,
		eventBus: eventBus,
	}
}

func (reforge *reforgeImpl) EventBus() event.EventCoordinator { return reforge.eventBus }

// Run performs one batch over the configured input directory and
// returns its summary. The context bounds the entire run; cancelling
// it fails any jobs still outstanding. A non-nil error indicates the
// environment could not be brought up at all, which is distinct from
// a summary containing failed jobs.
func (reforge *reforgeImpl) Run(ctx context.Context) (*batch.Summary, error) {
	config := reforge.config

	executor, err := sandbox.NewExecutor(config.Sandbox, config.Batch.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to construct sandbox executor: %w", err)
	}

	runner, err := reforge.constructRunner()
	if err != nil {
		return nil, err
	}

	aggregator, err := batch.NewAggregator(filepath.Join(config.Batch.OutputDir, processingLogName), reforge.eventBus)
	if err != nil {
		return nil, err
	}
	defer aggregator.Close()

	service, err := batch.New(
		config.Batch,
		executor,
		runner,
		strip.New(config.Ffmpeg.FfprobeBinPath),
		&config.Ffmpeg,
		config.Pipeline,
		aggregator,
		reforge.eventBus,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct batch service: %w", err)
	}

	log.Emit(logger.NEW, "Sanitizing %s -> %s (level %s, isolation %s)\n",
		config.Batch.InputDir, config.Batch.OutputDir, config.Batch.Level, config.Sandbox.Isolation)

	summary, err := service.Run(ctx)
	if err != nil {
		return nil, err
	}

	log.Emit(logger.SUCCESS, "Batch %s complete: %d succeeded, %d failed, %d skipped\n",
		summary.BatchID, summary.Succeeded, summary.Failed, len(summary.Skipped))
	return summary, nil
}

// constructRunner selects the isolation primitive used to execute
// ffmpeg reconstructions.
func (reforge *reforgeImpl) constructRunner() (pipeline.Runner, error) {
	switch reforge.config.Sandbox.Isolation {
	case isolationProcess, "":
		return ffmpeg.NewHostRunner(&reforge.config.Ffmpeg), nil
	case isolationContainer:
		runner, err := sandbox.NewContainerRunner(reforge.config.Sandbox.ContainerImage)
		if err != nil {
			return nil, fmt.Errorf("failed to construct container runner: %w", err)
		}

		return runner, nil
	default:
		return nil, fmt.Errorf("unknown sandbox isolation mode '%s'", reforge.config.Sandbox.Isolation)
	}
}
