package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/reforged/reforge/internal"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Main")

// main is the entry point to the program. It loads the users Reforge
// configuration, runs a single sanitization batch over the input
// directory, and prints the machine-readable summary to stdout.
//
// Exit codes: 0 when every file sanitized successfully, 1 when one or
// more files failed, 2 when the run could not start at all.
func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "reforge.yaml", "path to the YAML configuration file")
	inputDir := flag.String("input", "", "override for the input directory")
	outputDir := flag.String("output", "", "override for the output directory")
	level := flag.String("level", "", "override for the CDR level (remux|transcode|hardcore)")
	flag.Parse()

	config := internal.ReforgeConfig{}
	if err := config.Load(*configPath); err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		return 2
	}

	if *inputDir != "" {
		config.Batch.InputDir = *inputDir
	}
	if *outputDir != "" {
		config.Batch.OutputDir = *outputDir
	}
	if *level != "" {
		config.Batch.Level = *level
	}

	logger.SetMinLoggingLevel(config.LogMinLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := internal.New(config).Run(ctx)
	if err != nil {
		log.Emit(logger.FATAL, "Reforge failed to run: %v\n", err)
		return 2
	}

	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Emit(logger.FATAL, "Failed to encode batch summary: %v\n", err)
		return 2
	}

	fmt.Println(string(payload))
	return summary.ExitCode()
}
