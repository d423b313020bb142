package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("FFmpeg")

type Config struct {
	FfmpegBinPath  string `yaml:"ffmpeg_binary_path" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_binary_path" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
}

// TranscodeCommand drives one ffmpeg invocation from an input path to
// an output path. The command runs under the context provided to Run;
// cancelling the context kills the underlying process.
type TranscodeCommand struct {
	inputPath  string
	outputPath string
	config     *Config
}

func NewCmd(input string, output string, config *Config) *TranscodeCommand {
	return &TranscodeCommand{input, output, config}
}

// Run starts the ffmpeg process and blocks until it finishes or the
// context is cancelled. The PID of the spawned process is reported to
// onSpawn (if non-nil) so callers can apply resource supervision to it.
func (cmd *TranscodeCommand) Run(ctx context.Context, options transcoder.Options, onSpawn func(pid int)) error {
	transcoderInstance := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   cmd.config.FfmpegBinPath,
			FfprobeBinPath:  cmd.config.FfprobeBinPath,
		}).
		Input(cmd.inputPath).
		Output(cmd.outputPath).
		WithContext(&ctx)

	progressChannel, err := transcoderInstance.Start(options)
	if err != nil {
		return parseFfmpegError(err)
	}

	if running := transcoderInstance.GetRunningCmdInstance(); running != nil && running.Process != nil && onSpawn != nil {
		onSpawn(running.Process.Pid)
	}

	for {
		prog, ok := <-progressChannel
		if !ok {
			return nil
		}

		log.Verbosef("Rebuild of %s at %.1f%% (frames=%s speed=%s)\n", cmd.inputPath, prog.GetProgress(), prog.GetFramesProcessed(), prog.GetSpeed())
	}
}

// parseFfmpegError tries to pick the relevant message out of the HUGE
// output log ffmpeg produces on failure. The error contains lots of
// information about how the binary was compiled; we just want the
// 'message' JSON encoded inside.
func parseFfmpegError(err error) error {
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if msg, ok := exception["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return fmt.Errorf("ffmpeg command failed: %s", groups[1])
}
