package pipeline

import (
	"context"
	"errors"
	"strings"

	transcodeOptions "github.com/floostack/transcoder/ffmpeg"
	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"
)

// avReconstructor rebuilds video, audio and animated GIF inputs via a
// sandboxed ffmpeg run. All source metadata is dropped at the encode
// stage; subtitle and data streams never reach the output.
type avReconstructor struct {
	record         *media.MediaRecord
	plan           *policy.ReconstructionPlan
	runner         Runner
	ffprobeBinPath string
}

// inputProber is implemented by runners that perform the structural
// ffprobe read themselves, under their own isolation primitive (the
// host runner spawns a supervised subprocess).
type inputProber interface {
	Probe(ctx context.Context, env *sandbox.Env) (*ffmpeg.ProbeResult, error)
}

// sandboxExecer is implemented by runners that can execute an
// auxiliary tool from the sandbox image against the input, returning
// it's stdout (the container runner).
type sandboxExecer interface {
	Exec(ctx context.Context, env *sandbox.Env, entrypoint string, args []string) ([]byte, error)
}

func (rec *avReconstructor) Reconstruct(ctx context.Context, env *sandbox.Env) error {
	options := rec.buildOptions()

	if rec.plan.BurnIn {
		filter, err := rec.burnInFilter(ctx, env)
		if err != nil {
			return err
		}

		if filter != "" {
			options.VideoFilter = &filter
		}
	}

	if err := rec.runner.Run(ctx, env, options); err != nil {
		var failure *job.Failure
		if errors.As(err, &failure) {
			return failure
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return job.Failuref(job.DecodeError, "ffmpeg rebuild of '%s' failed: %s", env.InputPath, err)
	}

	return nil
}

// buildOptions translates the reconstruction plan in to concrete
// ffmpeg arguments. The resulting command never copies container
// metadata ('-map_metadata -1'), always drops subtitle and data
// streams, and restricts ffmpeg to local file/pipe protocols.
func (rec *avReconstructor) buildOptions() *transcodeOptions.Options {
	overwrite := true
	options := &transcodeOptions.Options{
		Overwrite: &overwrite,
		ExtraArgs: map[string]interface{}{
			"-map_metadata": "-1",
			// ExtraArgs renders each entry as a flag/value pair;
			// '-sn' and '-dn' are both bare flags, so pairing them
			// emits exactly '-sn -dn' (drop subtitle + data streams).
			"-sn": "-dn",
			// Source handler strings survive '-map_metadata -1'
			// under stream copy; clear them on every output stream.
			"-metadata:s": "handler_name=",
			// These options land after '-i', so on the host path the
			// whitelist only restricts the output side. Input-side
			// protocol enforcement is the container runner's job,
			// which places the whitelist ahead of '-i'.
			"-protocol_whitelist": "file,pipe",
		},
	}

	format := formatForContainer(rec.plan.Container)
	options.OutputFormat = &format

	switch rec.record.Kind {
	case media.Video, media.Image:
		// Image here means the GIF route; everything else lands on
		// the in-process image reconstructor.
		if rec.plan.VideoCodec != "" {
			codec := rec.plan.VideoCodec
			options.VideoCodec = &codec
		}
		if rec.plan.AudioCodec != "" && rec.plan.Container != "gif" {
			codec := rec.plan.AudioCodec
			options.AudioCodec = &codec
		}
		if rec.plan.Preset != "" {
			preset := rec.plan.Preset
			options.Preset = &preset
		}
		if rec.plan.Crf > 0 {
			crf := rec.plan.Crf
			options.Crf = &crf
		}
	case media.Audio:
		skipVideo := true
		options.SkipVideo = &skipVideo
		if rec.plan.AudioCodec != "" {
			codec := rec.plan.AudioCodec
			options.AudioCodec = &codec
		}
	}

	if rec.plan.AudioBitrate != "" {
		bitrate := rec.plan.AudioBitrate
		options.AudioBitrate = &bitrate
	}

	return options
}

// probeInput performs the structural ffprobe read of the untrusted
// input through the runner's own isolation primitive wherever the
// runner offers one; the fallback is a supervised host subprocess.
func (rec *avReconstructor) probeInput(ctx context.Context, env *sandbox.Env) (*ffmpeg.ProbeResult, error) {
	switch runner := rec.runner.(type) {
	case inputProber:
		return runner.Probe(ctx, env)
	case sandboxExecer:
		report, err := runner.Exec(ctx, env, "ffprobe", ffmpeg.ProbeArgs())
		if err != nil {
			return nil, err
		}

		return ffmpeg.ParseProbeReport(report)
	}

	return ffmpeg.Probe(ctx, rec.ffprobeBinPath, env.InputPath, env.Supervise)
}

// burnInFilter decides the subtitle burn-in filter for a Hardcore
// video rebuild. The input is probed for the *presence* of a subtitle
// stream; when one exists it's rendered on to the frame pixels via the
// subtitles filter (the stream itself is already dropped by '-sn').
// A probe failure is terminal: an input that cannot be structurally
// read must not be rebuilt on guesswork.
func (rec *avReconstructor) burnInFilter(ctx context.Context, env *sandbox.Env) (string, error) {
	probed, err := rec.probeInput(ctx, env)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", job.Failuref(job.DecodeError, "cannot probe '%s' for burn-in: %s", env.InputPath, err)
	}

	if !probed.HasStreamOfType("subtitle") {
		log.Debugf("No subtitle stream in '%s'; burn-in is a no-op\n", env.InputPath)
		return "", nil
	}

	return "subtitles=" + escapeFilterPath(env.InputPath), nil
}

func formatForContainer(container string) string {
	switch container {
	case "m4a":
		return "ipod"
	default:
		return container
	}
}

// escapeFilterPath escapes a path for use inside an ffmpeg filter
// argument, where ':', ''' and '\' are structural characters.
func escapeFilterPath(path string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`:`, `\:`,
		`'`, `\'`,
		`[`, `\[`,
		`]`, `\]`,
		`,`, `\,`,
	)

	return "'" + replacer.Replace(path) + "'"
}
