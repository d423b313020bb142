package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ProbeResult is the decoded output of an ffprobe inspection. Only the
// fields the pipeline cares about are modelled; everything else in the
// ffprobe JSON is discarded.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

type ProbeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Tags       map[string]string `json:"tags"`
}

type ProbeStream struct {
	Index     int               `json:"index"`
	CodecType string            `json:"codec_type"`
	CodecName string            `json:"codec_name"`
	Tags      map[string]string `json:"tags"`
}

// HasStreamOfType reports whether any stream of the given codec type
// ("video", "audio", "subtitle", "data", "attachment") is present.
func (result *ProbeResult) HasStreamOfType(codecType string) bool {
	for _, stream := range result.Streams {
		if stream.CodecType == codecType {
			return true
		}
	}

	return false
}

// ProbeArgs are the ffprobe arguments for a structural JSON report,
// minus the binary and the path being probed. Shared with runners that
// execute the probe somewhere other than the host.
func ProbeArgs() []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
	}
}

// Probe runs ffprobe against the path provided and decodes it's JSON
// report. The probe itself is a subprocess bound by the callers
// context; it's PID is reported to onSpawn (if non-nil) so a probe of
// untrusted bytes runs under the same resource supervision as the
// rebuild itself.
func Probe(ctx context.Context, ffprobeBinPath string, path string, onSpawn func(pid int)) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, ffprobeBinPath, append(ProbeArgs(), path)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffprobe could not be started: %w", err)
	}

	if onSpawn != nil {
		onSpawn(cmd.Process.Pid)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("ffprobe rejected '%s': %s", path, firstLine(stderr.String()))
	}

	result, err := ParseProbeReport(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe report for '%s': %w", path, err)
	}

	return result, nil
}

// ParseProbeReport decodes a raw ffprobe JSON report.
func ParseProbeReport(report []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(report, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}

	return s
}
