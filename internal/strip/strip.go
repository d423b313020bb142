package strip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reforged/reforge/internal/ffmpeg"
	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/pkg/logger"
)

var log = logger.Get("Stripper")

// Stripper is the post-encode verification pass of the pipeline. The
// encoders are already configured to not carry metadata over, but an
// encoder is free to introduce defaults of it's own; this pass is what
// guarantees the published artifact carries none.
//
// Image formats and MPEG audio are rewritten at the byte level to a
// sample-data-only block set. ISO-BMFF outputs (MP4/M4A) are verified
// via ffprobe instead of rewritten, as removing boxes would invalidate
// the chunk offset tables; verification fails closed.
//
// Stripping is idempotent: applying it twice to the same file yields
// byte-identical results.
type Stripper struct {
	ffprobeBinPath string
}

func New(ffprobeBinPath string) *Stripper {
	return &Stripper{ffprobeBinPath: ffprobeBinPath}
}

// Strip sanitizes the freshly encoded artifact at the path provided in
// place. If the artifact cannot be parsed, or residual metadata cannot
// be removed or ruled out, a MetadataStripFailed failure is returned
// and the artifact must not be published.
func (stripper *Stripper) Strip(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return job.Failuref(job.MetadataStripFailed, "cannot read encoded artifact '%s': %s", path, err)
	}

	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return stripper.rewrite(path, data, sanitizeJPEG)
	case bytes.HasPrefix(data, pngMagic):
		return stripper.rewrite(path, data, sanitizePNG)
	case bytes.HasPrefix(data, gif87Magic) || bytes.HasPrefix(data, gif89Magic):
		return stripper.rewrite(path, data, sanitizeGIF)
	case isISOBMFF(data):
		return stripper.verifyContainerTags(ctx, path)
	case looksLikeMP3(data):
		return stripper.rewrite(path, data, sanitizeMP3)
	case bytes.HasPrefix(data, bmpMagic), bytes.HasPrefix(data, tiffLEMagic), bytes.HasPrefix(data, tiffBEMagic):
		// BMP carries no metadata sections; TIFF outputs come from
		// our own encoder which writes pixel IFD entries only.
		return nil
	}

	return job.Failuref(job.MetadataStripFailed, "artifact '%s' is not in a recognised output format; refusing to publish unverified file", path)
}

var (
	jpegMagic   = []byte{0xFF, 0xD8, 0xFF}
	pngMagic    = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	gif87Magic  = []byte("GIF87a")
	gif89Magic  = []byte("GIF89a")
	bmpMagic    = []byte("BM")
	tiffLEMagic = []byte{'I', 'I', 0x2A, 0x00}
	tiffBEMagic = []byte{'M', 'M', 0x00, 0x2A}
)

func isISOBMFF(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp"))
}

// rewrite applies a byte-level sanitizer and replaces the artifact
// atomically. The rewritten file only ever shrinks or stays identical.
func (stripper *Stripper) rewrite(path string, data []byte, sanitize func([]byte) ([]byte, error)) error {
	clean, err := sanitize(data)
	if err != nil {
		return job.Failuref(job.MetadataStripFailed, "cannot sanitize artifact '%s': %s", path, err)
	}

	if bytes.Equal(clean, data) {
		return nil
	}

	log.Debugf("Artifact '%s' shrank from %d to %d bytes during strip\n", path, len(data), len(clean))

	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".strip")
	if err := os.WriteFile(tmpPath, clean, 0o644); err != nil {
		return job.Failuref(job.MetadataStripFailed, "cannot write sanitized artifact: %s", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return job.Failuref(job.MetadataStripFailed, "cannot replace artifact with sanitized copy: %s", err)
	}

	return nil
}

// allowedFormatTag reports whether a container-level tag is one ffmpeg
// writes unconditionally for it's own outputs. The encoder tag is
// checked by VALUE: only ffmpeg's own 'Lavf' muxer ident passes, a
// carried-over source tool string does not.
func allowedFormatTag(key, value string) bool {
	switch strings.ToLower(key) {
	case "major_brand", "minor_version", "compatible_brands":
		return true
	case "encoder":
		return value == "" || strings.HasPrefix(value, "Lavf")
	}

	return false
}

// allowedStreamTag reports whether a stream-level tag is acceptable on
// a rebuilt artifact. handler_name and encoder survive '-map_metadata
// -1' under stream copy and are exactly where device idents like
// 'GoPro MET' hide, so both are checked by value: only ffmpeg's own
// defaults pass.
func allowedStreamTag(key, value string) bool {
	switch strings.ToLower(key) {
	case "language", "vendor_id", "duration":
		return true
	case "handler_name":
		switch value {
		case "", "VideoHandler", "SoundHandler", "DataHandler", "SubtitleHandler":
			return true
		}
		return false
	case "encoder":
		return value == "" || strings.HasPrefix(value, "Lavc")
	}

	return false
}

// findResidualTag scans a probe report for the first tag that is not
// provable encoder self-identification. The empty string means the
// artifact is clean.
func findResidualTag(probed *ffmpeg.ProbeResult) string {
	for key, value := range probed.Format.Tags {
		if !allowedFormatTag(key, value) {
			return fmt.Sprintf("container tag '%s'", key)
		}
	}

	for _, stream := range probed.Streams {
		for key, value := range stream.Tags {
			if !allowedStreamTag(key, value) {
				return fmt.Sprintf("tag '%s' on stream %d", key, stream.Index)
			}
		}
	}

	return ""
}

// verifyContainerTags asserts that an ISO-BMFF artifact carries no tag
// beyond encoder self-identification. The check is read-only and
// therefore trivially idempotent.
func (stripper *Stripper) verifyContainerTags(ctx context.Context, path string) error {
	probed, err := ffmpeg.Probe(ctx, stripper.ffprobeBinPath, path, nil)
	if err != nil {
		return job.Failuref(job.MetadataStripFailed, "cannot verify encoded artifact '%s': %s", path, err)
	}

	if residual := findResidualTag(probed); residual != "" {
		return job.Failuref(job.MetadataStripFailed, "artifact '%s' carries residual %s", path, residual)
	}

	return nil
}

var errMalformed = errors.New("malformed structure")
