package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reforged/reforge/internal/media"
)

// ErrUnsupportedLevel indicates that no reconstruction plan is defined
// for the requested (kind, level) combination.
var ErrUnsupportedLevel = errors.New("no reconstruction plan defined for this kind and level")

// CdrLevel is the requested content-disarm-and-reconstruction tier.
// Higher levels trade throughput for a smaller residual attack surface.
type CdrLevel int

const (
	// Remux repackages the existing streams in to a safe, well-known
	// container without re-encoding the underlying samples. Fastest,
	// lowest protection.
	Remux CdrLevel = iota

	// Transcode fully decodes the input and re-encodes it in to a
	// fixed safe codec/container pair. The default.
	Transcode

	// Hardcore behaves as Transcode, but additionally burns any
	// subtitle/overlay track in to the video pixel data and drops the
	// original stream, removing a scripting attack surface.
	Hardcore
)

func (level CdrLevel) String() string {
	switch level {
	case Remux:
		return "Remux"
	case Transcode:
		return "Transcode"
	case Hardcore:
		return "Hardcore"
	}

	return fmt.Sprintf("CdrLevel[%d]", level)
}

// ParseLevel resolves a configuration string to a CdrLevel. An empty
// string selects the default (Transcode).
func ParseLevel(raw string) (CdrLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "transcode":
		return Transcode, nil
	case "remux":
		return Remux, nil
	case "hardcore":
		return Hardcore, nil
	}

	return Transcode, fmt.Errorf("unrecognized CDR level '%s' (want remux, transcode or hardcore)", raw)
}

// Route selects which reconstruction pipeline executes a plan.
type Route int

const (
	// RouteFfmpeg rebuilds the file via a sandboxed ffmpeg subprocess.
	// Used for video, audio and animated-capable formats (GIF).
	RouteFfmpeg Route = iota

	// RouteImage rebuilds the file in-process by decoding the raster
	// data and re-encoding it, discarding everything else.
	RouteImage
)

// ReconstructionPlan is the concrete, immutable output of the policy
// engine for one (MediaRecord, CdrLevel) pairing. It is consumed
// exactly once, by the sandboxed executor.
type ReconstructionPlan struct {
	Level CdrLevel
	Kind  media.MediaKind
	Route Route

	// Container is the target container/format expressed as the
	// output file extension ("mp4", "m4a", "png", ...).
	Container string

	// Ffmpeg targets. VideoCodec/AudioCodec of "copy" indicate a
	// remux of the existing stream.
	VideoCodec   string
	AudioCodec   string
	Preset       string
	Crf          uint32
	AudioBitrate string

	// Image targets.
	ImageFormat  string
	ImageQuality int

	// BurnIn requests compositing of any subtitle/overlay stream on
	// to the frame pixels before encoding. DropSubtitles requests the
	// original subtitle and data streams be excluded from the output;
	// this is true for every plan as no level preserves them.
	BurnIn        bool
	DropSubtitles bool

	// DegradedFromHardcore records that Hardcore was requested for a
	// kind with no subtitle concept, and the plan explicitly fell
	// back to Transcode behaviour.
	DegradedFromHardcore bool

	// StripMetadata is unconditionally true; no policy preserves
	// source metadata.
	StripMetadata bool
}

func (plan *ReconstructionPlan) String() string {
	return fmt.Sprintf("Plan{level=%s kind=%s container=%s burnIn=%t}", plan.Level, plan.Kind, plan.Container, plan.BurnIn)
}

// Fixed encode targets. These are the policy engine's lookup constants;
// every rebuilt file lands on one of these regardless of source codec.
const (
	targetVideoCodec   = "libx264"
	targetVideoPreset  = "fast"
	targetVideoCrf     = uint32(21)
	targetAudioCodec   = "aac"
	targetAudioBitrate = "192k"
	jpegQuality        = 90
)

// PlanFor maps a classified media record and a requested CDR level to
// a concrete reconstruction plan. The mapping is a pure lookup; the
// same inputs always yield the same plan. ErrUnsupportedLevel is
// returned when the combination has no defined plan.
func PlanFor(record *media.MediaRecord, level CdrLevel) (*ReconstructionPlan, error) {
	if level < Remux || level > Hardcore {
		return nil, fmt.Errorf("%w: level %d out of range", ErrUnsupportedLevel, level)
	}

	switch record.Kind {
	case media.Video:
		return videoPlan(level), nil
	case media.Image:
		return imagePlan(record, level), nil
	case media.Audio:
		return audioPlan(record, level), nil
	}

	return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedLevel, record.Kind)
}

func videoPlan(level CdrLevel) *ReconstructionPlan {
	plan := &ReconstructionPlan{
		Level:         level,
		Kind:          media.Video,
		Route:         RouteFfmpeg,
		Container:     "mp4",
		VideoCodec:    targetVideoCodec,
		AudioCodec:    targetAudioCodec,
		Preset:        targetVideoPreset,
		Crf:           targetVideoCrf,
		AudioBitrate:  targetAudioBitrate,
		DropSubtitles: true,
		StripMetadata: true,
	}

	switch level {
	case Remux:
		plan.VideoCodec = "copy"
		plan.AudioCodec = "copy"
		plan.Preset = ""
		plan.Crf = 0
		plan.AudioBitrate = ""
	case Hardcore:
		plan.BurnIn = true
	}

	return plan
}

func audioPlan(record *media.MediaRecord, level CdrLevel) *ReconstructionPlan {
	plan := &ReconstructionPlan{
		Level:         level,
		Kind:          media.Audio,
		Route:         RouteFfmpeg,
		Container:     "m4a",
		AudioCodec:    targetAudioCodec,
		AudioBitrate:  targetAudioBitrate,
		DropSubtitles: true,
		StripMetadata: true,
	}

	// Stream copy is only offered where a verified output container
	// can carry the source codec family: the ipod muxer rejects
	// anything that is not AAC/ALAC. Sources outside the families
	// below (flac, ogg, wav) are rebuilt to the fixed target even at
	// the Remux level.
	if level == Remux {
		switch record.ContainerHint {
		case "audio/mp4", "audio/x-m4a", "audio/aac":
			plan.AudioCodec = "copy"
			plan.AudioBitrate = ""
		case "audio/mpeg":
			plan.Container = "mp3"
			plan.AudioCodec = "copy"
			plan.AudioBitrate = ""
		}
	}

	// Audio has no subtitle concept to burn in. The degrade to
	// Transcode behaviour is recorded explicitly, never implied.
	if level == Hardcore {
		plan.DegradedFromHardcore = true
	}

	return plan
}

func imagePlan(record *media.MediaRecord, level CdrLevel) *ReconstructionPlan {
	plan := &ReconstructionPlan{
		Level:         level,
		Kind:          media.Image,
		Route:         RouteImage,
		DropSubtitles: true,
		StripMetadata: true,
	}

	// GIFs are routed through ffmpeg so that animation survives the
	// rebuild; the in-process image route would flatten it to the
	// first frame.
	if record.ContainerHint == "image/gif" {
		plan.Route = RouteFfmpeg
		plan.Container = "gif"
		plan.VideoCodec = "gif"
		if level == Hardcore {
			plan.DegradedFromHardcore = true
		}
		return plan
	}

	plan.ImageFormat, plan.ImageQuality = imageTarget(record.ContainerHint, level)
	plan.Container = plan.ImageFormat
	if plan.ImageFormat == "jpeg" {
		plan.Container = "jpg"
	}

	if level == Hardcore {
		plan.DegradedFromHardcore = true
	}

	return plan
}

// imageTarget picks the fixed target image codec. Remux (which for a
// raster image still means a full decode/encode, as there is no stream
// to copy) keeps the source format family where an encoder exists;
// Transcode and Hardcore force the canonical pair: JPEG sources stay
// JPEG to avoid size blowup, everything else becomes PNG.
func imageTarget(containerHint string, level CdrLevel) (format string, quality int) {
	if level == Remux {
		switch containerHint {
		case "image/jpeg":
			return "jpeg", jpegQuality
		case "image/png":
			return "png", 0
		case "image/bmp":
			return "bmp", 0
		case "image/tiff":
			return "tiff", 0
		}

		// No safe encoder for the source family (e.g. webp); fall
		// through to the canonical target.
	}

	if containerHint == "image/jpeg" {
		return "jpeg", jpegQuality
	}

	return "png", 0
}
