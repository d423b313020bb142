package pipeline

import (
	"context"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"

	// Extend decode support to WebP; imaging itself registers the
	// JPEG, PNG, GIF, TIFF and BMP codecs.
	_ "golang.org/x/image/webp"
)

// imageReconstructor rebuilds raster images entirely in-process: the
// pixel data is decoded on to a fresh canvas and re-encoded in to the
// plans target codec. Ancillary chunks, EXIF blocks, trailing bytes
// and anything else that is not pixel data simply never crosses over.
type imageReconstructor struct {
	record    *media.MediaRecord
	plan      *policy.ReconstructionPlan
	maxPixels int64
}

func (rec *imageReconstructor) Reconstruct(ctx context.Context, env *sandbox.Env) error {
	file, err := os.Open(env.InputPath)
	if err != nil {
		return job.Failuref(job.DecodeError, "cannot open '%s' for decode: %s", env.InputPath, err)
	}
	defer file.Close()

	// Read only the header first: a decompression bomb must be
	// rejected before any raster allocation happens.
	config, _, err := image.DecodeConfig(file)
	if err != nil {
		return job.Failuref(job.DecodeError, "content of '%s' is not decodable as an image: %s", env.InputPath, err)
	}

	if pixels := int64(config.Width) * int64(config.Height); pixels > rec.maxPixels {
		return job.Failuref(job.ResourceExceeded, "image dimensions %dx%d (%d pixels) exceed the %d pixel bound", config.Width, config.Height, pixels, rec.maxPixels)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := file.Seek(0, 0); err != nil {
		return job.Failuref(job.InternalInvariantViolation, "failed to rewind '%s' for full decode: %s", env.InputPath, err)
	}

	decoded, err := imaging.Decode(file)
	if err != nil {
		return job.Failuref(job.DecodeError, "failed to decode raster data of '%s': %s", env.InputPath, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Clone on to a fresh canvas so the encoder only ever sees our
	// own pixel buffer, never any structure from the hostile input.
	clean := imaging.Clone(decoded)

	format, err := encodeFormat(rec.plan.ImageFormat)
	if err != nil {
		return err
	}

	out, err := os.Create(env.OutputPath)
	if err != nil {
		return job.Failuref(job.InternalInvariantViolation, "failed to create output artifact: %s", err)
	}
	defer out.Close()

	var encodeOptions []imaging.EncodeOption
	if rec.plan.ImageQuality > 0 {
		encodeOptions = append(encodeOptions, imaging.JPEGQuality(rec.plan.ImageQuality))
	}

	if err := imaging.Encode(out, clean, format, encodeOptions...); err != nil {
		return job.Failuref(job.EncodeError, "target encoder rejected decoded raster data: %s", err)
	}

	return nil
}

func encodeFormat(name string) (imaging.Format, error) {
	switch name {
	case "jpeg":
		return imaging.JPEG, nil
	case "png":
		return imaging.PNG, nil
	case "bmp":
		return imaging.BMP, nil
	case "tiff":
		return imaging.TIFF, nil
	case "gif":
		return imaging.GIF, nil
	}

	return imaging.PNG, job.Failuref(job.EncodeError, "no encoder available for image format '%s'", name)
}
