package pipeline_test

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/reforged/reforge/internal/job"
	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/pipeline"
	"github.com/reforged/reforge/internal/policy"
	"github.com/reforged/reforge/internal/sandbox"
	"github.com/reforged/reforge/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

func imageEnv(t *testing.T, inputName string, outputName string) *sandbox.Env {
	t.Helper()

	scratch := t.TempDir()
	return &sandbox.Env{
		InputPath:  filepath.Join(t.TempDir(), inputName),
		ScratchDir: scratch,
		OutputPath: filepath.Join(scratch, outputName),
	}
}

func newImageReconstructor(t *testing.T, record *media.MediaRecord, level policy.CdrLevel, maxPixels int64) pipeline.Reconstructor {
	t.Helper()

	plan, err := policy.PlanFor(record, level)
	require.NoError(t, err)
	require.Equal(t, policy.RouteImage, plan.Route)

	return pipeline.NewReconstructor(record, plan, nil, nil, pipeline.Config{MaxImagePixels: maxPixels})
}

func writePNG(t *testing.T, path string) {
	t.Helper()

	canvas := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			canvas.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), A: 0xFF})
		}
	}

	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()
	require.NoError(t, png.Encode(file, canvas))
}

func TestImageReconstructor_RebuildsPixelData(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Image, ContainerHint: "image/png"}
	reconstructor := newImageReconstructor(t, record, policy.Transcode, 1_000_000)

	env := imageEnv(t, "in.png", "out.png")
	writePNG(t, env.InputPath)
	record.SourcePath = env.InputPath

	require.NoError(t, reconstructor.Reconstruct(context.Background(), env))

	out, err := os.Open(env.OutputPath)
	require.NoError(t, err)
	defer out.Close()

	decoded, format, err := image.Decode(out)
	require.NoError(t, err, "output artifact must be decodable")
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 4, 4), decoded.Bounds())
}

func TestImageReconstructor_TranscodesToJPEG(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Image, ContainerHint: "image/jpeg"}
	reconstructor := newImageReconstructor(t, record, policy.Transcode, 1_000_000)

	env := imageEnv(t, "in.jpg", "out.jpg")
	canvas := image.NewRGBA(image.Rect(0, 0, 4, 4))
	file, err := os.Create(env.InputPath)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(file, canvas, &jpeg.Options{Quality: 75}))
	require.NoError(t, file.Close())

	require.NoError(t, reconstructor.Reconstruct(context.Background(), env))

	out, err := os.Open(env.OutputPath)
	require.NoError(t, err)
	defer out.Close()

	_, format, err := image.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

// pngWithClaimedSize writes a PNG whose IHDR claims the dimensions
// provided but carries no raster data. Decoding the header succeeds;
// decoding the image would not.
func pngWithClaimedSize(t *testing.T, path string, width uint32, height uint32) {
	t.Helper()

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA

	chunk := append([]byte("IHDR"), ihdr...)
	data := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0x00, 0x00, 0x00, 0x0D}
	data = append(data, chunk...)
	data = binary.BigEndian.AppendUint32(data, crc32.ChecksumIEEE(chunk))

	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// A decompression bomb must be rejected from the header alone, before
// any raster allocation happens.
func TestImageReconstructor_RejectsPixelBomb(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Image, ContainerHint: "image/png"}
	reconstructor := newImageReconstructor(t, record, policy.Transcode, 1_000_000)

	env := imageEnv(t, "bomb.png", "out.png")
	pngWithClaimedSize(t, env.InputPath, 100_000, 100_000)

	err := reconstructor.Reconstruct(context.Background(), env)

	var failure *job.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, job.ResourceExceeded, failure.Kind)
	assert.NoFileExists(t, env.OutputPath)
}

func TestImageReconstructor_RejectsNonImagePayload(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Image, ContainerHint: "image/png"}
	reconstructor := newImageReconstructor(t, record, policy.Transcode, 1_000_000)

	env := imageEnv(t, "fake.png", "out.png")
	require.NoError(t, os.WriteFile(env.InputPath, []byte("not an image at all"), 0o644))

	err := reconstructor.Reconstruct(context.Background(), env)

	var failure *job.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, job.DecodeError, failure.Kind)
}

func TestImageReconstructor_HonoursCancelledContext(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Image, ContainerHint: "image/png"}
	reconstructor := newImageReconstructor(t, record, policy.Transcode, 1_000_000)

	env := imageEnv(t, "in.png", "out.png")
	writePNG(t, env.InputPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, reconstructor.Reconstruct(ctx, env))
	assert.NoFileExists(t, env.OutputPath)
}
