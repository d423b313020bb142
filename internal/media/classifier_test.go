package media_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.ERROR.Level())
}

// Minimal but valid content signatures. Only the magic number matters
// to classification; the bodies are padding.
var (
	pngPrefix  = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
	jpegPrefix = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 64)...)
	gifPrefix  = append([]byte("GIF89a"), make([]byte, 64)...)
	mp4Prefix  = append([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm'}, make([]byte, 64)...)
	// The FLAC signature includes the mandatory STREAMINFO block
	// header, not just the 'fLaC' marker.
	flacPrefix = append([]byte("fLaC\x00\x00\x00\x22"), make([]byte, 64)...)
)

func TestClassifyBytes_DetectsKindFromContent(t *testing.T) {
	tests := []struct {
		summary      string
		prefix       []byte
		expectedKind media.MediaKind
	}{
		{"png is an image", pngPrefix, media.Image},
		{"jpeg is an image", jpegPrefix, media.Image},
		{"gif is an image", gifPrefix, media.Image},
		{"mp4 is a video", mp4Prefix, media.Video},
		{"flac is audio", flacPrefix, media.Audio},
	}

	classifier := media.NewClassifier()
	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			record, err := classifier.ClassifyBytes(test.prefix)

			require.NoError(t, err)
			assert.Equal(t, test.expectedKind, record.Kind)
			assert.NotEmpty(t, record.ContainerHint)
		})
	}
}

func TestClassifyBytes_RejectsNonMediaContent(t *testing.T) {
	classifier := media.NewClassifier()

	_, err := classifier.ClassifyBytes([]byte("#!/bin/sh\necho hello\n"))
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)

	_, err = classifier.ClassifyBytes([]byte("%PDF-1.7 not a media file"))
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}

func TestClassifyBytes_RejectsTruncatedContent(t *testing.T) {
	classifier := media.NewClassifier()

	for _, prefix := range [][]byte{nil, {}, {0xFF}, {0xFF, 0xD8, 0xFF}} {
		_, err := classifier.ClassifyBytes(prefix)
		assert.ErrorIs(t, err, media.ErrTruncated)
	}
}

// TestClassify_IgnoresClaimedExtension ensures the detected kind comes
// from the content signature, with the filename playing no part.
func TestClassify_IgnoresClaimedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "definitely-a-movie.mp4")
	require.NoError(t, os.WriteFile(path, pngPrefix, 0o644))

	record, err := media.NewClassifier().Classify(path)

	require.NoError(t, err)
	assert.Equal(t, media.Image, record.Kind)
	assert.Equal(t, "image/png", record.ContainerHint)
	assert.Equal(t, path, record.SourcePath)
	assert.Equal(t, int64(len(pngPrefix)), record.Size)
}

func TestClassify_EmptyFileIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mkv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := media.NewClassifier().Classify(path)
	assert.ErrorIs(t, err, media.ErrTruncated)
}

func TestClassify_MissingFileErrors(t *testing.T) {
	_, err := media.NewClassifier().Classify(filepath.Join(t.TempDir(), "nope.mp4"))
	assert.Error(t, err)
}
