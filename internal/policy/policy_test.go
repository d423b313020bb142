package policy_test

import (
	"testing"

	"github.com/reforged/reforge/internal/media"
	"github.com/reforged/reforge/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw       string
		expected  policy.CdrLevel
		expectErr bool
	}{
		{"remux", policy.Remux, false},
		{"transcode", policy.Transcode, false},
		{"hardcore", policy.Hardcore, false},
		{"HARDCORE", policy.Hardcore, false},
		{"  transcode  ", policy.Transcode, false},
		{"", policy.Transcode, false},
		{"paranoid", policy.Transcode, true},
	}

	for _, test := range tests {
		level, err := policy.ParseLevel(test.raw)
		if test.expectErr {
			assert.Error(t, err, "raw %q", test.raw)
			continue
		}

		require.NoError(t, err, "raw %q", test.raw)
		assert.Equal(t, test.expected, level, "raw %q", test.raw)
	}
}

func TestPlanFor_Video(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Video, ContainerHint: "video/x-matroska"}

	t.Run("remux copies streams in to mp4", func(t *testing.T) {
		plan, err := policy.PlanFor(record, policy.Remux)

		require.NoError(t, err)
		assert.Equal(t, policy.RouteFfmpeg, plan.Route)
		assert.Equal(t, "mp4", plan.Container)
		assert.Equal(t, "copy", plan.VideoCodec)
		assert.Equal(t, "copy", plan.AudioCodec)
		assert.False(t, plan.BurnIn)
		assert.True(t, plan.DropSubtitles)
		assert.True(t, plan.StripMetadata)
	})

	t.Run("transcode re-encodes to the fixed target", func(t *testing.T) {
		plan, err := policy.PlanFor(record, policy.Transcode)

		require.NoError(t, err)
		assert.Equal(t, "mp4", plan.Container)
		assert.Equal(t, "libx264", plan.VideoCodec)
		assert.Equal(t, "aac", plan.AudioCodec)
		assert.Equal(t, uint32(21), plan.Crf)
		assert.False(t, plan.BurnIn)
		assert.False(t, plan.DegradedFromHardcore)
	})

	t.Run("hardcore additionally burns in subtitles", func(t *testing.T) {
		plan, err := policy.PlanFor(record, policy.Hardcore)

		require.NoError(t, err)
		assert.Equal(t, "libx264", plan.VideoCodec)
		assert.True(t, plan.BurnIn)
		assert.True(t, plan.DropSubtitles)
		assert.False(t, plan.DegradedFromHardcore)
	})
}

func TestPlanFor_Audio(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Audio, ContainerHint: "audio/mpeg"}

	plan, err := policy.PlanFor(record, policy.Transcode)
	require.NoError(t, err)
	assert.Equal(t, "aac", plan.AudioCodec)
	assert.Equal(t, "192k", plan.AudioBitrate)
	assert.False(t, plan.DegradedFromHardcore)

	// Audio has nothing to burn in; hardcore degrades to transcode
	// behaviour and the plan must say so explicitly.
	plan, err = policy.PlanFor(record, policy.Hardcore)
	require.NoError(t, err)
	assert.Equal(t, "aac", plan.AudioCodec)
	assert.True(t, plan.DegradedFromHardcore)
}

func TestPlanFor_AudioRemuxContainerFollowsCodecFamily(t *testing.T) {
	tests := []struct {
		summary           string
		containerHint     string
		expectedContainer string
		expectedCodec     string
	}{
		{"m4a sources stream copy in place", "audio/x-m4a", "m4a", "copy"},
		{"aac sources stream copy in to m4a", "audio/aac", "m4a", "copy"},
		{"mp3 sources stream copy in to mp3", "audio/mpeg", "mp3", "copy"},
		// The ipod muxer only carries AAC/ALAC; codecs with no safe
		// copy container are rebuilt even at the remux level.
		{"flac sources are rebuilt", "audio/flac", "m4a", "aac"},
		{"ogg sources are rebuilt", "audio/ogg", "m4a", "aac"},
		{"wav sources are rebuilt", "audio/x-wav", "m4a", "aac"},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			record := &media.MediaRecord{Kind: media.Audio, ContainerHint: test.containerHint}

			plan, err := policy.PlanFor(record, policy.Remux)
			require.NoError(t, err)
			assert.Equal(t, test.expectedContainer, plan.Container)
			assert.Equal(t, test.expectedCodec, plan.AudioCodec)
		})
	}
}

func TestPlanFor_Image(t *testing.T) {
	tests := []struct {
		summary           string
		containerHint     string
		level             policy.CdrLevel
		expectedRoute     policy.Route
		expectedContainer string
		expectedFormat    string
		expectDegraded    bool
	}{
		{"png stays png", "image/png", policy.Transcode, policy.RouteImage, "png", "png", false},
		{"jpeg stays jpeg", "image/jpeg", policy.Transcode, policy.RouteImage, "jpg", "jpeg", false},
		{"webp becomes png", "image/webp", policy.Transcode, policy.RouteImage, "png", "png", false},
		{"webp remux has no encoder, becomes png", "image/webp", policy.Remux, policy.RouteImage, "png", "png", false},
		{"bmp remux keeps family", "image/bmp", policy.Remux, policy.RouteImage, "bmp", "bmp", false},
		{"bmp transcode becomes png", "image/bmp", policy.Transcode, policy.RouteImage, "png", "png", false},
		{"hardcore image degrades explicitly", "image/png", policy.Hardcore, policy.RouteImage, "png", "png", true},
		{"gif routes through ffmpeg", "image/gif", policy.Transcode, policy.RouteFfmpeg, "gif", "", false},
		{"hardcore gif degrades explicitly", "image/gif", policy.Hardcore, policy.RouteFfmpeg, "gif", "", true},
	}

	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			record := &media.MediaRecord{Kind: media.Image, ContainerHint: test.containerHint}
			plan, err := policy.PlanFor(record, test.level)

			require.NoError(t, err)
			assert.Equal(t, test.expectedRoute, plan.Route)
			assert.Equal(t, test.expectedContainer, plan.Container)
			assert.Equal(t, test.expectedFormat, plan.ImageFormat)
			assert.Equal(t, test.expectDegraded, plan.DegradedFromHardcore)
			assert.True(t, plan.StripMetadata)
		})
	}
}

func TestPlanFor_IsDeterministic(t *testing.T) {
	record := &media.MediaRecord{Kind: media.Video, ContainerHint: "video/mp4"}

	first, err := policy.PlanFor(record, policy.Hardcore)
	require.NoError(t, err)
	second, err := policy.PlanFor(record, policy.Hardcore)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlanFor_RejectsUnplannableInputs(t *testing.T) {
	_, err := policy.PlanFor(&media.MediaRecord{Kind: media.Unknown}, policy.Transcode)
	assert.ErrorIs(t, err, policy.ErrUnsupportedLevel)

	_, err = policy.PlanFor(&media.MediaRecord{Kind: media.Video}, policy.CdrLevel(99))
	assert.ErrorIs(t, err, policy.ErrUnsupportedLevel)
}
