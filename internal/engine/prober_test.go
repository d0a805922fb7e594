package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbeJSON = `{
	"streams": [
		{
			"codec_type": "video",
			"codec_name": "h264",
			"width": 1920,
			"height": 1080,
			"r_frame_rate": "30000/1001"
		},
		{
			"codec_type": "audio",
			"codec_name": "aac"
		}
	],
	"format": {
		"duration": "30.500000",
		"size": "10485760",
		"bit_rate": "2750000"
	}
}`

func TestParseProbeOutput(t *testing.T) {
	info := parseProbeOutput([]byte(sampleProbeJSON))
	require.NoError(t, info.Err)

	assert.InDelta(t, 30.5, info.Duration, 1e-9)
	assert.Equal(t, int64(10485760), info.Size)
	assert.Equal(t, int64(2750000), info.Bitrate)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.Equal(t, "h264", info.Codec)
	assert.InDelta(t, 29.97, info.FPS, 0.01)
	assert.True(t, info.HasAudio)
}

func TestParseProbeOutputNoVideoStream(t *testing.T) {
	raw := `{
		"streams": [{"codec_type": "audio", "codec_name": "mp3"}],
		"format": {"duration": "12.0"}
	}`
	info := parseProbeOutput([]byte(raw))
	assert.ErrorIs(t, info.Err, ErrNotAVideo)
	assert.True(t, info.HasAudio)
}

func TestParseProbeOutputInvalidDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration string
	}{
		{"missing", ""},
		{"zero", "0"},
		{"negative", "-3"},
		{"garbage", "N/A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{
				"streams": [{"codec_type": "video", "codec_name": "h264", "width": 640, "height": 480}],
				"format": {"duration": "` + tt.duration + `"}
			}`
			info := parseProbeOutput([]byte(raw))
			assert.ErrorIs(t, info.Err, ErrInvalidDuration)
		})
	}
}

func TestParseProbeOutputMalformedJSON(t *testing.T) {
	info := parseProbeOutput([]byte("{not json"))
	assert.Error(t, info.Err)
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		rate string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997002997},
		{"25", 25},
		{"0/1", 0},
		{"0/0", 0},
		{"garbage", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseFrameRate(tt.rate), 1e-9)
		})
	}
}
