package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipkit/clipkit/internal/pipeline"
)

func TestBaseNameFromURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "plain path",
			url:  "https://cdn.example.com/media/demo.mp4",
			want: "demo",
		},
		{
			name: "presigned url with query",
			url:  "https://bucket.s3.amazonaws.com/clip.mp4?X-Amz-Signature=abc",
			want: "clip",
		},
		{
			name: "youtube watch url",
			url:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			want: "youtube_dQw4w9WgXcQ",
		},
		{
			name: "youtube short url",
			url:  "https://youtu.be/dQw4w9WgXcQ",
			want: "youtube_dQw4w9WgXcQ",
		},
		{
			name: "youtube url without id",
			url:  "https://www.youtube.com/feed",
			want: "youtube_video",
		},
		{
			name: "no path",
			url:  "https://example.com",
			want: "video",
		},
		{
			name: "no extension",
			url:  "https://example.com/media/clip",
			want: "clip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, baseNameFromURL(tt.url))
		})
	}
}

func TestDeriveOutputFilename(t *testing.T) {
	tests := []struct {
		name string
		url  string
		mode pipeline.OutputMode
		ext  string
		want string
	}{
		{
			name: "export mp4",
			url:  "https://cdn.example.com/demo.mp4",
			mode: pipeline.ModeExport,
			ext:  "mp4",
			want: "demo_output_uid-1_0.mp4",
		},
		{
			name: "extract audio",
			url:  "https://cdn.example.com/demo.mp4",
			mode: pipeline.ModeExtractAudio,
			ext:  "m4a",
			want: "demo_audio_uid-1_0.m4a",
		},
		{
			name: "gif",
			url:  "https://cdn.example.com/demo.mp4",
			mode: pipeline.ModeGIF,
			ext:  "gif",
			want: "demo_output_uid-1_0.gif",
		},
		{
			name: "unknown extension falls back to mp4",
			url:  "https://cdn.example.com/demo.mp4",
			mode: pipeline.ModeExport,
			ext:  "exe",
			want: "demo_output_uid-1_0.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveOutputFilename(tt.url, tt.mode, tt.ext, "uid-1", 0)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveOutputFilenameUsesVersion(t *testing.T) {
	got := deriveOutputFilename("https://cdn.example.com/demo.mp4", pipeline.ModeExport, "mp4", "abc", 3)
	assert.Equal(t, "demo_output_abc_3.mp4", got)
}
