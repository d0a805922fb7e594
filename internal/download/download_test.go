package download

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
)

func TestFormatSelector(t *testing.T) {
	tests := []struct {
		name      string
		quality   string
		format    string
		audioOnly bool
		want      string
	}{
		{"defaults", "best", "", false, "best"},
		{"audio only wins", "1080p", "mp4", true, "bestaudio"},
		{"height bound", "720p", "", false, "best[height<=720]"},
		{"height bound with format", "1080p", "mp4", false, "best[height<=1080][ext=mp4]"},
		{"format filter", "best", "webm", false, "best[ext=webm]"},
		{"raw selector passthrough", "worst", "", false, "worst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSelector(tt.quality, tt.format, tt.audioOnly))
		})
	}
}

// fakeIndex is an in-memory downloads table.
type fakeIndex struct {
	existing *store.Download
	created  []*store.Download
}

func (f *fakeIndex) FindDownload(_ context.Context, _, _, _ string, _ bool) (*store.Download, error) {
	return f.existing, nil
}

func (f *fakeIndex) CreateDownload(_ context.Context, d *store.Download) (int64, error) {
	f.created = append(f.created, d)
	return int64(len(f.created)), nil
}

func TestDownloadReusesExistingRecord(t *testing.T) {
	index := &fakeIndex{existing: &store.Download{
		Filename:   "abc123.mp4",
		Bucketname: "primary",
	}}
	objects := storage.NewMemoryStore()
	dl := NewYTDLP("yt-dlp-not-installed", index, objects, "primary", 0, t.TempDir(), nil)

	filename, url, err := dl.Download(context.Background(), "https://youtu.be/abc123", pipeline.DownloadOptions{Quality: "best"})
	require.NoError(t, err)
	assert.Equal(t, "abc123.mp4", filename)
	assert.Equal(t, "memory://primary/abc123.mp4", url)
	assert.Empty(t, index.created)
}

func TestDownloadRequiresSourceURL(t *testing.T) {
	dl := NewYTDLP("", nil, storage.NewMemoryStore(), "primary", 0, t.TempDir(), nil)
	_, _, err := dl.Download(context.Background(), "", pipeline.DownloadOptions{})
	assert.ErrorIs(t, err, ErrSourceURLRequired)
}

func TestDownloadSurfacesBinaryFailure(t *testing.T) {
	// "false" exits 1 immediately, standing in for a failing yt-dlp.
	dl := NewYTDLP("false", &fakeIndex{}, storage.NewMemoryStore(), "primary", 0, t.TempDir(), nil)
	_, _, err := dl.Download(context.Background(), "https://youtu.be/abc123", pipeline.DownloadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yt-dlp failed")
}
