// Package download fetches media from external video sources with yt-dlp,
// uploads the result to the primary bucket, and de-duplicates repeat requests
// through the downloads table.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
)

// Static errors for download operations.
var (
	// ErrSourceURLRequired is returned when no source URL is provided.
	ErrSourceURLRequired = errors.New("download: source URL is required")
	// ErrNoOutput is returned when the downloader produced no file.
	ErrNoOutput = errors.New("download: no output file produced")
)

// Downloader resolves an external video URL into a bucket object and returns
// its presigned GET URL.
type Downloader interface {
	Download(ctx context.Context, sourceURL string, opts pipeline.DownloadOptions) (filename, presignedURL string, err error)
}

// Index is the downloads-table subset used for de-duplication.
type Index interface {
	FindDownload(ctx context.Context, externalURL, quality, format string, audioOnly bool) (*store.Download, error)
	CreateDownload(ctx context.Context, d *store.Download) (int64, error)
}

// YTDLP downloads via the yt-dlp binary.
type YTDLP struct {
	binPath    string
	index      Index
	objects    storage.ObjectStore
	bucket     string
	presignTTL time.Duration
	workDir    string
	logger     *slog.Logger
}

// NewYTDLP creates a yt-dlp backed Downloader.
// If binPath is empty, it defaults to "yt-dlp" (found via PATH).
func NewYTDLP(binPath string, index Index, objects storage.ObjectStore, bucket string, presignTTL time.Duration, workDir string, logger *slog.Logger) *YTDLP {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{
		binPath:    binPath,
		index:      index,
		objects:    objects,
		bucket:     bucket,
		presignTTL: presignTTL,
		workDir:    workDir,
		logger:     logger,
	}
}

// Download fetches the source media, uploads it to the bucket, records the
// download for dedup, and returns the object name with a presigned GET URL.
// A prior download with the same (url, quality, format, audio_only) key is
// reused without fetching.
func (y *YTDLP) Download(ctx context.Context, sourceURL string, opts pipeline.DownloadOptions) (string, string, error) {
	if sourceURL == "" {
		return "", "", ErrSourceURLRequired
	}
	quality := opts.Quality
	if quality == "" {
		quality = "best"
	}

	if y.index != nil {
		existing, err := y.index.FindDownload(ctx, sourceURL, quality, opts.Format, opts.AudioOnly)
		if err != nil {
			y.logger.Warn("download dedup lookup failed, downloading anyway",
				slog.String("url", sourceURL),
				slog.String("error", err.Error()),
			)
		} else if existing != nil {
			url, err := y.objects.PresignGet(ctx, existing.Bucketname, existing.Filename, y.presignTTL)
			if err != nil {
				return "", "", fmt.Errorf("presign existing download: %w", err)
			}
			y.logger.Info("reusing existing download",
				slog.String("url", sourceURL),
				slog.String("filename", existing.Filename),
			)
			return existing.Filename, url, nil
		}
	}

	if y.workDir != "" {
		if err := os.MkdirAll(y.workDir, 0o750); err != nil {
			return "", "", fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(y.workDir, "download-")
	if err != nil {
		return "", "", fmt.Errorf("create download scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	args := []string{
		"--no-playlist",
		"-f", formatSelector(quality, opts.Format, opts.AudioOnly),
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
		sourceURL,
	}

	// #nosec G204 - binPath is set by the application; the URL is a positional argument
	cmd := exec.CommandContext(ctx, y.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", "", fmt.Errorf("download cancelled: %w", ctx.Err())
		}
		return "", "", fmt.Errorf("yt-dlp failed: %w, stderr: %s", err, stderr.String())
	}

	localPath, err := firstFile(dir)
	if err != nil {
		return "", "", err
	}
	filename := filepath.Base(localPath)

	f, err := os.Open(localPath) // #nosec G304 - path is inside our scratch dir
	if err != nil {
		return "", "", fmt.Errorf("open downloaded file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := y.objects.Put(ctx, y.bucket, filename, f); err != nil {
		return "", "", fmt.Errorf("upload download: %w", err)
	}

	if y.index != nil {
		remoteID := strings.TrimSuffix(filename, filepath.Ext(filename))
		if _, err := y.index.CreateDownload(ctx, &store.Download{
			ExternalURL: sourceURL,
			RemoteID:    remoteID,
			Filename:    filename,
			Bucketname:  y.bucket,
			Quality:     quality,
			Format:      opts.Format,
			AudioOnly:   opts.AudioOnly,
		}); err != nil {
			y.logger.Warn("failed to record download for dedup",
				slog.String("url", sourceURL),
				slog.String("error", err.Error()),
			)
		}
	}

	url, err := y.objects.PresignGet(ctx, y.bucket, filename, y.presignTTL)
	if err != nil {
		return "", "", fmt.Errorf("presign download: %w", err)
	}

	y.logger.Info("downloaded external media",
		slog.String("url", sourceURL),
		slog.String("filename", filename),
	)
	return filename, url, nil
}

// formatSelector maps the download options to a yt-dlp format selector.
func formatSelector(quality, format string, audioOnly bool) string {
	if audioOnly {
		return "bestaudio"
	}
	selector := "best"
	if q := strings.TrimSuffix(quality, "p"); q != quality {
		if height, err := strconv.Atoi(q); err == nil {
			selector = fmt.Sprintf("best[height<=%d]", height)
		}
	} else if quality != "" && quality != "best" {
		selector = quality
	}
	if format != "" {
		selector += "[ext=" + format + "]"
	}
	return selector
}

// firstFile returns the single file yt-dlp wrote into the scratch dir.
func firstFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read download dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", ErrNoOutput
}
