package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultTransmuxTimeout bounds one delivery transmux run.
const DefaultTransmuxTimeout = 60 * time.Minute

// Transmuxer post-processes the streamable pipeline intermediate into the
// delivery container with a seekable header.
type Transmuxer struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	workDir    string
	timeout    time.Duration
}

// NewTransmuxer creates a Transmuxer writing scratch files under workDir.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewTransmuxer(ffmpegPath, workDir string) *Transmuxer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transmuxer{ffmpegPath: ffmpegPath, workDir: workDir, timeout: DefaultTransmuxTimeout}
}

// Transmux writes the gathered intermediate bytes to a scratch file, runs the
// engine to produce a faststart mp4, and returns the delivery bytes. The
// scratch directory is removed on every exit path.
func (t *Transmuxer) Transmux(ctx context.Context, intermediate []byte, opts ConvertToPlatformOptions) ([]byte, error) {
	if t.workDir != "" {
		if err := os.MkdirAll(t.workDir, 0o750); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(t.workDir, "transmux-")
	if err != nil {
		return nil, fmt.Errorf("create transmux scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inPath := filepath.Join(dir, "intermediate.mkv")
	outPath := filepath.Join(dir, "delivery.mp4")
	if err := os.WriteFile(inPath, intermediate, 0o600); err != nil {
		return nil, fmt.Errorf("write intermediate file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	args := t.buildArgs(inPath, outPath, opts)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transmux cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("transmux failed: %w, stderr: %s", err, stderr.String())
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read delivery file: %w", err)
	}
	return out, nil
}

// buildArgs assembles the delivery encoding arguments.
func (t *Transmuxer) buildArgs(inPath, outPath string, opts ConvertToPlatformOptions) []string {
	args := []string{
		"-y",
		"-i", inPath,
		"-c:v", opts.Codec,
		"-preset", opts.Preset,
		"-crf", fmt.Sprintf("%d", opts.CRF),
		"-c:a", opts.AudioCodec,
	}
	if opts.AudioBitrate != "" {
		args = append(args, "-b:a", opts.AudioBitrate)
	}
	if opts.Scale != "" {
		args = append(args, "-vf", "scale="+opts.Scale)
	}
	args = append(args, "-movflags", "+faststart", "-f", "mp4", outPath)
	return args
}
