package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Static errors for pipeline compilation.
var (
	// ErrInvalidRequest marks recipe problems the client caused: unknown ops,
	// malformed payloads, concat with fewer than two inputs, empty sequences.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSourceInfo is returned when the source could not be probed and the
	// recipe needs timeline information.
	ErrSourceInfo = errors.New("source probe failed")
)

// OutputMode selects what the compiled invocation emits.
type OutputMode string

// Output modes.
const (
	ModeExport       OutputMode = "export"
	ModeExtractAudio OutputMode = "extract_audio"
	ModeGIF          OutputMode = "gif"
)

// DurationFunc resolves the duration of a secondary media input (background
// audio). It is a hook so compilation is testable without the engine.
type DurationFunc func(ctx context.Context, path string) (float64, error)

// Builder accumulates typed operations and compiles them into one engine
// argument vector. Methods return the receiver for chaining; compilation
// happens in Build.
type Builder struct {
	input string

	videoFormat  VideoFormat
	audioFormat  AudioFormat
	audioBitrate string

	trim      *TrimPayload
	texts     []TextSegment
	karaoke   []KaraokeText
	sequences []TextSequence
	speeds    []SpeedSegment
	watermark *WatermarkOverlay
	bgAudio   *AudioOverlay
	bgColor   *BackgroundColor
	transcode *TranscodeOptions
	gifOpts   *GifOptions
	platform  *ConvertToPlatformOptions
	concat    *ConcatPayload

	extractAudio bool

	// workDir hosts scratch directories for rendered subtitle files.
	workDir string
	// mediaDuration resolves background-audio length; nil disables the
	// audio-longer-than-video extension.
	mediaDuration DurationFunc
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithVideoFormat overrides the output container.
func WithVideoFormat(f VideoFormat) BuilderOption {
	return func(b *Builder) { b.videoFormat = f }
}

// WithAudioFormat overrides the audio extraction codec.
func WithAudioFormat(f AudioFormat) BuilderOption {
	return func(b *Builder) { b.audioFormat = f }
}

// WithAudioBitrate overrides the audio bitrate.
func WithAudioBitrate(bitrate string) BuilderOption {
	return func(b *Builder) { b.audioBitrate = bitrate }
}

// WithWorkDir sets the root for scratch subtitle directories.
func WithWorkDir(dir string) BuilderOption {
	return func(b *Builder) { b.workDir = dir }
}

// WithMediaDuration sets the duration resolver for secondary inputs.
func WithMediaDuration(fn DurationFunc) BuilderOption {
	return func(b *Builder) { b.mediaDuration = fn }
}

// NewBuilder creates a Builder for the given source input.
func NewBuilder(input string, opts ...BuilderOption) *Builder {
	b := &Builder{
		input:        input,
		videoFormat:  VideoFormatMatroska,
		audioFormat:  AudioFormatMP3,
		audioBitrate: "192k",
		workDir:      "",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input returns the source input the builder was created with.
func (b *Builder) Input() string { return b.input }

// AudioFormat returns the configured audio extraction format.
func (b *Builder) AudioFormat() AudioFormat { return b.audioFormat }

// AudioBitrate returns the configured audio bitrate.
func (b *Builder) AudioBitrate() string { return b.audioBitrate }

// VideoFormat returns the configured output container.
func (b *Builder) VideoFormat() VideoFormat { return b.videoFormat }

// GifRequested reports whether the builder compiles to a GIF.
func (b *Builder) GifRequested() bool { return b.gifOpts != nil }

// ExtractAudioRequested reports whether the recipe flipped the builder into
// audio extraction mode.
func (b *Builder) ExtractAudioRequested() bool { return b.extractAudio }

// Platform returns the delivery transmux options, or nil when the pipeline
// output is final.
func (b *Builder) Platform() *ConvertToPlatformOptions { return b.platform }

// Concat returns the static concat payload, or nil.
func (b *Builder) Concat() *ConcatPayload { return b.concat }

// Trim bounds the output to [start, end). endSec -1 means until the end of
// the source; duration, when non-nil, wins over endSec.
func (b *Builder) Trim(startSec, endSec int, duration *float64) *Builder {
	b.trim = &TrimPayload{StartSec: startSec, EndSec: endSec, Duration: duration}
	return b
}

// AddText appends text overlay segments.
func (b *Builder) AddText(segments ...TextSegment) *Builder {
	b.texts = append(b.texts, segments...)
	return b
}

// AddKaraokeText appends a karaoke sentence rendered as burned subtitles.
func (b *Builder) AddKaraokeText(k KaraokeText) *Builder {
	b.karaoke = append(b.karaoke, k)
	return b
}

// AddTextSequence appends a timed-text sequence rendered as burned subtitles.
func (b *Builder) AddTextSequence(seq TextSequence) *Builder {
	b.sequences = append(b.sequences, seq)
	return b
}

// SpeedControl appends speed segments.
func (b *Builder) SpeedControl(segments ...SpeedSegment) *Builder {
	b.speeds = append(b.speeds, segments...)
	return b
}

// Speed is shorthand for a single whole-timeline speed factor.
func (b *Builder) Speed(factor float64) *Builder {
	return b.SpeedControl(SpeedSegment{StartSec: 0, EndSec: -1, Speed: factor})
}

// AddWatermark sets the image watermark overlay.
func (b *Builder) AddWatermark(w WatermarkOverlay) *Builder {
	b.watermark = &w
	return b
}

// AddBackgroundAudio sets the background audio overlay.
func (b *Builder) AddBackgroundAudio(a AudioOverlay) *Builder {
	b.bgAudio = &a
	return b
}

// SetBackgroundColor sets the color canvas options.
func (b *Builder) SetBackgroundColor(c BackgroundColor) *Builder {
	b.bgColor = &c
	return b
}

// Transcode sets encoder flags for the output.
func (b *Builder) Transcode(opts TranscodeOptions) *Builder {
	b.transcode = &opts
	return b
}

// Compress is the size-targeted transcode shorthand.
func (b *Builder) Compress(p CompressPayload) *Builder {
	opts := defaultTranscode()
	opts.Preset = p.Preset
	opts.TargetSizeMB = p.TargetSizeMB
	opts.Scale = p.Scale
	b.transcode = &opts
	return b
}

// CreateGif switches the builder into GIF output.
func (b *Builder) CreateGif(opts GifOptions) *Builder {
	b.gifOpts = &opts
	return b
}

// ConvertToPlatform marks the pipeline output as an intermediate that the
// delivery transmuxer post-processes.
func (b *Builder) ConvertToPlatform(opts ConvertToPlatformOptions) *Builder {
	b.platform = &opts
	return b
}

// ExtractAudio flips the builder into audio extraction mode.
func (b *Builder) ExtractAudio() *Builder {
	b.extractAudio = true
	return b
}

// ConcatVideos sets up a static concatenation of at least two inputs. The
// concat path ignores other builder state; it is a stream copy driven by a
// manifest on stdin.
func (b *Builder) ConcatVideos(p ConcatPayload) *Builder {
	b.concat = &p
	return b
}

// Mode derives the output mode from accumulated state.
func (b *Builder) Mode() OutputMode {
	switch {
	case b.extractAudio:
		return ModeExtractAudio
	case b.gifOpts != nil:
		return ModeGIF
	default:
		return ModeExport
	}
}

// Invocation is a compiled engine run.
type Invocation struct {
	// Args is the full argument vector, excluding the engine binary itself.
	Args []string
	// Stdin, when non-nil, is written to the engine's standard input (the
	// concat manifest).
	Stdin []byte
	// SubtitleFiles lists rendered scratch files; the caller removes their
	// directory after the run.
	SubtitleFiles []string
	// ScratchDir is the unique directory holding SubtitleFiles, empty when
	// none were rendered.
	ScratchDir string
	// Intermediate is true when the output must be post-processed by the
	// delivery transmuxer.
	Intermediate bool
}

// Build compiles the accumulated state against the probed source info into a
// single engine invocation for the given mode.
func (b *Builder) Build(ctx context.Context, info SourceInfo, mode OutputMode) (*Invocation, error) {
	if b.concat != nil {
		return buildConcat(b.concat.InputPaths, string(b.videoFormat))
	}

	switch mode {
	case ModeGIF:
		return b.buildGif()
	case ModeExtractAudio:
		return b.buildExtractAudio(ctx, info)
	default:
		return b.buildExport(ctx, info)
	}
}

// SourceInfo is the subset of probe output the compiler needs.
type SourceInfo struct {
	Duration float64
	Width    int
	Height   int
	HasAudio bool
}

// hasFilters reports whether any filter-altering state is set.
func (b *Builder) hasFilters() bool {
	return b.trim != nil ||
		len(b.texts) > 0 ||
		len(b.karaoke) > 0 ||
		len(b.sequences) > 0 ||
		b.hasSpeedChange() ||
		b.watermark != nil ||
		b.bgAudio != nil ||
		b.bgColor != nil ||
		(b.transcode != nil && b.transcode.Scale != "")
}

// hasSpeedChange reports whether any speed segment changes the rate.
func (b *Builder) hasSpeedChange() bool {
	for _, s := range b.speeds {
		if s.Speed != 1.0 {
			return true
		}
	}
	return len(b.speeds) > 1
}

// resolveEndSec resolves an end marker: -1 means the source duration.
func resolveEndSec(end, duration float64) float64 {
	if end < 0 {
		return duration
	}
	return end
}

// effectiveWindow resolves the trim window against the source duration and
// reports whether a trim was explicitly requested.
func (b *Builder) effectiveWindow(info SourceInfo) (start, end float64, explicit bool) {
	if b.trim == nil {
		return 0, info.Duration, false
	}
	start = float64(b.trim.StartSec)
	if b.trim.Duration != nil {
		return start, start + *b.trim.Duration, true
	}
	return start, resolveEndSec(float64(b.trim.EndSec), info.Duration), true
}

// atempoChain emits the atempo filter chain for an arbitrary positive factor.
// atempo accepts [0.5, 2.0] per stage, so factors beyond that range chain
// full steps before the remainder.
func atempoChain(factor float64) (string, error) {
	if factor <= 0 {
		return "", fmt.Errorf("%w: speed factor must be positive, got %v", ErrInvalidRequest, factor)
	}
	var parts []string
	for factor > 2.0 {
		parts = append(parts, "atempo=2.0")
		factor /= 2.0
	}
	for factor < 0.5 {
		parts = append(parts, "atempo=0.5")
		factor /= 0.5
	}
	parts = append(parts, "atempo="+fmtFactor(factor))
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out, nil
}

// fmtTime formats a timeline value without a trailing fraction when integral.
func fmtTime(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// fmtFactor formats a rate factor, keeping one decimal for integral values so
// filter strings read as ratios (atempo=2.0, setpts=PTS/2.0).
func fmtFactor(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
