// Package pipeline compiles typed edit operations into a single invocation of
// the media engine: input list, filter-complex graph, map/codec/container
// flags, and rendered subtitle files for karaoke and timed text.
package pipeline

import "encoding/json"

// WatermarkPosition names a fixed overlay position expression.
type WatermarkPosition string

// Watermark positions. The safe variants keep clear of platform UI chrome on
// vertical video.
const (
	PositionTopLeft      WatermarkPosition = "TOP_LEFT"
	PositionTopCenter    WatermarkPosition = "TOP_CENTER"
	PositionTopRight     WatermarkPosition = "TOP_RIGHT"
	PositionMiddleLeft   WatermarkPosition = "MIDDLE_LEFT"
	PositionCenter       WatermarkPosition = "CENTER"
	PositionMiddleRight  WatermarkPosition = "MIDDLE_RIGHT"
	PositionBottomLeft   WatermarkPosition = "BOTTOM_LEFT"
	PositionBottomCenter WatermarkPosition = "BOTTOM_CENTER"
	PositionBottomRight  WatermarkPosition = "BOTTOM_RIGHT"
	PositionSafeTop      WatermarkPosition = "SAFE_TOP"
	PositionSafeBottom   WatermarkPosition = "SAFE_BOTTOM"
)

// watermarkExpressions maps positions to overlay filter expressions.
var watermarkExpressions = map[WatermarkPosition]string{
	PositionTopLeft:      "10:10",
	PositionTopCenter:    "(W-w)/2:10",
	PositionTopRight:     "W-w-10:10",
	PositionMiddleLeft:   "10:(H-h)/2",
	PositionCenter:       "(W-w)/2:(H-h)/2",
	PositionMiddleRight:  "W-w-10:(H-h)/2",
	PositionBottomLeft:   "10:H-h-10",
	PositionBottomCenter: "(W-w)/2:H-h-10",
	PositionBottomRight:  "W-w-10:H-h-10",
	PositionSafeTop:      "(W-w)/2:80",
	PositionSafeBottom:   "(W-w)/2:H-h-80",
}

// Expression returns the overlay filter expression for the position, falling
// back to the safe-bottom placement for unknown values.
func (p WatermarkPosition) Expression() string {
	if expr, ok := watermarkExpressions[p]; ok {
		return expr
	}
	return watermarkExpressions[PositionSafeBottom]
}

// Valid reports whether the position is one of the fixed placements.
func (p WatermarkPosition) Valid() bool {
	_, ok := watermarkExpressions[p]
	return ok
}

// AudioFormat selects the audio codec for extraction, keyed by encoder name.
type AudioFormat string

// Supported audio extraction formats.
const (
	AudioFormatMP3  AudioFormat = "libmp3lame"
	AudioFormatAAC  AudioFormat = "aac"
	AudioFormatWAV  AudioFormat = "pcm_s16le"
	AudioFormatFLAC AudioFormat = "flac"
)

// Container returns the output container format flag for the audio format.
// AAC uses the ipod flavour of mp4 so the stream is seekable in players.
func (f AudioFormat) Container() string {
	switch f {
	case AudioFormatAAC:
		return "ipod"
	case AudioFormatWAV:
		return "wav"
	case AudioFormatFLAC:
		return "flac"
	default:
		return "mp3"
	}
}

// Extension returns the filename extension for the audio format.
func (f AudioFormat) Extension() string {
	switch f {
	case AudioFormatAAC:
		return "m4a"
	case AudioFormatWAV:
		return "wav"
	case AudioFormatFLAC:
		return "flac"
	default:
		return "mp3"
	}
}

// VideoFormat selects the container of the pipeline output.
type VideoFormat string

// Supported containers. Matroska is the streamable intermediate the pipeline
// emits by default; mp4 delivery is produced by the Transmuxer.
const (
	VideoFormatMP4      VideoFormat = "mp4"
	VideoFormatMatroska VideoFormat = "matroska"
	VideoFormatWebM     VideoFormat = "webm"
)

// TrimPayload bounds the source to [StartSec, EndSec). EndSec -1 means until
// the end of the source; Duration, when set, wins over EndSec.
type TrimPayload struct {
	StartSec int      `json:"start_sec" validate:"min=0"`
	EndSec   int      `json:"end_sec"`
	Duration *float64 `json:"duration,omitempty"`
}

// TextSegment draws a text overlay between StartSec and EndSec.
type TextSegment struct {
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Text       string  `json:"text" validate:"required"`
	Fontsize   int     `json:"fontsize"`
	X          string  `json:"x"`
	Y          string  `json:"y"`
	Fontfile   string  `json:"fontfile,omitempty"`
	Fontcolor  string  `json:"fontcolor,omitempty"`
	Boxcolor   string  `json:"boxcolor,omitempty"`
	Boxborderw int     `json:"boxborderw,omitempty"`
	Background bool    `json:"background,omitempty"`
}

// SpeedSegment changes playback speed over [StartSec, EndSec).
type SpeedSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Speed    float64 `json:"speed" validate:"gt=0"`
}

// WatermarkOverlay places an image watermark with the given opacity.
type WatermarkOverlay struct {
	Path     string            `json:"path" validate:"required"`
	Position WatermarkPosition `json:"position"`
	Opacity  float64           `json:"opacity" validate:"min=0,max=1"`
}

// AudioOverlay mixes a background audio file under (or instead of) the source
// audio.
type AudioOverlay struct {
	Path       string  `json:"path" validate:"required"`
	MixVolume  float64 `json:"mix_volume" validate:"min=0"`
	Loop       bool    `json:"loop"`
	MuteSource bool    `json:"mute_source"`
}

// BackgroundColor paints a color canvas; OnlyColor replaces the video with
// the canvas entirely, otherwise the video is composited onto it centered.
type BackgroundColor struct {
	Color     string `json:"color"`
	OnlyColor bool   `json:"only_color"`
}

// TranscodeOptions sets encoder flags for the pipeline output.
type TranscodeOptions struct {
	Codec        string   `json:"codec"`
	Preset       string   `json:"preset"`
	CRF          int      `json:"crf" validate:"min=0,max=51"`
	AudioCodec   string   `json:"audio_codec"`
	AudioBitrate string   `json:"audio_bitrate,omitempty"`
	MovFlags     string   `json:"movflags,omitempty"`
	TargetSizeMB *float64 `json:"target_size_mb,omitempty"`
	Scale        string   `json:"scale,omitempty"`
}

// CompressPayload is the size-targeted transcode shorthand.
type CompressPayload struct {
	TargetSizeMB *float64 `json:"target_size_mb,omitempty"`
	Scale        string   `json:"scale,omitempty"`
	Preset       string   `json:"preset"`
}

// ConcatPayload lists the inputs of a static concatenation. At least two
// paths are required.
type ConcatPayload struct {
	InputPaths []string `json:"input_paths" validate:"required"`
}

// GifOptions configures the palette-based GIF rendering.
type GifOptions struct {
	StartTime   string `json:"start_time"`
	Duration    int    `json:"duration" validate:"gt=0"`
	FPS         int    `json:"fps" validate:"gt=0"`
	Scale       int    `json:"scale" validate:"gt=0"`
	OutputCodec string `json:"output_codec"`
}

// WordTiming is an explicit per-word window for karaoke highlighting.
type WordTiming struct {
	Word     string  `json:"word" validate:"required"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// KaraokeText renders a sentence with word-level highlight timing as burned
// subtitles. When Words is empty the sentence duration is distributed across
// tokens by character weight.
type KaraokeText struct {
	Sentence           string       `json:"sentence" validate:"required"`
	StartSec           *float64     `json:"start_sec,omitempty"`
	EndSec             *float64     `json:"end_sec,omitempty"`
	Words              []WordTiming `json:"words,omitempty"`
	Fontsize           int          `json:"fontsize"`
	X                  string       `json:"x"`
	Y                  string       `json:"y"`
	Fontcolor          string       `json:"fontcolor"`
	HighlightFontcolor string       `json:"highlight_fontcolor,omitempty"`
	Boxcolor           string       `json:"boxcolor"`
	Boxborderw         int          `json:"boxborderw"`
}

// TimedText is one item of a text sequence with fade in/out.
type TimedText struct {
	Text       string  `json:"text" validate:"required"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Fontsize   int     `json:"fontsize"`
	X          string  `json:"x"`
	Y          string  `json:"y"`
	Fontcolor  string  `json:"fontcolor"`
	Boxcolor   string  `json:"boxcolor,omitempty"`
	Boxborderw int     `json:"boxborderw"`
	Background bool    `json:"background"`
	FadeInMs   int     `json:"fade_in_ms"`
	FadeOutMs  int     `json:"fade_out_ms"`
}

// TextSequence renders a series of timed text items as burned subtitles.
// Every item must satisfy EndSec > StartSec.
type TextSequence struct {
	Items []TimedText `json:"items" validate:"required,min=1,dive"`
}

// DownloadOptions configures the external-source download pre-op.
type DownloadOptions struct {
	Quality   string `json:"quality,omitempty"`
	Format    string `json:"format,omitempty"`
	AudioOnly bool   `json:"audio_only"`
}

// ConvertToPlatformOptions configures the delivery transmux that follows the
// streamed pipeline output.
type ConvertToPlatformOptions struct {
	Platform     string `json:"platform,omitempty"`
	Codec        string `json:"codec"`
	Preset       string `json:"preset"`
	CRF          int    `json:"crf" validate:"min=0,max=51"`
	AudioCodec   string `json:"audio_codec"`
	AudioBitrate string `json:"audio_bitrate"`
	Scale        string `json:"scale,omitempty"`
}

// UnmarshalJSON overlays the wire payload on the documented defaults so that
// absent fields keep them, including for payloads nested in lists.

func (t *TextSegment) UnmarshalJSON(b []byte) error {
	type plain TextSegment
	p := plain(defaultText())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = TextSegment(p)
	return nil
}

func (s *SpeedSegment) UnmarshalJSON(b []byte) error {
	type plain SpeedSegment
	p := plain(defaultSpeed())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = SpeedSegment(p)
	return nil
}

func (t *TimedText) UnmarshalJSON(b []byte) error {
	type plain TimedText
	p := plain(defaultTimedText())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = TimedText(p)
	return nil
}

// Payload default constructors. JSON decoding overlays request fields on top
// of these, so absent fields keep their documented defaults.

func defaultTrim() TrimPayload { return TrimPayload{StartSec: 0, EndSec: -1} }

func defaultText() TextSegment { return TextSegment{Fontsize: 24, X: "10", Y: "10"} }

func defaultSpeed() SpeedSegment { return SpeedSegment{StartSec: 0, EndSec: -1, Speed: 1.0} }

func defaultWatermark() WatermarkOverlay {
	return WatermarkOverlay{Position: PositionSafeBottom, Opacity: 0.7}
}

func defaultAudioOverlay() AudioOverlay {
	return AudioOverlay{MixVolume: 1.0}
}

func defaultBackgroundColor() BackgroundColor {
	return BackgroundColor{Color: "black"}
}

func defaultTranscode() TranscodeOptions {
	return TranscodeOptions{Codec: "libx264", Preset: "medium", CRF: 23, AudioCodec: "aac"}
}

func defaultCompress() CompressPayload {
	return CompressPayload{Preset: "medium"}
}

func defaultGif() GifOptions {
	return GifOptions{StartTime: "00:00:00", Duration: 5, FPS: 10, Scale: 480, OutputCodec: "gif"}
}

func defaultKaraoke() KaraokeText {
	return KaraokeText{
		Fontsize:   60,
		X:          "(w-text_w)/2",
		Y:          "h-200",
		Fontcolor:  "white",
		Boxcolor:   "black@1.0",
		Boxborderw: 12,
	}
}

func defaultTimedText() TimedText {
	return TimedText{Fontsize: 60, Fontcolor: "white", FadeInMs: 200, FadeOutMs: 200}
}

func defaultDownload() DownloadOptions {
	return DownloadOptions{Quality: "best"}
}

func defaultConvertToPlatform() ConvertToPlatformOptions {
	return ConvertToPlatformOptions{
		Codec:        "libx264",
		Preset:       "medium",
		CRF:          23,
		AudioCodec:   "aac",
		AudioBitrate: "128k",
	}
}
