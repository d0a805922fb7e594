package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// graph accumulates filter-complex stages. Each stage names its output labels
// so later stages and the map flags can reference them deterministically.
type graph struct {
	stages []string
}

func (g *graph) add(stage string) {
	g.stages = append(g.stages, stage)
}

func (g *graph) empty() bool {
	return len(g.stages) == 0
}

func (g *graph) String() string {
	return strings.Join(g.stages, ";")
}

// escapeQuotes escapes single quotes for ffmpeg single-quoted values
// (drawtext text, subtitle paths, concat manifest entries).
func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// buildExport compiles the export-mode invocation: either the stream-copy
// fast path or a full filter graph ending in [v_out]/[a_out].
func (b *Builder) buildExport(ctx context.Context, info SourceInfo) (*Invocation, error) {
	enc := b.encoderOptions()

	if !b.hasFilters() {
		args := []string{"-i", b.input}
		if b.transcode == nil {
			args = append(args, "-c", "copy", "-f", string(b.videoFormat))
			return &Invocation{Args: args, Intermediate: b.platform != nil}, nil
		}
		args = append(args, b.encoderArgs(enc, info.Duration)...)
		args = append(args, "-f", string(b.videoFormat))
		return &Invocation{Args: args, Intermediate: b.platform != nil}, nil
	}

	start, end, explicit := b.effectiveWindow(info)
	dOut := end - start

	// A background audio track longer than the effective duration extends the
	// output unless the caller trimmed explicitly.
	canvasDur := dOut
	extended := false
	if b.bgAudio != nil && !explicit && b.mediaDuration != nil {
		if audioDur, err := b.mediaDuration(ctx, b.bgAudio.Path); err == nil && audioDur > dOut {
			canvasDur = audioDur
			extended = true
		}
	}

	g := &graph{}
	vcur, acur := "[0:v]", "[0:a]"
	extraInputs := []string{}

	onlyColor := b.bgColor != nil && b.bgColor.OnlyColor
	composite := b.bgColor != nil && !b.bgColor.OnlyColor
	muteSource := b.bgAudio != nil && b.bgAudio.MuteSource

	// Stage 1: canvas and trim.
	if b.bgColor != nil {
		g.add(fmt.Sprintf("color=c=%s:s=%dx%d:d=%s:r=30[bg]",
			b.bgColor.Color, info.Width, info.Height, fmtTime(canvasDur)))
	}
	switch {
	case onlyColor:
		vcur = "[bg]"
		if info.HasAudio && !(muteSource && explicit) {
			g.add(fmt.Sprintf("[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a_trim]",
				fmtTime(start), fmtTime(end)))
			acur = "[a_trim]"
		}
	case b.trim != nil:
		g.add(fmt.Sprintf("[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v_trim]",
			fmtTime(start), fmtTime(end)))
		vcur = "[v_trim]"
		if info.HasAudio && !(muteSource && explicit) {
			g.add(fmt.Sprintf("[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a_trim]",
				fmtTime(start), fmtTime(end)))
			acur = "[a_trim]"
		}
	}

	// Stage 2: text overlays, timed on the trimmed (pre-speed) timeline.
	if len(b.texts) > 0 {
		clauses := make([]string, 0, len(b.texts))
		for _, seg := range b.texts {
			clauses = append(clauses, b.drawtextClause(seg, start, end, dOut))
		}
		g.add(vcur + strings.Join(clauses, ",") + "[v_text]")
		vcur = "[v_text]"
	}

	// Stage 3: karaoke and timed-text subtitles.
	inv := &Invocation{Intermediate: b.platform != nil}
	if len(b.karaoke) > 0 || len(b.sequences) > 0 {
		files, dir, err := b.renderSubtitles(start, dOut)
		if err != nil {
			return nil, err
		}
		inv.SubtitleFiles = files
		inv.ScratchDir = dir
		for i, path := range files {
			label := fmt.Sprintf("[v_sub%d]", i)
			g.add(fmt.Sprintf("%ssubtitles='%s'%s", vcur, escapeQuotes(path), label))
			vcur = label
		}
	}

	// Stage 4: speed.
	var err error
	vcur, acur, err = b.applySpeed(g, vcur, acur, start, dOut)
	if err != nil {
		if inv.ScratchDir != "" {
			_ = os.RemoveAll(inv.ScratchDir)
		}
		return nil, err
	}

	// Stage 5: watermark.
	if b.watermark != nil {
		extraInputs = append(extraInputs, b.watermark.Path)
		idx := len(extraInputs)
		g.add(fmt.Sprintf("[%d]format=rgba,colorchannelmixer=aa=%s[wm]", idx, fmtTime(b.watermark.Opacity)))
		g.add(fmt.Sprintf("%s[wm]overlay=%s[v_wm]", vcur, b.watermark.Position.Expression()))
		vcur = "[v_wm]"
	}

	// Stage 6: background audio.
	if b.bgAudio != nil {
		extraInputs = append(extraInputs, b.bgAudio.Path)
		idx := len(extraInputs)
		volume := fmtFactor(b.bgAudio.MixVolume)

		switch {
		case (muteSource || !info.HasAudio) && explicit:
			g.add(fmt.Sprintf("[%d:a]atrim=start=0:end=%s,volume=%s[a_bg]", idx, fmtTime(dOut), volume))
			acur = "[a_bg]"
		case !info.HasAudio:
			// No source audio to mix against; the background track is the
			// only audio.
			g.add(fmt.Sprintf("[%d:a]volume=%s[a_bg]", idx, volume))
			acur = "[a_bg]"
		case muteSource:
			g.add(fmt.Sprintf("%s[%d:a]amix=inputs=2:weights='0 %s':duration=longest[a_mix]", acur, idx, volume))
			acur = "[a_mix]"
		case explicit:
			g.add(fmt.Sprintf("%s[%d:a]amix=inputs=2:weights='1 %s':duration=longest,atrim=start=0:end=%s[a_mix]",
				acur, idx, volume, fmtTime(dOut)))
			acur = "[a_mix]"
		default:
			g.add(fmt.Sprintf("%s[%d:a]amix=inputs=2:weights='1 %s':duration=longest[a_mix]", acur, idx, volume))
			acur = "[a_mix]"
		}

		if extended && !onlyColor {
			g.add(fmt.Sprintf("%stpad=stop_mode=clone:stop_duration=%s[v_pad]", vcur, fmtTime(canvasDur-dOut)))
			vcur = "[v_pad]"
		}
	}

	// Stage 7: composite the video onto the color canvas.
	if composite {
		g.add(fmt.Sprintf("[bg]%soverlay=(W-w)/2:(H-h)/2[v_comp]", vcur))
		vcur = "[v_comp]"
	}

	// Stage 8: scale.
	if b.transcode != nil && b.transcode.Scale != "" {
		g.add(fmt.Sprintf("%sscale=%s[v_scaled]", vcur, b.transcode.Scale))
		vcur = "[v_scaled]"
	}

	// Stage 9: terminal labels required by the map flags.
	g.add(vcur + "setpts=PTS[v_out]")
	if acur == "[0:a]" && !info.HasAudio {
		// Silent source: synthesize the audio leg so [a_out] always exists.
		g.add(fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=44100:d=%s[a_out]", fmtTime(canvasDur)))
	} else {
		g.add(acur + "anull[a_out]")
	}

	args := []string{"-i", b.input}
	for _, extra := range extraInputs {
		args = append(args, "-i", extra)
	}
	args = append(args, "-filter_complex", g.String(), "-map", "[v_out]", "-map", "[a_out]")
	args = append(args, b.encoderArgs(enc, dOut)...)
	args = append(args, "-f", string(b.videoFormat))

	inv.Args = args
	return inv, nil
}

// encoderOptions resolves the transcode options, defaulting when the recipe
// never set them.
func (b *Builder) encoderOptions() TranscodeOptions {
	if b.transcode != nil {
		return *b.transcode
	}
	return defaultTranscode()
}

// encoderArgs emits the codec flags for export output. Size-targeted
// transcodes compute a bitrate budget; everything else uses CRF.
func (b *Builder) encoderArgs(t TranscodeOptions, duration float64) []string {
	args := []string{"-c:v", t.Codec, "-preset", t.Preset}

	if t.TargetSizeMB != nil && duration > 0 {
		// Target kbps leaves 128 kbps of headroom for audio.
		bitrate := int(math.Floor(*t.TargetSizeMB*8192/duration)) - 128
		if bitrate < 100 {
			bitrate = 100
		}
		args = append(args,
			"-b:v", strconv.Itoa(bitrate)+"k",
			"-maxrate", strconv.Itoa(bitrate*3/2)+"k",
			"-bufsize", strconv.Itoa(bitrate*2)+"k",
		)
	} else {
		args = append(args, "-crf", strconv.Itoa(t.CRF))
	}

	args = append(args, "-c:a", t.AudioCodec)
	if t.AudioBitrate != "" {
		args = append(args, "-b:a", t.AudioBitrate)
	}
	if t.MovFlags != "" {
		args = append(args, "-movflags", t.MovFlags)
	}
	return args
}

// applySpeed emits the speed stages. A single segment applies to the whole
// timeline; multiple segments trim, retime, and concat.
func (b *Builder) applySpeed(g *graph, vcur, acur string, start, dOut float64) (string, string, error) {
	if !b.hasSpeedChange() {
		return vcur, acur, nil
	}

	if len(b.speeds) == 1 {
		factor := b.speeds[0].Speed
		chain, err := atempoChain(factor)
		if err != nil {
			return "", "", err
		}
		g.add(fmt.Sprintf("%ssetpts=PTS/%s[v_speed]", vcur, fmtFactor(factor)))
		g.add(fmt.Sprintf("%s%s[a_speed]", acur, chain))
		return "[v_speed]", "[a_speed]", nil
	}

	n := len(b.speeds)
	vIn := make([]string, n)
	aIn := make([]string, n)
	for i := range b.speeds {
		vIn[i] = fmt.Sprintf("[v_in%d]", i)
		aIn[i] = fmt.Sprintf("[a_in%d]", i)
	}
	g.add(fmt.Sprintf("%ssplit=%d%s", vcur, n, strings.Join(vIn, "")))
	g.add(fmt.Sprintf("%sasplit=%d%s", acur, n, strings.Join(aIn, "")))

	vSegs := make([]string, 0, n)
	aSegs := make([]string, 0, n)
	for i, seg := range b.speeds {
		segStart := clamp(seg.StartSec-start, 0, dOut)
		segEnd := dOut
		if seg.EndSec >= 0 {
			segEnd = clamp(seg.EndSec-start, 0, dOut)
		}
		chain, err := atempoChain(seg.Speed)
		if err != nil {
			return "", "", err
		}
		vLabel := fmt.Sprintf("[v_seg%d]", i)
		aLabel := fmt.Sprintf("[a_seg%d]", i)
		g.add(fmt.Sprintf("%strim=start=%s:end=%s,setpts=PTS-STARTPTS,setpts=PTS/%s%s",
			vIn[i], fmtTime(segStart), fmtTime(segEnd), fmtFactor(seg.Speed), vLabel))
		g.add(fmt.Sprintf("%satrim=start=%s:end=%s,asetpts=PTS-STARTPTS,%s%s",
			aIn[i], fmtTime(segStart), fmtTime(segEnd), chain, aLabel))
		vSegs = append(vSegs, vLabel)
		aSegs = append(aSegs, aLabel)
	}

	g.add(fmt.Sprintf("%sconcat=n=%d:v=1:a=0[v_speed]", strings.Join(vSegs, ""), n))
	g.add(fmt.Sprintf("%sconcat=n=%d:v=0:a=1[a_speed]", strings.Join(aSegs, ""), n))
	return "[v_speed]", "[a_speed]", nil
}

// drawtextClause emits one drawtext filter for a text segment, projected onto
// the output timeline. Segments fully outside the trim window compile to a
// zero-duration enable clause.
func (b *Builder) drawtextClause(seg TextSegment, start, end, dOut float64) string {
	from := math.Max(0, seg.StartSec-start)
	to := math.Min(dOut, resolveEndSec(seg.EndSec, end)-start)
	if to <= from {
		from, to = 0, 0
	}

	var sb strings.Builder
	sb.WriteString("drawtext=text='")
	sb.WriteString(escapeQuotes(seg.Text))
	sb.WriteString("'")
	if seg.Fontfile != "" {
		sb.WriteString(":fontfile='")
		sb.WriteString(escapeQuotes(seg.Fontfile))
		sb.WriteString("'")
	}
	fmt.Fprintf(&sb, ":fontsize=%d", seg.Fontsize)
	if seg.Fontcolor != "" {
		sb.WriteString(":fontcolor=")
		sb.WriteString(seg.Fontcolor)
	}
	sb.WriteString(":x=")
	sb.WriteString(seg.X)
	sb.WriteString(":y=")
	sb.WriteString(seg.Y)
	if seg.Background || seg.Boxcolor != "" {
		boxcolor := seg.Boxcolor
		if boxcolor == "" {
			boxcolor = "black@0.5"
		}
		fmt.Fprintf(&sb, ":box=1:boxcolor=%s:boxborderw=%d", boxcolor, seg.Boxborderw)
	}
	fmt.Fprintf(&sb, ":enable='between(t,%s,%s)'", fmtTime(from), fmtTime(to))
	return sb.String()
}

// buildExtractAudio compiles the extract-audio invocation. The four sub-cases
// (plain, trim, speed, trim+speed) are kept flat.
func (b *Builder) buildExtractAudio(_ context.Context, info SourceInfo) (*Invocation, error) {
	codec := string(b.audioFormat)
	container := b.audioFormat.Container()

	trimSet := b.trim != nil
	speedSet := b.hasSpeedChange()

	codecArgs := []string{"-c:a", codec, "-b:a", b.audioBitrate, "-f", container}

	switch {
	case !trimSet && !speedSet:
		args := append([]string{"-i", b.input, "-vn"}, codecArgs...)
		return &Invocation{Args: args}, nil

	case trimSet && !speedSet:
		start, end, _ := b.effectiveWindow(info)
		args := []string{"-ss", fmtTime(start), "-t", fmtTime(end - start), "-i", b.input, "-vn"}
		args = append(args, codecArgs...)
		return &Invocation{Args: args}, nil

	default:
		start, end, _ := b.effectiveWindow(info)
		dOut := end - start

		g := &graph{}
		acur := "[0:a]"
		if trimSet {
			g.add(fmt.Sprintf("[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a_trim]",
				fmtTime(start), fmtTime(end)))
			acur = "[a_trim]"
		}

		if len(b.speeds) == 1 {
			chain, err := atempoChain(b.speeds[0].Speed)
			if err != nil {
				return nil, err
			}
			g.add(fmt.Sprintf("%s%s[a_out]", acur, chain))
		} else {
			n := len(b.speeds)
			aIn := make([]string, n)
			for i := range b.speeds {
				aIn[i] = fmt.Sprintf("[a_in%d]", i)
			}
			g.add(fmt.Sprintf("%sasplit=%d%s", acur, n, strings.Join(aIn, "")))
			aSegs := make([]string, 0, n)
			for i, seg := range b.speeds {
				segStart := clamp(seg.StartSec-start, 0, dOut)
				segEnd := dOut
				if seg.EndSec >= 0 {
					segEnd = clamp(seg.EndSec-start, 0, dOut)
				}
				chain, err := atempoChain(seg.Speed)
				if err != nil {
					return nil, err
				}
				label := fmt.Sprintf("[a_seg%d]", i)
				g.add(fmt.Sprintf("%satrim=start=%s:end=%s,asetpts=PTS-STARTPTS,%s%s",
					aIn[i], fmtTime(segStart), fmtTime(segEnd), chain, label))
				aSegs = append(aSegs, label)
			}
			g.add(fmt.Sprintf("%sconcat=n=%d:v=0:a=1[a_out]", strings.Join(aSegs, ""), n))
		}

		args := []string{"-i", b.input, "-filter_complex", g.String(), "-map", "[a_out]"}
		args = append(args, codecArgs...)
		return &Invocation{Args: args}, nil
	}
}

// buildGif compiles the palette-based GIF invocation.
func (b *Builder) buildGif() (*Invocation, error) {
	opts := b.gifOpts
	if opts == nil {
		d := defaultGif()
		opts = &d
	}
	vf := fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse",
		opts.FPS, opts.Scale)
	args := []string{
		"-ss", opts.StartTime,
		"-t", strconv.Itoa(opts.Duration),
		"-i", b.input,
		"-vf", vf,
		"-loop", "0",
		"-f", opts.OutputCodec,
	}
	return &Invocation{Args: args}, nil
}

// buildConcat compiles the static concatenation: a manifest written to the
// engine's stdin and a stream copy into a pipe-safe container.
func buildConcat(paths []string, container string) (*Invocation, error) {
	if len(paths) < 2 {
		return nil, fmt.Errorf("%w: concat requires at least 2 inputs, got %d", ErrInvalidRequest, len(paths))
	}
	if container == "" || container == string(VideoFormatMatroska) {
		container = "mp4"
	}
	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", "pipe:0",
		"-c", "copy",
		"-f", container,
		"-movflags", "+frag_keyframe+empty_moov",
	}
	return &Invocation{Args: args, Stdin: []byte(buildConcatManifest(paths))}, nil
}

// buildConcatManifest renders the concat demuxer manifest, one escaped path
// per line.
func buildConcatManifest(paths []string) string {
	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString("file '")
		sb.WriteString(escapeQuotes(p))
		sb.WriteString("'\n")
	}
	return sb.String()
}
