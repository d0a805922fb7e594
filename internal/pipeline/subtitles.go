package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// assHeader is the common prologue of every rendered subtitle file. PlayRes
// matches the canonical 1080p canvas; libass scales it to the actual frame.
const assHeader = `[Script Info]
ScriptType: v4.00+
PlayResX: 1920
PlayResY: 1080
WrapStyle: 0

`

// renderSubtitles writes one ASS file per karaoke sentence and per timed-text
// sequence into a fresh scratch directory and returns the file paths. Times
// are projected onto the output timeline using the trim window.
func (b *Builder) renderSubtitles(start, dOut float64) ([]string, string, error) {
	root := b.workDir
	if root != "" {
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, "", fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(root, "subtitles-")
	if err != nil {
		return nil, "", fmt.Errorf("create subtitle scratch dir: %w", err)
	}

	var files []string
	fail := func(err error) ([]string, string, error) {
		_ = os.RemoveAll(dir)
		return nil, "", err
	}

	for i, k := range b.karaoke {
		path := filepath.Join(dir, fmt.Sprintf("karaoke_%d.ass", i))
		content, err := renderKaraokeASS(k, start, dOut)
		if err != nil {
			return fail(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fail(fmt.Errorf("write subtitle file: %w", err))
		}
		files = append(files, path)
	}

	for i, seq := range b.sequences {
		if len(seq.Items) == 0 {
			return fail(fmt.Errorf("%w: text sequence requires at least one item", ErrInvalidRequest))
		}
		path := filepath.Join(dir, fmt.Sprintf("sequence_%d.ass", i))
		content, err := renderSequenceASS(seq, start, dOut)
		if err != nil {
			return fail(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fail(fmt.Errorf("write subtitle file: %w", err))
		}
		files = append(files, path)
	}

	return files, dir, nil
}

// renderKaraokeASS renders one karaoke sentence: a style per sentence, one
// dialogue line per word window with the active word recolored via an inline
// \1c override.
func renderKaraokeASS(k KaraokeText, trimStart, dOut float64) (string, error) {
	sentenceStart := 0.0
	if k.StartSec != nil {
		sentenceStart = math.Max(0, *k.StartSec-trimStart)
	}
	sentenceEnd := dOut
	if k.EndSec != nil {
		sentenceEnd = math.Min(dOut, *k.EndSec-trimStart)
	}
	if sentenceEnd <= sentenceStart {
		return "", fmt.Errorf("%w: karaoke window is empty", ErrInvalidRequest)
	}

	words := k.Words
	if len(words) == 0 {
		words = distributeWordTimings(k.Sentence, sentenceStart, sentenceEnd)
	} else {
		remapped := make([]WordTiming, len(words))
		for i, w := range words {
			remapped[i] = WordTiming{
				Word:     w.Word,
				StartSec: math.Max(0, w.StartSec-trimStart),
				EndSec:   math.Max(0, w.EndSec-trimStart),
			}
		}
		words = remapped
	}
	if len(words) == 0 {
		return "", fmt.Errorf("%w: karaoke sentence has no words", ErrInvalidRequest)
	}

	base := assColor(k.Fontcolor)
	highlight := base
	if k.HighlightFontcolor != "" {
		highlight = assColor(k.HighlightFontcolor)
	}

	var sb strings.Builder
	sb.WriteString(assHeader)
	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, OutlineColour, BackColour, Bold, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV\n")
	fmt.Fprintf(&sb, "Style: Karaoke,Arial,%d,%s,%s,%s,0,3,%d,0,2,40,40,120\n\n",
		k.Fontsize, base, assColor(k.Boxcolor), assColor(k.Boxcolor), k.Boxborderw)

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = w.Word
	}

	for i, w := range words {
		parts := make([]string, len(tokens))
		for j, tok := range tokens {
			if j == i {
				parts[j] = fmt.Sprintf("{\\1c%s}%s{\\1c%s}", highlight, assText(tok), base)
			} else {
				parts[j] = assText(tok)
			}
		}
		fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Karaoke,,0,0,0,,%s\n",
			assTime(w.StartSec), assTime(w.EndSec), strings.Join(parts, " "))
	}

	return sb.String(), nil
}

// renderSequenceASS renders a timed-text sequence: a style per item index and
// one dialogue line per item with fade macros.
func renderSequenceASS(seq TextSequence, trimStart, dOut float64) (string, error) {
	var styles, events strings.Builder

	for i, item := range seq.Items {
		if item.EndSec <= item.StartSec {
			return "", fmt.Errorf("%w: text sequence item %d: end_sec must be greater than start_sec", ErrInvalidRequest, i)
		}
		from := math.Max(0, item.StartSec-trimStart)
		to := math.Min(dOut, item.EndSec-trimStart)
		if to <= from {
			// Fully outside the trim window; render nothing for this item.
			continue
		}

		borderStyle := 1
		outline := 2
		backColour := assColor("black@0.5")
		if item.Background || item.Boxcolor != "" {
			borderStyle = 3
			outline = item.Boxborderw
			if item.Boxcolor != "" {
				backColour = assColor(item.Boxcolor)
			}
		}
		fmt.Fprintf(&styles, "Style: Seq%d,Arial,%d,%s,%s,%s,0,%d,%d,0,2,40,40,120\n",
			i, item.Fontsize, assColor(item.Fontcolor), backColour, backColour, borderStyle, outline)

		fmt.Fprintf(&events, "Dialogue: 0,%s,%s,Seq%d,,0,0,0,,{\\fad(%d,%d)}%s\n",
			assTime(from), assTime(to), i, item.FadeInMs, item.FadeOutMs, assText(item.Text))
	}

	var sb strings.Builder
	sb.WriteString(assHeader)
	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, OutlineColour, BackColour, Bold, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV\n")
	sb.WriteString(styles.String())
	sb.WriteString("\n[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	sb.WriteString(events.String())
	return sb.String(), nil
}

// distributeWordTimings splits [start, end) across the sentence tokens by
// character weight. The last token is pinned to the sentence end so rounding
// never leaves a gap.
func distributeWordTimings(sentence string, start, end float64) []WordTiming {
	tokens := strings.Fields(sentence)
	if len(tokens) == 0 {
		return nil
	}

	totalChars := 0
	for _, tok := range tokens {
		totalChars += len(tok)
	}
	if totalChars == 0 {
		return nil
	}

	duration := end - start
	timings := make([]WordTiming, len(tokens))
	cursor := start
	for i, tok := range tokens {
		share := duration * float64(len(tok)) / float64(totalChars)
		wordEnd := cursor + share
		if i == len(tokens)-1 {
			wordEnd = end
		}
		timings[i] = WordTiming{Word: tok, StartSec: cursor, EndSec: wordEnd}
		cursor = wordEnd
	}
	return timings
}

// assTime formats seconds as an ASS timestamp (H:MM:SS.CC).
func assTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	totalCs := int(math.Round(sec * 100))
	cs := totalCs % 100
	totalSec := totalCs / 100
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

// namedColors maps common color names to RGB for ASS conversion.
var namedColors = map[string]uint32{
	"white":   0xFFFFFF,
	"black":   0x000000,
	"red":     0xFF0000,
	"green":   0x00FF00,
	"blue":    0x0000FF,
	"yellow":  0xFFFF00,
	"cyan":    0x00FFFF,
	"magenta": 0xFF00FF,
	"orange":  0xFFA500,
	"gray":    0x808080,
	"grey":    0x808080,
}

// assColor converts a drawtext-style color (name, name@alpha, #RRGGBB,
// 0xRRGGBB) to the ASS &HBBGGRR& form. Unknown names fall back to white.
func assColor(color string) string {
	name, _, _ := strings.Cut(color, "@")
	name = strings.TrimSpace(strings.ToLower(name))

	rgb, ok := namedColors[name]
	if !ok {
		hex := strings.TrimPrefix(strings.TrimPrefix(name, "0x"), "#")
		if parsed, err := parseHexRGB(hex); err == nil {
			rgb = parsed
		} else {
			rgb = 0xFFFFFF
		}
	}

	r := (rgb >> 16) & 0xFF
	g := (rgb >> 8) & 0xFF
	bl := rgb & 0xFF
	return fmt.Sprintf("&H%02X%02X%02X&", bl, g, r)
}

// parseHexRGB parses a 6-digit hex RGB string.
func parseHexRGB(hex string) (uint32, error) {
	if len(hex) != 6 {
		return 0, fmt.Errorf("invalid hex color %q", hex)
	}
	var v uint32
	if _, err := fmt.Sscanf(hex, "%06x", &v); err != nil {
		return 0, err
	}
	return v, nil
}

// assText escapes text for an ASS dialogue line.
func assText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\N")
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	return s
}
