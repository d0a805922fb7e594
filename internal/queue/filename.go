package queue

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/clipkit/clipkit/internal/pipeline"
)

// validExtensions bounds the artifact extensions we hand to the object store.
var validExtensions = map[string]bool{
	"mp4": true, "webm": true, "mkv": true,
	"mp3": true, "m4a": true, "wav": true, "flac": true,
	"gif": true, "mov": true, "avi": true,
}

// baseNameFromURL derives a filename stem from a media URL: the path basename
// without its extension, with external video URLs mapped to their video id.
func baseNameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "video"
	}

	host := parsed.Hostname()
	if strings.Contains(host, "youtube.com") || strings.Contains(host, "youtu.be") {
		if id := parsed.Query().Get("v"); id != "" {
			return "youtube_" + id
		}
		if strings.Contains(host, "youtu.be") {
			if id := strings.Trim(parsed.Path, "/"); id != "" {
				return "youtube_" + id
			}
		}
		return "youtube_video"
	}

	name := parsed.Path
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	if name == "" {
		return "video"
	}
	return name
}

// deriveOutputFilename names the artifact of a job:
// <base>_<audio|output>_<uid>_<version>.<ext>. Unknown extensions fall back
// to mp4.
func deriveOutputFilename(inputURL string, mode pipeline.OutputMode, ext, uid string, outputVersion int) string {
	base := baseNameFromURL(inputURL)

	suffix := "output"
	if mode == pipeline.ModeExtractAudio {
		suffix = "audio"
	}

	ext = strings.ToLower(ext)
	if !validExtensions[ext] {
		ext = "mp4"
	}

	return fmt.Sprintf("%s_%s_%s_%d.%s", base, suffix, uid, outputVersion, ext)
}
