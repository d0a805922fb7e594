package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate checks operation payloads against their declared schemas.
var validate = validator.New()

// Operation names as they appear on the wire.
const (
	OpTrim              = "trim"
	OpCompress          = "compress"
	OpConcat            = "concat"
	OpExtractAudio      = "extractAudio"
	OpText              = "text"
	OpKaraoke           = "karaoke"
	OpTextSequence      = "textSequence"
	OpSpeed             = "speed"
	OpWatermark         = "watermark"
	OpAudio             = "audio"
	OpBackgroundColor   = "backgroundColor"
	OpTranscode         = "transcode"
	OpGif               = "gif"
	OpConvertToPlatform = "convertToPlatform"
	OpExternalDownload  = "external_download"
)

// opEntry binds an operation name to its typed payload decoding and the
// builder method it dispatches to.
type opEntry struct {
	apply func(b *Builder, data json.RawMessage) error
}

// opTable is the static dispatch table. It is consulted during recipe
// validation and again during job execution.
var opTable = map[string]opEntry{
	OpTrim: {apply: applyTrim},
	OpCompress: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultCompress())
		if err != nil {
			return opError(OpCompress, err)
		}
		b.Compress(p)
		return nil
	}},
	OpConcat: {apply: applyConcat},
	OpExtractAudio: {apply: func(b *Builder, _ json.RawMessage) error {
		b.ExtractAudio()
		return nil
	}},
	OpText:  {apply: applyText},
	OpSpeed: {apply: applySpeedOp},
	OpKaraoke: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultKaraoke())
		if err != nil {
			return opError(OpKaraoke, err)
		}
		b.AddKaraokeText(p)
		return nil
	}},
	OpTextSequence: {apply: applyTextSequence},
	OpWatermark:    {apply: applyWatermark},
	OpAudio: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultAudioOverlay())
		if err != nil {
			return opError(OpAudio, err)
		}
		b.AddBackgroundAudio(p)
		return nil
	}},
	OpBackgroundColor: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultBackgroundColor())
		if err != nil {
			return opError(OpBackgroundColor, err)
		}
		b.SetBackgroundColor(p)
		return nil
	}},
	OpTranscode: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultTranscode())
		if err != nil {
			return opError(OpTranscode, err)
		}
		b.Transcode(p)
		return nil
	}},
	OpGif: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultGif())
		if err != nil {
			return opError(OpGif, err)
		}
		b.CreateGif(p)
		return nil
	}},
	OpConvertToPlatform: {apply: func(b *Builder, data json.RawMessage) error {
		p, err := decodePayload(data, defaultConvertToPlatform())
		if err != nil {
			return opError(OpConvertToPlatform, err)
		}
		b.ConvertToPlatform(p)
		return nil
	}},
	// The download is a pre-op: the worker resolves it before the builder
	// runs, so applying it only validates the payload.
	OpExternalDownload: {apply: func(_ *Builder, data json.RawMessage) error {
		_, err := ParseDownloadOptions(data)
		return err
	}},
}

// Known reports whether op is in the dispatch table.
func Known(op string) bool {
	_, ok := opTable[op]
	return ok
}

// Apply validates data against the schema declared for op and dispatches to
// the matching builder method. Unknown ops are an ErrInvalidRequest.
func Apply(b *Builder, op string, data json.RawMessage) error {
	entry, ok := opTable[op]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, op)
	}
	return entry.apply(b, data)
}

// ParseDownloadOptions decodes and validates the external-download payload.
func ParseDownloadOptions(data json.RawMessage) (DownloadOptions, error) {
	p, err := decodePayload(data, defaultDownload())
	if err != nil {
		return DownloadOptions{}, opError(OpExternalDownload, err)
	}
	return p, nil
}

// decodePayload overlays data onto the payload defaults and validates the
// result. Empty data keeps the defaults.
func decodePayload[T any](data json.RawMessage, seed T) (T, error) {
	if len(data) > 0 && !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		if err := json.Unmarshal(data, &seed); err != nil {
			return seed, err
		}
	}
	if err := validate.Struct(seed); err != nil {
		return seed, err
	}
	return seed, nil
}

// opError tags a payload decoding or validation failure as a client error.
func opError(op string, err error) error {
	return fmt.Errorf("%w: %s payload: %v", ErrInvalidRequest, op, err)
}

func applyTrim(b *Builder, data json.RawMessage) error {
	p, err := decodePayload(data, defaultTrim())
	if err != nil {
		return opError(OpTrim, err)
	}
	b.Trim(p.StartSec, p.EndSec, p.Duration)
	return nil
}

func applyConcat(b *Builder, data json.RawMessage) error {
	p, err := decodePayload(data, ConcatPayload{})
	if err != nil {
		return opError(OpConcat, err)
	}
	if len(p.InputPaths) < 2 {
		return fmt.Errorf("%w: concat requires at least 2 input paths, got %d", ErrInvalidRequest, len(p.InputPaths))
	}
	b.ConcatVideos(p)
	return nil
}

// applyText accepts a single segment or a list of segments.
func applyText(b *Builder, data json.RawMessage) error {
	segments, err := decodeOneOrMany[TextSegment](data)
	if err != nil {
		return opError(OpText, err)
	}
	b.AddText(segments...)
	return nil
}

// applySpeedOp accepts a single segment or a list of segments.
func applySpeedOp(b *Builder, data json.RawMessage) error {
	segments, err := decodeOneOrMany[SpeedSegment](data)
	if err != nil {
		return opError(OpSpeed, err)
	}
	b.SpeedControl(segments...)
	return nil
}

func applyTextSequence(b *Builder, data json.RawMessage) error {
	p, err := decodePayload(data, TextSequence{})
	if err != nil {
		return opError(OpTextSequence, err)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: text sequence requires at least one item", ErrInvalidRequest)
	}
	for i, item := range p.Items {
		if item.EndSec <= item.StartSec {
			return fmt.Errorf("%w: text sequence item %d: end_sec must be greater than start_sec", ErrInvalidRequest, i)
		}
	}
	b.AddTextSequence(p)
	return nil
}

func applyWatermark(b *Builder, data json.RawMessage) error {
	p, err := decodePayload(data, defaultWatermark())
	if err != nil {
		return opError(OpWatermark, err)
	}
	if !p.Position.Valid() {
		return fmt.Errorf("%w: unknown watermark position %q", ErrInvalidRequest, p.Position)
	}
	b.AddWatermark(p)
	return nil
}

// decodeOneOrMany decodes either a single payload object or a JSON array of
// them, validating every element.
func decodeOneOrMany[T any](data json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("payload is required")
	}
	if trimmed[0] == '[' {
		var many []T
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, err
		}
		for i := range many {
			if err := validate.Struct(many[i]); err != nil {
				return nil, err
			}
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	if err := validate.Struct(one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
