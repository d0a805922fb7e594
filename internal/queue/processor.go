// Package queue runs the durable job queue: workers that atomically dequeue
// jobs, drive the edit pipeline against the media engine, upload artifacts,
// and transition row status; and the fixed-cardinality pool that owns them.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/clipkit/clipkit/internal/engine"
	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/store"
)

// Result is the product of one processed job.
type Result struct {
	// Bytes is the gathered engine output, post-transmux when requested.
	Bytes []byte
	// Mode the pipeline compiled for.
	Mode pipeline.OutputMode
	// Output describes the artifact formats for the job row.
	Output store.OutputFile
	// Extension is the artifact filename extension.
	Extension string
}

// Processor turns a job's operations into output bytes. It is an interface so
// the worker loop is testable without the engine.
type Processor interface {
	Process(ctx context.Context, job *store.Job, input string, progress engine.ProgressFunc) (*Result, error)
}

// PipelineProcessor is the production Processor: it compiles the recipe with
// the filter-graph builder, streams the engine, and optionally transmuxes the
// intermediate for delivery.
type PipelineProcessor struct {
	runner     *engine.Runner
	prober     *engine.Prober
	transmuxer *pipeline.Transmuxer
	workDir    string
}

// NewPipelineProcessor wires the production processor.
func NewPipelineProcessor(runner *engine.Runner, prober *engine.Prober, transmuxer *pipeline.Transmuxer, workDir string) *PipelineProcessor {
	return &PipelineProcessor{
		runner:     runner,
		prober:     prober,
		transmuxer: transmuxer,
		workDir:    workDir,
	}
}

// Process compiles and executes one engine invocation for the job.
func (p *PipelineProcessor) Process(ctx context.Context, job *store.Job, input string, progress engine.ProgressFunc) (*Result, error) {
	builder := pipeline.NewBuilder(input,
		pipeline.WithWorkDir(p.workDir),
		pipeline.WithMediaDuration(p.prober.Duration),
	)

	for _, op := range job.Action {
		if op.Op == pipeline.OpExternalDownload {
			continue
		}
		if err := pipeline.Apply(builder, op.Op, op.Data); err != nil {
			return nil, err
		}
	}

	mode := builder.Mode()

	info := p.prober.Probe(ctx, input)
	if info.Err != nil && builder.Concat() == nil && mode != pipeline.ModeGIF {
		// The worker treats a failed probe like an engine failure.
		return nil, fmt.Errorf("probe input: %w", info.Err)
	}

	inv, err := builder.Build(ctx, pipeline.SourceInfo{
		Duration: info.Duration,
		Width:    info.Width,
		Height:   info.Height,
		HasAudio: info.HasAudio,
	}, mode)
	if err != nil {
		return nil, err
	}
	if inv.ScratchDir != "" {
		defer func() { _ = os.RemoveAll(inv.ScratchDir) }()
	}

	stream, err := p.runner.Run(ctx, inv.Args, engine.RunOptions{
		TotalDuration: info.Duration,
		Stdin:         inv.Stdin,
		Progress:      progress,
	})
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(stream)
	closeErr := stream.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	if inv.Intermediate && builder.Platform() != nil {
		data, err = p.transmuxer.Transmux(ctx, data, *builder.Platform())
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		Bytes: data,
		Mode:  mode,
		Output: store.OutputFile{
			VideoFormat:  outputVideoFormat(builder, inv),
			AudioFormat:  string(builder.AudioFormat()),
			AudioBitrate: builder.AudioBitrate(),
		},
		Extension: outputExtension(builder, mode),
	}
	return result, nil
}

// outputVideoFormat names the delivered container.
func outputVideoFormat(b *pipeline.Builder, inv *pipeline.Invocation) string {
	if inv.Intermediate {
		return string(pipeline.VideoFormatMP4)
	}
	return string(b.VideoFormat())
}

// outputExtension picks the artifact extension for the compiled mode.
func outputExtension(b *pipeline.Builder, mode pipeline.OutputMode) string {
	switch mode {
	case pipeline.ModeGIF:
		return "gif"
	case pipeline.ModeExtractAudio:
		return b.AudioFormat().Extension()
	default:
		return "mp4"
	}
}

