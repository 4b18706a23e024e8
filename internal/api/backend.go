package api

import (
	"context"

	"github.com/samcharles93/strata/internal/pipeline"
)

// Backend is what the server needs from a loaded pipeline.
type Backend interface {
	Generate(ctx context.Context, req *pipeline.Request, stream pipeline.StreamFunc) (*pipeline.Result, error)
	Defaults() pipeline.GenDefaults
	Info() PipelineInfo
}

// RunnerBackend serves a pipeline.Runner.
type RunnerBackend struct {
	runner *pipeline.Runner
}

func NewRunnerBackend(r *pipeline.Runner) *RunnerBackend {
	return &RunnerBackend{runner: r}
}

func (b *RunnerBackend) Generate(ctx context.Context, req *pipeline.Request, stream pipeline.StreamFunc) (*pipeline.Result, error) {
	return b.runner.Generate(ctx, req, stream)
}

func (b *RunnerBackend) Defaults() pipeline.GenDefaults {
	return b.runner.Pipeline().GenerationDefaults()
}

func (b *RunnerBackend) Info() PipelineInfo {
	p := b.runner.Pipeline()
	return PipelineInfo{
		Object:     "pipeline",
		Name:       p.Name(),
		Kind:       string(p.Kind()),
		Device:     p.Device().String(),
		DType:      p.DType().String(),
		Layers:     p.NumHiddenLayers(),
		MaxSeqLen:  p.MaxSeqLen(),
		XLora:      p.IsXLora(),
		NoKVCache:  p.HasNoKVCache(),
		StopTokens: b.runner.StopTokens(),
		Active:     b.runner.Active(),
	}
}
