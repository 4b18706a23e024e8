package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/hub"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/pipeline"
	"github.com/samcharles93/strata/internal/tensor"
)

// newLoader builds a pipeline loader from the model flags.
func newLoader() (*pipeline.Loader, error) {
	if modelID == "" {
		return nil, errors.New("--model is required")
	}
	kind, err := pipeline.ParseModelKind(modelKind)
	if err != nil {
		return nil, err
	}
	l := &pipeline.Loader{
		ModelID:       modelID,
		Kind:          kind,
		Config:        pipeline.Config{RepeatLastN: int(repeatLastN)},
		XLoraModelID:  xloraModelID,
		NoKVCache:     noKVCache,
		ChatTemplate:  chatTemplate,
		TokenizerJSON: tokenizerJSON,
		CacheDir:      cacheDir,
	}
	if xloraOrdering != "" {
		ord, err := lora.LoadOrdering(xloraOrdering)
		if err != nil {
			return nil, fmt.Errorf("load x-lora ordering: %w", err)
		}
		l.XLoraOrder = ord
	}
	return l, nil
}

func acquireArtifacts(ctx context.Context) (*pipeline.Loader, *pipeline.ArtifactSet, error) {
	l, err := newLoader()
	if err != nil {
		return nil, nil, err
	}
	ts, err := hub.ParseTokenSource(tokenSource)
	if err != nil {
		return nil, nil, err
	}
	set, err := l.Acquire(ctx, revision, ts)
	if err != nil {
		return nil, nil, err
	}
	return l, set, nil
}

// loadPipeline acquires and builds the pipeline named by the model flags.
func loadPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	l, set, err := acquireArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := device.Parse(deviceName)
	if err != nil {
		return nil, err
	}
	var dt *tensor.DType
	if dtypeName != "" {
		d, err := tensor.ParseDType(dtypeName)
		if err != nil {
			return nil, err
		}
		dt = &d
	}
	return l.Build(ctx, set, dt, dev)
}
