package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/samcharles93/strata/internal/chattemplate"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/tokenizer"
)

// Build loads the artifacts into a ready pipeline. A nil dtype picks the
// device default. On error every opened weight file is closed again.
func (l *Loader) Build(ctx context.Context, a *ArtifactSet, dtype *tensor.DType, dev device.Device) (p *Pipeline, err error) {
	start := time.Now()
	defer func() { metrics.RecordLoad("build", time.Since(start), err) }()
	log := logger.FromContext(ctx).With("model", l.ModelID, "kind", l.Kind)

	if err := a.Validate(l.Kind); err != nil {
		return nil, err
	}

	cfg, err := model.LoadConfig(a.ConfigPath)
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedArch) {
			return nil, &UnsupportedVariantError{Kind: l.Kind, Reason: "config.json", Err: err}
		}
		return nil, &ConfigParseError{Path: a.ConfigPath, Err: err}
	}

	if dev.Kind == "" {
		dev = device.Best()
	}
	if !device.Has(dev.Kind) {
		return nil, &UnsupportedVariantError{
			Kind:   l.Kind,
			Reason: fmt.Sprintf("device %s is not available in this build (have %s)", dev, device.Available()),
		}
	}
	dt := device.DefaultDType(dev)
	if dtype != nil {
		dt = *dtype
	}

	if err := rejectGGUF(l.Kind, a.WeightPaths); err != nil {
		return nil, err
	}

	var views []*safetensors.View
	cleanup := func(err error) (*Pipeline, error) {
		for _, v := range views {
			_ = v.Close()
		}
		return nil, err
	}

	basePaths := a.WeightPaths
	if l.Kind.IsXLora() {
		basePaths = append(append([]string(nil), a.WeightPaths...), a.ClassifierPath)
	}
	base, err := safetensors.OpenView(ctx, basePaths)
	if err != nil {
		return cleanup(&WeightLoadError{Path: filepath.Dir(a.WeightPaths[0]), Err: err})
	}
	views = append(views, base)

	v := variant{kind: variantBase}
	switch {
	case l.Kind.IsXLora():
		m, adViews, err := buildXLora(ctx, cfg, a, base, dt)
		views = append(views, adViews...)
		if err != nil {
			return cleanup(err)
		}
		v = variant{kind: variantXLora, xlora: m}
		c := m.Classifier()
		log.Debug("x-lora classifier loaded",
			"adapters", c.NumAdapters(),
			"layers", c.NumLayers(),
			"layerwise", c.Config().LayerwiseScalings,
			"softmax", c.Config().EnableSoftmax)
	default:
		m, err := model.NewGemma(cfg, base, dt)
		if err != nil {
			return cleanup(modelBuildError(a, err))
		}
		v.base = m
	}

	tok, err := tokenizer.LoadHFTokenizer(a.TokenizerPath, a.TemplatePath)
	if err != nil {
		return cleanup(&TokenizerLoadError{Path: a.TokenizerPath, Err: err})
	}

	tmpl, err := loadTemplate(a.TemplatePath, l.ChatTemplate)
	if err != nil {
		return cleanup(err)
	}
	if err := tmpl.Validate(); err != nil {
		log.Warn("pipeline has no chat template", "path", a.TemplatePath, "error", err)
	}

	var size int64
	for _, vw := range views {
		size += vw.Size()
	}
	log.Info("pipeline ready",
		"variant", v.name(),
		"device", dev,
		"dtype", dt,
		"layers", cfg.NumHiddenLayers,
		"vocab", cfg.VocabSize,
		"max_seq_len", cfg.MaxPositionEmbeddings,
		"weights", units.HumanSize(float64(size)),
		"no_kv_cache", l.NoKVCache,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Pipeline{
		model:     v,
		tok:       tok,
		cfg:       l.Config,
		template:  tmpl,
		noKVCache: l.NoKVCache,
		kind:      l.Kind,
		dev:       dev,
		dtype:     dt,
		modelCfg:  cfg,
		genCfg:    loadGenDefaults(a.GenerationConfigPath),
		views:     views,
		log:       log,
	}, nil
}

// buildXLora loads the adapters in ordering order and the classifier from
// base, then builds the adapted model. The adapter views are returned even
// on error so the caller can close them.
func buildXLora(ctx context.Context, cfg model.Config, a *ArtifactSet, base *safetensors.View, dt tensor.DType) (*model.XLoraGemma, []*safetensors.View, error) {
	xcfg, err := lora.LoadXLoraConfig(a.ClassifierConfigPath)
	if err != nil {
		return nil, nil, &ConfigParseError{Path: a.ClassifierConfigPath, Err: err}
	}

	var views []*safetensors.View
	adapters := make([]*lora.Adapter, 0, len(a.Adapters))
	for _, af := range a.Adapters {
		acfg, err := lora.LoadConfig(af.ConfigPath)
		if err != nil {
			return nil, views, &ConfigParseError{Path: af.ConfigPath, Err: err}
		}
		view, err := safetensors.OpenView(ctx, []string{af.WeightsPath})
		if err != nil {
			return nil, views, &WeightLoadError{Path: af.WeightsPath, Err: err}
		}
		views = append(views, view)
		ad, err := lora.LoadAdapter(af.Name, acfg, view, dt)
		if err != nil {
			return nil, views, &WeightLoadError{Path: af.WeightsPath, Err: err}
		}
		adapters = append(adapters, ad)
	}

	classifier, err := lora.LoadClassifier(xcfg, len(adapters), a.Ordering.NumLayers(), base, dt)
	if err != nil {
		return nil, views, &WeightLoadError{Path: a.ClassifierPath, Err: err}
	}
	m, err := model.NewXLoraGemma(cfg, base, dt, adapters, a.Ordering, classifier)
	if err != nil {
		return nil, views, modelBuildError(a, err)
	}
	return m, views, nil
}

// modelBuildError maps a model construction error onto the load taxonomy.
func modelBuildError(a *ArtifactSet, err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, lora.ErrInvalidConfig):
		return &ConfigParseError{Path: a.ConfigPath, Err: err}
	default:
		return &WeightLoadError{Path: filepath.Dir(a.WeightPaths[0]), Err: err}
	}
}

// loadTemplate reads tokenizer_config.json, if any, and applies override.
func loadTemplate(path, override string) (*chattemplate.Template, error) {
	tmpl := &chattemplate.Template{}
	if path != "" {
		t, err := chattemplate.Load(path)
		if err != nil {
			return nil, &ConfigParseError{Path: path, Err: err}
		}
		tmpl = t
	}
	if err := tmpl.ApplyOverride(override); err != nil {
		src := override
		if strings.ContainsAny(src, "{\n") {
			src = "chat template override"
		}
		return nil, &ConfigParseError{Path: src, Err: err}
	}
	return tmpl, nil
}
