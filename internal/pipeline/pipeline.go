// Package pipeline turns Gemma checkpoints into a runnable text-generation
// pipeline: it resolves artifacts, builds the base or X-LoRA model, runs
// forward passes for batches of sequences and samples their next tokens.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/strata/internal/chattemplate"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/kvcache"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/sequence"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/internal/tokenizer"
)

type variantKind int

const (
	variantBase variantKind = iota
	variantXLora
)

// variant holds exactly one model, selected by kind.
type variant struct {
	kind  variantKind
	base  *model.Gemma
	xlora *model.XLoraGemma
}

func (v variant) name() string {
	if v.kind == variantXLora {
		return "xlora"
	}
	return "base"
}

func (v variant) cache() *kvcache.Cache {
	if v.kind == variantXLora {
		return v.xlora.Cache()
	}
	return v.base.Cache()
}

func (v variant) adapters() int {
	if v.kind == variantXLora {
		return v.xlora.Classifier().NumAdapters()
	}
	return 0
}

func (v variant) maxSeqLen() int {
	if v.kind == variantXLora {
		return v.xlora.MaxSeqLen()
	}
	return v.base.MaxSeqLen()
}

// Pipeline is a built Gemma model with its tokenizer and chat template.
// It has no internal locking: callers serialize Forward and Sample.
type Pipeline struct {
	model     variant
	tok       *tokenizer.HFTokenizer
	cfg       Config
	template  *chattemplate.Template
	noKVCache bool
	kind      ModelKind
	dev       device.Device
	dtype     tensor.DType
	modelCfg  model.Config
	genCfg    GenDefaults
	views     []*safetensors.View
	log       logger.Logger
}

// Forward runs one step for seqs and returns the logits of each sequence's
// last position as a [len(seqs), 1, vocab] tensor. isPrompt selects prompt
// processing (every history token) over completion (the newest token).
//
// A failing forward pass is not recoverable: it is logged and counted, then
// raised as a panic carrying a *ComputeFailure.
func (p *Pipeline) Forward(seqs []*sequence.Sequence, isPrompt bool) *tensor.Tensor {
	start := time.Now()
	withFull := p.model.kind == variantXLora
	in, full := AssembleInputs(seqs, isPrompt, withFull, p.noKVCache)

	var (
		out *tensor.Tensor
		err error
	)
	switch p.model.kind {
	case variantXLora:
		out, err = p.model.xlora.Forward(in, full, p.noKVCache)
	default:
		out, err = p.model.base.Forward(in)
	}
	if err != nil {
		metrics.RecordComputeFailure()
		p.log.Error("forward failed", "variant", p.model.name(), "batch", len(seqs), "prompt", isPrompt, "error", err)
		panic(&ComputeFailure{Variant: p.model.name(), Err: err})
	}

	metrics.RecordForward(p.model.name(), countTokens(in), countTokens(full), time.Since(start))
	return out
}

func countTokens(inputs []model.Input) int {
	n := 0
	for _, in := range inputs {
		n += len(in.Tokens)
	}
	return n
}

// Sample draws the next token of seq from logits, which must hold a single
// distribution. The repetition window is the last RepeatLastN tokens of
// the sequence's history.
func (p *Pipeline) Sample(lg *tensor.Tensor, seq *sequence.Sequence) (lp logits.Logprobs, err error) {
	defer func() { metrics.RecordSample(err) }()
	if lg == nil {
		return logits.Logprobs{}, &SamplingError{Err: errors.New("nil logits")}
	}
	sq := lg.Squeeze()
	if sq.Dims() != 1 {
		return logits.Logprobs{}, &SamplingError{Err: fmt.Errorf("logits must hold one distribution, got shape %v", lg.Shape)}
	}
	s := seq.Sampler()
	if s == nil {
		return logits.Logprobs{}, &SamplingError{Err: errors.New("sequence has no sampler")}
	}

	lp, err = s.Sample(sq.ToF32(), seq.RepeatWindow(p.cfg.RepeatLastN))
	if err != nil {
		return logits.Logprobs{}, &SamplingError{Err: err}
	}
	if text, derr := p.tok.Decode([]int{lp.Token}); derr == nil {
		lp.Text = text
	} else {
		lp.Text = p.tok.TokenString(lp.Token)
	}
	return lp, nil
}

// EOSToken resolves the chat template's EOS token in the tokenizer
// vocabulary, added tokens included.
func (p *Pipeline) EOSToken() (int, error) {
	content := p.template.EOSToken.Content()
	if id, ok := p.tok.Vocab(true)[content]; ok && content != "" {
		return id, nil
	}
	return 0, &MissingEOSTokenError{Token: content}
}

// NewSequence wraps a tokenized prompt with a sampler and, unless the
// pipeline runs without a cache, a fresh KV state.
func (p *Pipeline) NewSequence(prompt []int, sampler *logits.Sampler) *sequence.Sequence {
	var kv *kvcache.State
	if !p.noKVCache {
		kv = p.model.cache().NewState()
	}
	return sequence.New(prompt, sampler, kv)
}

// Close releases the mapped weight files. The pipeline must not be used
// afterwards.
func (p *Pipeline) Close() error {
	var errs []error
	for _, v := range p.views {
		errs = append(errs, v.Close())
	}
	p.views = nil
	return errors.Join(errs...)
}

func (p *Pipeline) Device() device.Device { return p.dev }
func (p *Pipeline) Cache() *kvcache.Cache { return p.model.cache() }
func (p *Pipeline) MaxSeqLen() int        { return p.model.maxSeqLen() }
func (p *Pipeline) IsXLora() bool         { return p.model.kind == variantXLora }
func (p *Pipeline) HasNoKVCache() bool    { return p.noKVCache }
func (p *Pipeline) DType() tensor.DType   { return p.dtype }
func (p *Pipeline) Kind() ModelKind       { return p.kind }
func (p *Pipeline) Name() string          { return "gemma" }

// NumHiddenLayers is the number of cached attention layers.
func (p *Pipeline) NumHiddenLayers() int { return p.model.cache().Layers() }

// Adapters is the number of LoRA adapters the X-LoRA classifier scales.
// It is zero for a base pipeline.
func (p *Pipeline) Adapters() int { return p.model.adapters() }

func (p *Pipeline) Tokenizer() tokenizer.Tokenizer { return p.tok }

// ChatTemplate returns the template text and token settings. Rendering is
// left to callers.
func (p *Pipeline) ChatTemplate() *chattemplate.Template { return p.template }

// ModelConfig returns the parsed model configuration.
func (p *Pipeline) ModelConfig() model.Config { return p.modelCfg }

// Config returns the sampling settings the pipeline was built with.
func (p *Pipeline) Config() Config { return p.cfg }

// GenerationDefaults returns the sampling defaults from
// generation_config.json, if the repo had one.
func (p *Pipeline) GenerationDefaults() GenDefaults { return p.genCfg }
