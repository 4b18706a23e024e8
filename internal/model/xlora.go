package model

import (
	"fmt"

	"github.com/samcharles93/strata/internal/kvcache"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/tensor"
)

// XLoraGemma is a Gemma model whose projections are blended with a set of
// LoRA adapters. A classifier picks the blend per position from a scaling
// pass over the whole context.
type XLoraGemma struct {
	base       *Gemma
	classifier *lora.Classifier
	ordering   *lora.Ordering
	adapters   []*lora.Adapter
	global     float32
}

// NewXLoraGemma builds the base model from src and attaches adapters in the
// order given by ordering. Every adapted projection must have a scaling slot
// in the ordering.
func NewXLoraGemma(cfg Config, src WeightSource, dtype tensor.DType, adapters []*lora.Adapter, ordering *lora.Ordering, classifier *lora.Classifier) (*XLoraGemma, error) {
	if ordering == nil || classifier == nil || len(adapters) == 0 {
		return nil, fmt.Errorf("%w: x-lora needs adapters, an ordering and a classifier", ErrInvalidConfig)
	}
	if len(adapters) != len(ordering.Order) {
		return nil, fmt.Errorf("%w: %d adapters loaded, ordering lists %d", ErrInvalidConfig, len(adapters), len(ordering.Order))
	}
	for i, a := range adapters {
		if a.Name != ordering.Order[i] {
			return nil, fmt.Errorf("%w: adapter %d is %q, ordering expects %q", ErrInvalidConfig, i, a.Name, ordering.Order[i])
		}
	}
	if classifier.NumAdapters() != len(adapters) || classifier.NumLayers() != ordering.NumLayers() {
		return nil, fmt.Errorf("%w: classifier shaped for %d adapters x %d layers, have %d x %d", ErrInvalidConfig,
			classifier.NumAdapters(), classifier.NumLayers(), len(adapters), ordering.NumLayers())
	}
	if hs := classifier.Config().HiddenSize; hs != cfg.HiddenSize {
		return nil, fmt.Errorf("%w: classifier hidden_size %d, model hidden_size %d", ErrInvalidConfig, hs, cfg.HiddenSize)
	}

	base, err := NewGemma(cfg, src, dtype)
	if err != nil {
		return nil, err
	}
	if err := base.attach(adapters, ordering); err != nil {
		return nil, err
	}
	return &XLoraGemma{
		base:       base,
		classifier: classifier,
		ordering:   ordering,
		adapters:   adapters,
		global:     float32(classifier.Config().GlobalScalingWeight),
	}, nil
}

// attach wires adapter pairs into the matching projections.
func (m *Gemma) attach(adapters []*lora.Adapter, ordering *lora.Ordering) error {
	known := make(map[string]bool)
	for li := range m.layers {
		for _, p := range m.layers[li].projections() {
			known[p.name] = true
			pairs := make([]*lora.Pair, len(adapters))
			adapted := false
			for a, ad := range adapters {
				if pair := ad.Pair(p.name); pair != nil {
					if pair.A.C != p.w.C || pair.B.R != p.w.R {
						return fmt.Errorf("%w: adapter %s on %s is [%d x %d], projection is [%d x %d]",
							ErrShapeMismatch, ad.Name, p.name, pair.B.R, pair.A.C, p.w.R, p.w.C)
					}
					pairs[a] = pair
					adapted = true
				}
			}
			if !adapted {
				continue
			}
			slot, ok := ordering.Layers[p.name]
			if !ok {
				return fmt.Errorf("%w: %s is adapted but has no scaling slot in the ordering", ErrInvalidConfig, p.name)
			}
			p.adapters = pairs
			p.slot = slot
		}
	}
	for _, ad := range adapters {
		for _, mod := range ad.Modules() {
			if !known[mod] {
				return fmt.Errorf("%w: adapter %s targets unknown module %s", ErrInvalidConfig, ad.Name, mod)
			}
		}
	}
	return nil
}

func (m *XLoraGemma) Config() Config               { return m.base.cfg }
func (m *XLoraGemma) DType() tensor.DType          { return m.base.dtype }
func (m *XLoraGemma) Cache() *kvcache.Cache        { return m.base.cache }
func (m *XLoraGemma) MaxSeqLen() int               { return m.base.MaxSeqLen() }
func (m *XLoraGemma) NumHiddenLayers() int         { return m.base.NumHiddenLayers() }
func (m *XLoraGemma) VocabSize() int               { return m.base.VocabSize() }
func (m *XLoraGemma) Ordering() *lora.Ordering     { return m.ordering }
func (m *XLoraGemma) Classifier() *lora.Classifier { return m.classifier }

// Forward runs the incremental inputs with adapter scalings computed from
// the matching full-context inputs. full[i] must cover every position of
// inputs[i] from zero. With noCache the input states are ignored and every
// call recomputes from scratch.
func (m *XLoraGemma) Forward(inputs, full []Input, noCache bool) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBadInput)
	}
	if len(full) != len(inputs) {
		return nil, fmt.Errorf("%w: %d incremental inputs, %d full inputs", ErrBadInput, len(inputs), len(full))
	}
	rows := make([][]float32, len(inputs))
	for i := range inputs {
		in, fl := inputs[i], full[i]
		if fl.Offset != 0 || len(fl.Tokens) != in.Offset+len(in.Tokens) {
			return nil, fmt.Errorf("%w: sequence %d full path covers %d positions from %d, incremental path ends at %d",
				ErrBadInput, i, len(fl.Tokens), fl.Offset, in.Offset+len(in.Tokens))
		}
		scalings, err := m.Scalings(fl)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: scaling pass: %w", i, err)
		}
		if noCache {
			in.State = nil
		}
		hidden, _, err := m.base.run(in, func(pos int) lora.Scalings { return scalings[pos] }, m.global, false)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		rows[i] = m.base.logits(hidden)
	}
	return tensor.FromRows(m.base.dtype, rows)
}

// Scalings runs the scaling pass over a full-context input and returns the
// classifier output for every position. The pass uses its own throwaway
// cache and the configured dummy scalings.
func (m *XLoraGemma) Scalings(full Input) ([]lora.Scalings, error) {
	dummy := m.classifier.Dummy()
	full.State = nil
	_, hiddens, err := m.base.run(full, func(int) lora.Scalings { return dummy }, m.global, true)
	if err != nil {
		return nil, err
	}
	out := make([]lora.Scalings, full.Offset+len(hiddens))
	for i, h := range hiddens {
		out[full.Offset+i] = m.classifier.Forward(h)
	}
	return out, nil
}
