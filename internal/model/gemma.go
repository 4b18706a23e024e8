// Package model implements the Gemma decoder and its X-LoRA variant on top
// of the pure-Go tensor kernels.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/kvcache"
	"github.com/samcharles93/strata/internal/lora"
	"github.com/samcharles93/strata/internal/tensor"
)

var (
	ErrMissingWeight   = errors.New("missing weight")
	ErrShapeMismatch   = errors.New("weight shape mismatch")
	ErrContextExceeded = errors.New("context length exceeded")
	ErrBadInput        = errors.New("invalid forward input")
)

// WeightSource is the subset of a weight view the model is built from.
type WeightSource interface {
	Has(name string) bool
	Shape(name string) ([]int, bool)
	Mat(name string, dtype tensor.DType) (tensor.Mat, error)
	Vec(name string) ([]float32, error)
}

// Input is the work for one sequence in a forward call: Tokens occupy
// positions Offset, Offset+1, ... State carries the rows for positions
// before Offset; a nil State runs against a throwaway cache.
type Input struct {
	Tokens []int
	Offset int
	State  *kvcache.State
}

// proj is a linear projection with optional low-rank adapters. slot indexes
// the scaling row used for this projection, or is -1.
type proj struct {
	name     string
	w        tensor.Mat
	b        []float32
	adapters []*lora.Pair
	slot     int
}

func (p *proj) forward(x []float32, sc lora.Scalings, global float32) []float32 {
	out := make([]float32, p.w.R)
	if p.b != nil {
		tensor.MatVecBias(out, &p.w, x, p.b)
	} else {
		tensor.MatVec(out, &p.w, x)
	}
	if sc != nil && p.slot >= 0 {
		row := sc[p.slot]
		for a, pair := range p.adapters {
			if pair != nil {
				pair.Apply(out, x, row[a]*global)
			}
		}
	}
	return out
}

type layer struct {
	inputNorm    []float32
	postAttnNorm []float32

	q, k, v, o     proj
	gate, up, down proj
}

func (l *layer) projections() []*proj {
	return []*proj{&l.q, &l.k, &l.v, &l.o, &l.gate, &l.up, &l.down}
}

// Gemma is a dense Gemma decoder with tied input and output embeddings.
type Gemma struct {
	cfg        Config
	dtype      tensor.DType
	embed      tensor.Mat
	embedScale float32
	layers     []layer
	finalNorm  []float32
	invFreq    []float64
	cache      *kvcache.Cache
}

// NewGemma builds the model from src, casting projection weights to dtype.
// An IntermediateSize of zero is taken from the first gate projection.
func NewGemma(cfg Config, src WeightSource, dtype tensor.DType) (*Gemma, error) {
	ld := weightLoader{src: src, dtype: dtype}
	if cfg.IntermediateSize == 0 {
		shape, ok := src.Shape(ModuleName(0, mlpProjections[0]) + ".weight")
		if !ok || len(shape) != 2 {
			return nil, fmt.Errorf("%w: %s.weight (needed to infer intermediate_size)", ErrMissingWeight, ModuleName(0, mlpProjections[0]))
		}
		cfg.IntermediateSize = shape[0]
	}

	h, d := cfg.HiddenSize, cfg.HeadDim
	qDim, kvDim := cfg.NumAttentionHeads*d, cfg.KVStride()

	embed, err := ld.mat(embedName, cfg.VocabSize, h)
	if err != nil {
		return nil, err
	}
	finalNorm, err := ld.norm(finalNormName, h)
	if err != nil {
		return nil, err
	}

	layers := make([]layer, cfg.NumHiddenLayers)
	for i := range layers {
		l := &layers[i]
		if l.inputNorm, err = ld.norm(inputNormName(i), h); err != nil {
			return nil, err
		}
		if l.postAttnNorm, err = ld.norm(postAttnNormName(i), h); err != nil {
			return nil, err
		}
		shapes := []struct {
			p      *proj
			name   string
			r, c   int
			biased bool
		}{
			{&l.q, attnProjections[0], qDim, h, cfg.AttentionBias},
			{&l.k, attnProjections[1], kvDim, h, cfg.AttentionBias},
			{&l.v, attnProjections[2], kvDim, h, cfg.AttentionBias},
			{&l.o, attnProjections[3], h, qDim, cfg.AttentionBias},
			{&l.gate, mlpProjections[0], cfg.IntermediateSize, h, false},
			{&l.up, mlpProjections[1], cfg.IntermediateSize, h, false},
			{&l.down, mlpProjections[2], h, cfg.IntermediateSize, false},
		}
		for _, s := range shapes {
			if *s.p, err = ld.proj(ModuleName(i, s.name), s.r, s.c, s.biased); err != nil {
				return nil, err
			}
		}
	}

	return &Gemma{
		cfg:        cfg,
		dtype:      dtype,
		embed:      embed,
		embedScale: cfg.embedScale(dtype),
		layers:     layers,
		finalNorm:  finalNorm,
		invFreq:    tensor.RopeFreqs(d, cfg.RopeTheta),
		cache:      kvcache.New(cfg.NumHiddenLayers, cfg.NumKeyValueHeads, d, cfg.MaxPositionEmbeddings),
	}, nil
}

func (m *Gemma) Config() Config        { return m.cfg }
func (m *Gemma) DType() tensor.DType   { return m.dtype }
func (m *Gemma) Cache() *kvcache.Cache { return m.cache }
func (m *Gemma) MaxSeqLen() int        { return m.cfg.MaxPositionEmbeddings }
func (m *Gemma) NumHiddenLayers() int  { return m.cfg.NumHiddenLayers }
func (m *Gemma) VocabSize() int        { return m.cfg.VocabSize }

// Forward runs each input and returns the logits of its last position as a
// [len(inputs), 1, vocab] tensor.
func (m *Gemma) Forward(inputs []Input) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrBadInput)
	}
	rows := make([][]float32, len(inputs))
	for i, in := range inputs {
		hidden, _, err := m.run(in, nil, 0, false)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		rows[i] = m.logits(hidden)
	}
	return tensor.FromRows(m.dtype, rows)
}

// scalingFn returns the adapter scalings for an absolute position, or nil
// when no adapters apply.
type scalingFn func(pos int) lora.Scalings

// run advances one sequence. It returns the final-normed hidden state of the
// last token and, when collect is set, of every token.
func (m *Gemma) run(in Input, scalings scalingFn, global float32, collect bool) ([]float32, [][]float32, error) {
	if len(in.Tokens) == 0 {
		return nil, nil, fmt.Errorf("%w: no tokens", ErrBadInput)
	}
	if in.Offset < 0 {
		return nil, nil, fmt.Errorf("%w: negative offset %d", ErrBadInput, in.Offset)
	}
	state := in.State
	if state == nil {
		state = m.cache.NewState()
	} else if !m.cache.Compatible(state) {
		return nil, nil, fmt.Errorf("%w: kv state does not match model layout", ErrBadInput)
	}
	switch cached := state.Len(); {
	case in.Offset < cached:
		state.Truncate(in.Offset)
	case in.Offset > cached:
		return nil, nil, fmt.Errorf("%w: offset %d beyond %d cached positions", ErrBadInput, in.Offset, cached)
	}
	if end := in.Offset + len(in.Tokens); end > m.cfg.MaxPositionEmbeddings {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrContextExceeded, end, m.cfg.MaxPositionEmbeddings)
	}

	var all [][]float32
	var hidden []float32
	for i, tok := range in.Tokens {
		pos := in.Offset + i
		var sc lora.Scalings
		if scalings != nil {
			sc = scalings(pos)
		}
		x, err := m.step(tok, pos, state, sc, global)
		if err != nil {
			return nil, nil, err
		}
		if collect || i == len(in.Tokens)-1 {
			hidden = make([]float32, len(x))
			tensor.RMSNorm(hidden, x, m.finalNorm, float32(m.cfg.RMSNormEps))
			if collect {
				all = append(all, hidden)
			}
		}
	}
	return hidden, all, nil
}

func (m *Gemma) step(tok, pos int, state *kvcache.State, sc lora.Scalings, global float32) ([]float32, error) {
	if tok < 0 || tok >= m.cfg.VocabSize {
		return nil, fmt.Errorf("%w: token id %d out of range [0, %d)", ErrBadInput, tok, m.cfg.VocabSize)
	}
	eps := float32(m.cfg.RMSNormEps)
	x := make([]float32, m.cfg.HiddenSize)
	m.embed.RowTo(x, tok)
	tensor.Scale(x, m.embedScale)

	h := make([]float32, m.cfg.HiddenSize)
	for li := range m.layers {
		l := &m.layers[li]

		tensor.RMSNorm(h, x, l.inputNorm, eps)
		attn, err := m.attention(l, state.Layer(li), h, pos, sc, global)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", li, err)
		}
		tensor.Add(x, attn)

		tensor.RMSNorm(h, x, l.postAttnNorm, eps)
		tensor.Add(x, m.mlp(l, h, sc, global))
	}
	return x, nil
}

func (m *Gemma) attention(l *layer, kv *kvcache.Layer, x []float32, pos int, sc lora.Scalings, global float32) ([]float32, error) {
	nHead := m.cfg.NumAttentionHeads
	kvHeads := m.cfg.NumKeyValueHeads
	headDim := m.cfg.HeadDim

	q := l.q.forward(x, sc, global)
	k := l.k.forward(x, sc, global)
	v := l.v.forward(x, sc, global)

	tensor.ApplyRoPE(q, nHead, headDim, pos, m.invFreq)
	tensor.ApplyRoPE(k, kvHeads, headDim, pos, m.invFreq)

	if err := kv.Append(k, v); err != nil {
		return nil, err
	}
	n := kv.Len()

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := make([]float32, nHead*headDim)
	scores := make([]float32, n)
	for hd := range nHead {
		kvHead := hd * kvHeads / nHead
		lo, hi := kvHead*headDim, (kvHead+1)*headDim
		qh := q[hd*headDim : (hd+1)*headDim]
		for t := range n {
			scores[t] = tensor.Dot(qh, kv.K(t)[lo:hi]) * scale
		}
		tensor.Softmax(scores)
		oh := out[hd*headDim : (hd+1)*headDim]
		for t := range n {
			tensor.AddScaled(oh, kv.V(t)[lo:hi], scores[t])
		}
	}
	return l.o.forward(out, sc, global), nil
}

func (m *Gemma) mlp(l *layer, x []float32, sc lora.Scalings, global float32) []float32 {
	gate := l.gate.forward(x, sc, global)
	up := l.up.forward(x, sc, global)
	for i := range gate {
		gate[i] = m.cfg.HiddenAct.apply(gate[i]) * up[i]
	}
	return l.down.forward(gate, sc, global)
}

// logits projects a final hidden state through the tied embedding matrix.
func (m *Gemma) logits(hidden []float32) []float32 {
	out := make([]float32, m.cfg.VocabSize)
	tensor.MatVec(out, &m.embed, hidden)
	return out
}

// weightLoader reads named tensors and checks their shapes.
type weightLoader struct {
	src   WeightSource
	dtype tensor.DType
}

func (ld weightLoader) mat(name string, r, c int) (tensor.Mat, error) {
	shape, ok := ld.src.Shape(name)
	if !ok {
		return tensor.Mat{}, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	if len(shape) != 2 || shape[0] != r || shape[1] != c {
		return tensor.Mat{}, fmt.Errorf("%w: %s has shape %v, want [%d %d]", ErrShapeMismatch, name, shape, r, c)
	}
	return ld.src.Mat(name, ld.dtype)
}

func (ld weightLoader) vec(name string, n int) ([]float32, error) {
	if !ld.src.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	v, err := ld.src.Vec(name)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, fmt.Errorf("%w: %s has %d values, want %d", ErrShapeMismatch, name, len(v), n)
	}
	return v, nil
}

// norm loads an RMSNorm weight. Gemma stores the offset from one.
func (ld weightLoader) norm(name string, n int) ([]float32, error) {
	v, err := ld.vec(name, n)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range v {
		out[i] = v[i] + 1
	}
	return out, nil
}

func (ld weightLoader) proj(module string, r, c int, bias bool) (proj, error) {
	w, err := ld.mat(module+".weight", r, c)
	if err != nil {
		return proj{}, err
	}
	p := proj{name: module, w: w, slot: -1}
	if bias {
		if p.b, err = ld.vec(module+".bias", r); err != nil {
			return proj{}, err
		}
	}
	return p, nil
}
