package lora

import (
	"fmt"
	"slices"

	"github.com/samcharles93/strata/internal/tensor"
)

const classifierPrefix = "internal_xlora_classifier."

// WeightSource is the subset of a weight view the classifier is read from.
type WeightSource interface {
	Has(name string) bool
	Mat(name string, dtype tensor.DType) (tensor.Mat, error)
	Vec(name string) ([]float32, error)
}

type linear struct {
	w tensor.Mat
	b []float32
}

func (l *linear) forward(x []float32) []float32 {
	out := make([]float32, l.w.R)
	if l.b != nil {
		tensor.MatVecBias(out, &l.w, x, l.b)
	} else {
		tensor.MatVec(out, &l.w, x)
	}
	return out
}

// Scalings holds the per-layer adapter weights of one position, indexed
// [layer slot][adapter].
type Scalings [][]float32

// Classifier maps a hidden state to adapter scalings.
type Classifier struct {
	cfg       XLoraConfig
	inner     []linear
	last      linear
	nAdapters int
	nLayers   int
}

// LoadClassifier reads the classifier MLP. nLayers is the number of adapted
// linear layers, nAdapters the number of adapters in the ordering.
func LoadClassifier(cfg XLoraConfig, nAdapters, nLayers int, src WeightSource, dtype tensor.DType) (*Classifier, error) {
	if nAdapters <= 0 || nLayers <= 0 {
		return nil, fmt.Errorf("%w: classifier needs adapters and layers, got %d and %d", ErrInvalidConfig, nAdapters, nLayers)
	}
	c := &Classifier{cfg: cfg, nAdapters: nAdapters, nLayers: nLayers}
	in := cfg.HiddenSize
	for i := 0; i < cfg.XLoraDepth-1; i++ {
		l, err := loadLinear(src, fmt.Sprintf("%sinner.%d", classifierPrefix, i), cfg.UseBias, dtype)
		if err != nil {
			return nil, err
		}
		if l.w.C != in || l.w.R != cfg.XLoraSize {
			return nil, fmt.Errorf("classifier inner.%d: shape [%d %d], want [%d %d]", i, l.w.R, l.w.C, cfg.XLoraSize, in)
		}
		c.inner = append(c.inner, l)
		in = cfg.XLoraSize
	}
	last, err := loadLinear(src, classifierPrefix+"last", cfg.UseBias, dtype)
	if err != nil {
		return nil, err
	}
	out := nAdapters
	if cfg.LayerwiseScalings {
		out *= nLayers
	}
	if last.w.C != in || last.w.R != out {
		return nil, fmt.Errorf("classifier last: shape [%d %d], want [%d %d]", last.w.R, last.w.C, out, in)
	}
	c.last = last
	return c, nil
}

func loadLinear(src WeightSource, prefix string, bias bool, dtype tensor.DType) (linear, error) {
	w, err := src.Mat(prefix+".weight", dtype)
	if err != nil {
		return linear{}, fmt.Errorf("classifier: %w", err)
	}
	l := linear{w: w}
	if bias {
		if !src.Has(prefix + ".bias") {
			return linear{}, fmt.Errorf("classifier: missing %s.bias", prefix)
		}
		b, err := src.Vec(prefix + ".bias")
		if err != nil {
			return linear{}, fmt.Errorf("classifier: %w", err)
		}
		if len(b) != w.R {
			return linear{}, fmt.Errorf("classifier: %s.bias has %d values, want %d", prefix, len(b), w.R)
		}
		l.b = b
	}
	return l, nil
}

func (c *Classifier) NumAdapters() int    { return c.nAdapters }
func (c *Classifier) NumLayers() int      { return c.nLayers }
func (c *Classifier) Config() XLoraConfig { return c.cfg }

// Dummy returns scalings filled with the configured scaling-pass value.
func (c *Classifier) Dummy() Scalings {
	s := make(Scalings, c.nLayers)
	for i := range s {
		s[i] = make([]float32, c.nAdapters)
		for j := range s[i] {
			s[i][j] = float32(c.cfg.ScalingPassValue)
		}
	}
	return s
}

// Forward computes the scalings for one hidden state.
func (c *Classifier) Forward(hidden []float32) Scalings {
	h := hidden
	for i := range c.inner {
		h = c.inner[i].forward(h)
		if c.cfg.EnableReluAndDropout {
			tensor.Relu(h)
		}
	}
	logits := c.last.forward(h)

	s := make(Scalings, c.nLayers)
	for l := range s {
		if c.cfg.LayerwiseScalings {
			s[l] = logits[l*c.nAdapters : (l+1)*c.nAdapters]
		} else {
			s[l] = slices.Clone(logits)
		}
		if c.cfg.EnableSoftmax {
			tensor.Scale(s[l], float32(1/c.cfg.SoftmaxTemperature))
			tensor.Softmax(s[l])
		}
		if c.cfg.TopKLora != nil {
			keepTopK(s[l], *c.cfg.TopKLora)
		}
	}
	return s
}

// keepTopK zeroes all but the k largest entries.
func keepTopK(x []float32, k int) {
	if k >= len(x) {
		return
	}
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case x[a] > x[b]:
			return -1
		case x[a] < x[b]:
			return 1
		}
		return 0
	})
	for _, i := range idx[k:] {
		x[i] = 0
	}
}
