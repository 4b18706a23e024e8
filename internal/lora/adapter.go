package lora

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samcharles93/strata/internal/tensor"
)

const (
	peftPrefix = "base_model.model."
	suffixA    = ".lora_A.weight"
	suffixB    = ".lora_B.weight"
)

// TensorSource is the subset of a weight view adapters are read from.
type TensorSource interface {
	Names() []string
	Mat(name string, dtype tensor.DType) (tensor.Mat, error)
}

// Pair is the low-rank update of one linear layer: B·A with A shaped
// [rank, in] and B shaped [out, rank].
type Pair struct {
	A, B  tensor.Mat
	Scale float32
}

// Apply adds weight·Scale·B·A·x to dst.
func (p *Pair) Apply(dst, x []float32, weight float32) {
	if weight == 0 {
		return
	}
	mid := make([]float32, p.A.R)
	tensor.MatVec(mid, &p.A, x)
	out := make([]float32, p.B.R)
	tensor.MatVec(out, &p.B, mid)
	tensor.AddScaled(dst, out, weight*p.Scale)
}

// Adapter is one named LoRA adapter, keyed by module path such as
// "model.layers.0.self_attn.q_proj".
type Adapter struct {
	Name   string
	Config Config
	pairs  map[string]*Pair
}

// Pair returns the update for module, or nil when the adapter does not
// touch it.
func (a *Adapter) Pair(module string) *Pair { return a.pairs[module] }

// Modules lists the adapted module paths in sorted order.
func (a *Adapter) Modules() []string {
	out := make([]string, 0, len(a.pairs))
	for m := range a.pairs {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// LoadAdapter reads every lora_A/lora_B pair from src.
func LoadAdapter(name string, cfg Config, src TensorSource, dtype tensor.DType) (*Adapter, error) {
	a := &Adapter{Name: name, Config: cfg, pairs: make(map[string]*Pair)}
	for _, tn := range src.Names() {
		if !strings.HasSuffix(tn, suffixA) {
			continue
		}
		module := strings.TrimPrefix(strings.TrimSuffix(tn, suffixA), peftPrefix)
		if !cfg.Targets(module) {
			return nil, fmt.Errorf("adapter %s: %s is not in target_modules", name, module)
		}
		am, err := src.Mat(tn, dtype)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", name, err)
		}
		bName := strings.TrimSuffix(tn, suffixA) + suffixB
		bm, err := src.Mat(bName, dtype)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: missing lora_B for %s: %w", name, module, err)
		}
		if am.R != cfg.Rank || bm.C != cfg.Rank {
			return nil, fmt.Errorf("adapter %s: %s has rank A=%d B=%d, config r=%d", name, module, am.R, bm.C, cfg.Rank)
		}
		a.pairs[module] = &Pair{A: am, B: bm, Scale: cfg.Scale()}
	}
	if len(a.pairs) == 0 {
		return nil, fmt.Errorf("adapter %s: no lora weights found", name)
	}
	return a, nil
}
