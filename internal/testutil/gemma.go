// Package testutil writes small, randomly initialised Gemma repositories for
// tests across packages.
package testutil

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/tensor"
)

// GemmaSpec sizes a fixture model.
type GemmaSpec struct {
	Vocab        int
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	// MaxPos is written to config.json when non-zero.
	MaxPos int
	DType  tensor.DType
	Seed   int64
}

// Tiny is a fixture small enough for exhaustive forward tests.
func Tiny() GemmaSpec {
	return GemmaSpec{Vocab: 320, Hidden: 16, Intermediate: 32, Layers: 2, Heads: 4, KVHeads: 2, HeadDim: 4, Seed: 1}
}

// Projection shapes as [out, in], keyed by the module suffix.
func (s GemmaSpec) projShapes() map[string][2]int {
	q, kv := s.Heads*s.HeadDim, s.KVHeads*s.HeadDim
	return map[string][2]int{
		"self_attn.q_proj": {q, s.Hidden},
		"self_attn.k_proj": {kv, s.Hidden},
		"self_attn.v_proj": {kv, s.Hidden},
		"self_attn.o_proj": {s.Hidden, q},
		"mlp.gate_proj":    {s.Intermediate, s.Hidden},
		"mlp.up_proj":      {s.Intermediate, s.Hidden},
		"mlp.down_proj":    {s.Hidden, s.Intermediate},
	}
}

var projOrder = []string{
	"self_attn.q_proj", "self_attn.k_proj", "self_attn.v_proj", "self_attn.o_proj",
	"mlp.gate_proj", "mlp.up_proj", "mlp.down_proj",
}

func module(layer int, proj string) string {
	return fmt.Sprintf("model.layers.%d.%s", layer, proj)
}

// ConfigJSON renders config.json.
func (s GemmaSpec) ConfigJSON() []byte {
	cfg := map[string]any{
		"architectures":       []string{"GemmaForCausalLM"},
		"model_type":          "gemma",
		"vocab_size":          s.Vocab,
		"hidden_size":         s.Hidden,
		"intermediate_size":   s.Intermediate,
		"num_hidden_layers":   s.Layers,
		"num_attention_heads": s.Heads,
		"num_key_value_heads": s.KVHeads,
		"head_dim":            s.HeadDim,
		"hidden_act":          "gelu_pytorch_tanh",
		"rms_norm_eps":        1e-6,
		"rope_theta":          10000.0,
		"attention_bias":      false,
	}
	if s.MaxPos > 0 {
		cfg["max_position_embeddings"] = s.MaxPos
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return b
}

func randVals(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

// Entries returns randomly initialised base weights.
func (s GemmaSpec) Entries() []safetensors.Entry {
	rng := rand.New(rand.NewSource(s.Seed))
	dt := s.DType
	entries := []safetensors.Entry{
		{Name: "model.embed_tokens.weight", Shape: []int{s.Vocab, s.Hidden}, DType: dt, Data: randVals(rng, s.Vocab*s.Hidden, 0.5)},
		{Name: "model.norm.weight", Shape: []int{s.Hidden}, DType: dt, Data: randVals(rng, s.Hidden, 0.1)},
	}
	shapes := s.projShapes()
	for l := range s.Layers {
		entries = append(entries,
			safetensors.Entry{Name: module(l, "input_layernorm.weight"), Shape: []int{s.Hidden}, DType: dt, Data: randVals(rng, s.Hidden, 0.1)},
			safetensors.Entry{Name: module(l, "post_attention_layernorm.weight"), Shape: []int{s.Hidden}, DType: dt, Data: randVals(rng, s.Hidden, 0.1)},
		)
		for _, p := range projOrder {
			sh := shapes[p]
			entries = append(entries, safetensors.Entry{
				Name:  module(l, p) + ".weight",
				Shape: []int{sh[0], sh[1]},
				DType: dt,
				Data:  randVals(rng, sh[0]*sh[1], 0.2),
			})
		}
	}
	return entries
}

// TokenizerJSON is a SentencePiece style tokenizer with byte fallback that
// can encode any text using ids below 300.
func TokenizerJSON() []byte {
	vocab := map[string]int{"<pad>": 0, "<eos>": 1, "<bos>": 2, "<unk>": 3}
	for b := range 256 {
		vocab[fmt.Sprintf("<0x%02X>", b)] = 4 + b
	}
	vocab["▁"] = 260
	for i, r := range "abcdefghijklmnopqrstuvwxyz" {
		vocab[string(r)] = 261 + i
	}
	vocab["▁h"] = 287
	vocab["▁hi"] = 288
	tok := map[string]any{
		"normalizer": map[string]any{
			"type":    "Replace",
			"pattern": map[string]any{"String": " "},
			"content": "▁",
		},
		"pre_tokenizer": nil,
		"model": map[string]any{
			"type":          "BPE",
			"byte_fallback": true,
			"unk_token":     "<unk>",
			"vocab":         vocab,
			"merges":        []string{"▁ h", "▁h i"},
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<pad>", "special": true},
			{"id": 1, "content": "<eos>", "special": true},
			{"id": 2, "content": "<bos>", "special": true},
			{"id": 3, "content": "<unk>", "special": true},
			{"id": 289, "content": "<start_of_turn>", "special": true},
			{"id": 290, "content": "<end_of_turn>", "special": true},
		},
	}
	b, err := json.Marshal(tok)
	if err != nil {
		panic(err)
	}
	return b
}

// TokenizerConfigJSON renders tokenizer_config.json with the given EOS token.
func TokenizerConfigJSON(eos string) []byte {
	b, err := json.Marshal(map[string]any{
		"add_bos_token": true,
		"add_eos_token": false,
		"bos_token":     "<bos>",
		"eos_token":     map[string]any{"content": eos, "special": true},
		"chat_template": "{{ bos_token }}{% for m in messages %}<start_of_turn>{{ m['role'] }}\n{{ m['content'] }}<end_of_turn>\n{% endfor %}",
	})
	if err != nil {
		panic(err)
	}
	return b
}

func writeFile(tb testing.TB, path string, data []byte) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatal(err)
	}
}

// WriteGemmaRepo lays out a complete base-model repository in dir.
func WriteGemmaRepo(tb testing.TB, dir string, s GemmaSpec) {
	tb.Helper()
	writeFile(tb, filepath.Join(dir, "config.json"), s.ConfigJSON())
	writeFile(tb, filepath.Join(dir, "tokenizer.json"), TokenizerJSON())
	writeFile(tb, filepath.Join(dir, "tokenizer_config.json"), TokenizerConfigJSON("<eos>"))
	if err := safetensors.Write(filepath.Join(dir, "model.safetensors"), s.Entries()); err != nil {
		tb.Fatal(err)
	}
}

// XLoraSpec describes a fixture adapter ensemble.
type XLoraSpec struct {
	Adapters  []string
	Rank      int
	Targets   []string
	Layerwise bool
	Seed      int64
}

// DefaultXLora adapts the attention query and value projections with two
// adapters.
func DefaultXLora() XLoraSpec {
	return XLoraSpec{Adapters: []string{"math", "code"}, Rank: 2, Targets: []string{"q_proj", "v_proj"}, Seed: 7}
}

func (x XLoraSpec) targets(proj string) bool {
	for _, t := range x.Targets {
		if len(proj) >= len(t) && proj[len(proj)-len(t):] == t {
			return true
		}
	}
	return false
}

// WriteXLoraRepo lays out an adapter repository in dir: one directory per
// adapter, the classifier and its config. It also writes ordering.json and
// returns its path.
func WriteXLoraRepo(tb testing.TB, dir string, s GemmaSpec, x XLoraSpec) string {
	tb.Helper()
	rng := rand.New(rand.NewSource(x.Seed))
	shapes := s.projShapes()

	layers := map[string]int{}
	for l := range s.Layers {
		for _, p := range projOrder {
			if x.targets(p) {
				layers[module(l, p)] = len(layers)
			}
		}
	}

	for _, name := range x.Adapters {
		cfg, err := json.Marshal(map[string]any{
			"r":              x.Rank,
			"lora_alpha":     2 * x.Rank,
			"lora_dropout":   0.05,
			"target_modules": x.Targets,
			"peft_type":      "LORA",
		})
		if err != nil {
			tb.Fatal(err)
		}
		writeFile(tb, filepath.Join(dir, name, "adapter_config.json"), cfg)

		var entries []safetensors.Entry
		for l := range s.Layers {
			for _, p := range projOrder {
				if !x.targets(p) {
					continue
				}
				sh := shapes[p]
				prefix := "base_model.model." + module(l, p)
				entries = append(entries,
					safetensors.Entry{Name: prefix + ".lora_A.weight", Shape: []int{x.Rank, sh[1]}, DType: tensor.F32, Data: randVals(rng, x.Rank*sh[1], 0.3)},
					safetensors.Entry{Name: prefix + ".lora_B.weight", Shape: []int{sh[0], x.Rank}, DType: tensor.F32, Data: randVals(rng, sh[0]*x.Rank, 0.3)},
				)
			}
		}
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			tb.Fatal(err)
		}
		if err := safetensors.Write(filepath.Join(dir, name, "adapter_model.safetensors"), entries); err != nil {
			tb.Fatal(err)
		}
	}

	out := len(x.Adapters)
	if x.Layerwise {
		out *= len(layers)
	}
	classifier := []safetensors.Entry{
		{Name: "internal_xlora_classifier.last.weight", Shape: []int{out, s.Hidden}, DType: tensor.F32, Data: randVals(rng, out*s.Hidden, 1)},
		{Name: "internal_xlora_classifier.last.bias", Shape: []int{out}, DType: tensor.F32, Data: randVals(rng, out, 0.1)},
	}
	if err := safetensors.Write(filepath.Join(dir, "xlora_classifier.safetensors"), classifier); err != nil {
		tb.Fatal(err)
	}
	xcfg, err := json.Marshal(map[string]any{
		"hidden_size":        s.Hidden,
		"adapters":           x.Adapters,
		"layerwise_scalings": x.Layerwise,
		"xlora_depth":        1,
		"enable_softmax":     true,
		"use_bias":           true,
	})
	if err != nil {
		tb.Fatal(err)
	}
	writeFile(tb, filepath.Join(dir, "xlora_config.json"), xcfg)

	ord, err := json.Marshal(map[string]any{
		"order":         x.Adapters,
		"layers":        layers,
		"base_model_id": "fixture/gemma",
	})
	if err != nil {
		tb.Fatal(err)
	}
	ordPath := filepath.Join(dir, "ordering.json")
	writeFile(tb, ordPath, ord)
	return ordPath
}
