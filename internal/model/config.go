package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/tensor"
)

const (
	DefaultMaxPositionEmbeddings = 4096
	defaultRMSNormEps            = 1e-6
	defaultRopeTheta             = 10000.0
)

var (
	ErrInvalidConfig   = errors.New("invalid model config")
	ErrUnsupportedArch = errors.New("unsupported model architecture")
)

// Activation names the MLP gate nonlinearity.
type Activation string

const (
	ActGelu     Activation = "gelu"
	ActGeluTanh Activation = "gelu_pytorch_tanh"
)

func parseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gelu_pytorch_tanh", "gelu_new", "gelu_fast":
		return ActGeluTanh, nil
	case "gelu":
		return ActGelu, nil
	default:
		return "", fmt.Errorf("%w: hidden activation %q", ErrInvalidConfig, s)
	}
}

func (a Activation) apply(x float32) float32 {
	if a == ActGelu {
		return tensor.Gelu(x)
	}
	return tensor.GeluTanh(x)
}

// Config is the validated hyperparameter set of a Gemma model. It is a value
// type and never changes after ParseConfig returns.
type Config struct {
	VocabSize             int
	HiddenSize            int
	IntermediateSize      int
	NumHiddenLayers       int
	NumAttentionHeads     int
	NumKeyValueHeads      int
	HeadDim               int
	HiddenAct             Activation
	MaxPositionEmbeddings int
	RMSNormEps            float64
	RopeTheta             float64
	AttentionBias         bool
}

type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	HeadDim               int     `json:"head_dim"`
	HiddenAct             string  `json:"hidden_act"`
	HiddenActivation      string  `json:"hidden_activation"`
	MaxPositionEmbeddings *int    `json:"max_position_embeddings"`
	RMSNormEps            float64 `json:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta"`
	AttentionBias         bool    `json:"attention_bias"`

	RopeScaling     json.RawMessage `json:"rope_scaling"`
	NumLocalExperts int             `json:"num_local_experts"`
	NumExperts      int             `json:"num_experts"`
}

// ParseConfig normalizes a Hugging Face config.json for a Gemma model.
func ParseConfig(raw []byte) (Config, error) {
	var hf hfConfig
	if err := json.Unmarshal(raw, &hf); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := mergeTextConfigMissing(&hf, raw); err != nil {
		return Config{}, fmt.Errorf("%w: text_config: %v", ErrInvalidConfig, err)
	}
	if err := checkArch(&hf); err != nil {
		return Config{}, err
	}
	return normalize(&hf)
}

// LoadConfig reads and normalizes a config.json file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

func normalize(hf *hfConfig) (Config, error) {
	cfg := Config{
		VocabSize:             hf.VocabSize,
		HiddenSize:            hf.HiddenSize,
		IntermediateSize:      hf.IntermediateSize,
		NumHiddenLayers:       hf.NumHiddenLayers,
		NumAttentionHeads:     hf.NumAttentionHeads,
		NumKeyValueHeads:      hf.NumKeyValueHeads,
		HeadDim:               hf.HeadDim,
		MaxPositionEmbeddings: DefaultMaxPositionEmbeddings,
		RMSNormEps:            hf.RMSNormEps,
		RopeTheta:             hf.RopeTheta,
		AttentionBias:         hf.AttentionBias,
	}
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", cfg.VocabSize},
		{"hidden_size", cfg.HiddenSize},
		{"num_hidden_layers", cfg.NumHiddenLayers},
		{"num_attention_heads", cfg.NumAttentionHeads},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return Config{}, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if cfg.IntermediateSize < 0 {
		return Config{}, fmt.Errorf("%w: intermediate_size must not be negative", ErrInvalidConfig)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.NumKeyValueHeads < 0 || cfg.NumAttentionHeads%cfg.NumKeyValueHeads != 0 {
		return Config{}, fmt.Errorf("%w: num_attention_heads %d not divisible by num_key_value_heads %d",
			ErrInvalidConfig, cfg.NumAttentionHeads, cfg.NumKeyValueHeads)
	}
	if cfg.HeadDim == 0 {
		if cfg.HiddenSize%cfg.NumAttentionHeads != 0 {
			return Config{}, fmt.Errorf("%w: hidden_size %d not divisible by num_attention_heads %d",
				ErrInvalidConfig, cfg.HiddenSize, cfg.NumAttentionHeads)
		}
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if cfg.HeadDim < 0 || cfg.HeadDim%2 != 0 {
		return Config{}, fmt.Errorf("%w: head_dim must be a positive even number, got %d", ErrInvalidConfig, cfg.HeadDim)
	}
	if hf.MaxPositionEmbeddings != nil {
		if *hf.MaxPositionEmbeddings <= 0 {
			return Config{}, fmt.Errorf("%w: max_position_embeddings must be positive", ErrInvalidConfig)
		}
		cfg.MaxPositionEmbeddings = *hf.MaxPositionEmbeddings
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = defaultRMSNormEps
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = defaultRopeTheta
	}
	if cfg.RMSNormEps < 0 || cfg.RopeTheta < 0 {
		return Config{}, fmt.Errorf("%w: rms_norm_eps and rope_theta must be positive", ErrInvalidConfig)
	}
	act := hf.HiddenActivation
	if act == "" {
		act = hf.HiddenAct
	}
	var err error
	if cfg.HiddenAct, err = parseActivation(act); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeTextConfigMissing fills missing fields from a nested text_config
// object, as found in multimodal wrappers around a Gemma text model.
func mergeTextConfigMissing(dst *hfConfig, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 || string(textRaw) == "null" {
		return nil
	}
	var text hfConfig
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return err
	}

	fill := func(dst *int, src int) {
		if *dst == 0 && src > 0 {
			*dst = src
		}
	}
	fill(&dst.VocabSize, text.VocabSize)
	fill(&dst.HiddenSize, text.HiddenSize)
	fill(&dst.IntermediateSize, text.IntermediateSize)
	fill(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fill(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fill(&dst.NumKeyValueHeads, text.NumKeyValueHeads)
	fill(&dst.HeadDim, text.HeadDim)
	if dst.MaxPositionEmbeddings == nil {
		dst.MaxPositionEmbeddings = text.MaxPositionEmbeddings
	}
	if dst.RMSNormEps == 0 {
		dst.RMSNormEps = text.RMSNormEps
	}
	if dst.RopeTheta == 0 {
		dst.RopeTheta = text.RopeTheta
	}
	if dst.HiddenAct == "" && dst.HiddenActivation == "" {
		dst.HiddenAct, dst.HiddenActivation = text.HiddenAct, text.HiddenActivation
	}
	if !dst.AttentionBias && text.AttentionBias {
		dst.AttentionBias = true
	}
	if dst.ModelType == "" {
		dst.ModelType = text.ModelType
	}
	return nil
}

// checkArch rejects configs describing something other than a dense Gemma
// text model. Configs without any identity fields are accepted.
func checkArch(cfg *hfConfig) error {
	if cfg.NumLocalExperts > 0 || cfg.NumExperts > 0 {
		return fmt.Errorf("%w: mixture-of-experts models are not supported", ErrUnsupportedArch)
	}
	if len(cfg.RopeScaling) > 0 && string(cfg.RopeScaling) != "null" {
		return fmt.Errorf("%w: rope_scaling is not supported", ErrUnsupportedArch)
	}

	modelType := strings.ToLower(strings.TrimSpace(cfg.ModelType))
	names := []string{modelType}
	for _, a := range cfg.Architectures {
		names = append(names, strings.ToLower(a))
	}
	identified := false
	for _, n := range names {
		if n == "" {
			continue
		}
		identified = true
		if strings.Contains(n, "gemma2") || strings.Contains(n, "gemma3") {
			return fmt.Errorf("%w: %q", ErrUnsupportedArch, n)
		}
		if strings.Contains(n, "gemma") {
			return nil
		}
	}
	if identified {
		return fmt.Errorf("%w: model_type %q (architectures=%v)", ErrUnsupportedArch, cfg.ModelType, cfg.Architectures)
	}
	return nil
}

// KVStride is the number of key (or value) values per position per layer.
func (c Config) KVStride() int { return c.NumKeyValueHeads * c.HeadDim }

// embedScale is the Gemma input normalizer, rounded to the compute dtype.
func (c Config) embedScale(dtype tensor.DType) float32 {
	s := []float32{float32(math.Sqrt(float64(c.HiddenSize)))}
	tensor.Round(s, dtype)
	return s[0]
}
