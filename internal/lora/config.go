// Package lora loads low-rank adapters and the X-LoRA classifier that mixes
// them.
package lora

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

var ErrInvalidConfig = errors.New("invalid adapter configuration")

// Config is a PEFT adapter_config.json.
type Config struct {
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	BaseModel     string   `json:"base_model_name_or_path"`
	PeftType      string   `json:"peft_type"`
}

// ParseConfig decodes and validates an adapter config.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse adapter config: %w", err)
	}
	if c.PeftType != "" && !strings.EqualFold(c.PeftType, "LORA") {
		return Config{}, fmt.Errorf("%w: peft_type %q", ErrInvalidConfig, c.PeftType)
	}
	if c.Rank <= 0 {
		return Config{}, fmt.Errorf("%w: r must be positive, got %d", ErrInvalidConfig, c.Rank)
	}
	if len(c.TargetModules) == 0 {
		return Config{}, fmt.Errorf("%w: no target_modules", ErrInvalidConfig)
	}
	if c.Alpha == 0 {
		c.Alpha = float64(c.Rank)
	}
	return c, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Scale is the alpha/r factor applied to the low-rank update.
func (c Config) Scale() float32 { return float32(c.Alpha / float64(c.Rank)) }

// Targets reports whether module (e.g. "model.layers.0.self_attn.q_proj")
// is adapted by this config.
func (c Config) Targets(module string) bool {
	leaf := module
	if i := strings.LastIndexByte(module, '.'); i >= 0 {
		leaf = module[i+1:]
	}
	return slices.Contains(c.TargetModules, leaf) || slices.Contains(c.TargetModules, module)
}

// Ordering fixes the adapter order and the scaling slot of every adapted
// linear layer.
type Ordering struct {
	Order       []string       `json:"order"`
	Layers      map[string]int `json:"layers"`
	BaseModelID string         `json:"base_model_id"`
}

func ParseOrdering(data []byte) (*Ordering, error) {
	var o Ordering
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse ordering: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func LoadOrdering(path string) (*Ordering, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOrdering(data)
}

// Validate checks that adapter names are unique and scaling slots dense.
func (o *Ordering) Validate() error {
	if len(o.Order) == 0 {
		return fmt.Errorf("%w: ordering lists no adapters", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(o.Order))
	for _, name := range o.Order {
		if name == "" {
			return fmt.Errorf("%w: empty adapter name in ordering", ErrInvalidConfig)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: adapter %q listed twice", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}
	if len(o.Layers) == 0 {
		return fmt.Errorf("%w: ordering maps no layers", ErrInvalidConfig)
	}
	used := make([]bool, len(o.Layers))
	for module, idx := range o.Layers {
		if idx < 0 || idx >= len(o.Layers) || used[idx] {
			return fmt.Errorf("%w: layer index %d for %s", ErrInvalidConfig, idx, module)
		}
		used[idx] = true
	}
	return nil
}

// NumLayers is the number of adapted linear layers.
func (o *Ordering) NumLayers() int { return len(o.Layers) }

// XLoraConfig is xlora_config.json, describing the scaling classifier.
type XLoraConfig struct {
	HiddenSize           int      `json:"hidden_size"`
	BaseModelID          string   `json:"base_model_id"`
	LayerwiseScalings    bool     `json:"layerwise_scalings"`
	EnableReluAndDropout bool     `json:"enable_relu_and_dropout"`
	UseBias              bool     `json:"use_bias"`
	XLoraDepth           int      `json:"xlora_depth"`
	XLoraSize            int      `json:"xlora_size"`
	XLoraDropoutP        float64  `json:"xlora_dropout_p"`
	EnableSoftmax        bool     `json:"enable_softmax"`
	SoftmaxTemperature   float64  `json:"softmax_temperature"`
	TopKLora             *int     `json:"top_k_lora"`
	ScalingPassValue     float64  `json:"scaling_pass_value"`
	GlobalScalingWeight  float64  `json:"global_scaling_weight"`
	Adapters             []string `json:"-"`
}

// ParseXLoraConfig decodes an X-LoRA config, filling in the defaults for
// fields the file leaves out.
func ParseXLoraConfig(data []byte) (XLoraConfig, error) {
	c := XLoraConfig{
		UseBias:             true,
		XLoraDepth:          1,
		XLoraSize:           2048,
		XLoraDropoutP:       0.2,
		EnableSoftmax:       true,
		SoftmaxTemperature:  1,
		GlobalScalingWeight: 1,
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return XLoraConfig{}, fmt.Errorf("parse xlora config: %w", err)
	}
	var aux struct {
		Adapters json.RawMessage `json:"adapters"`
	}
	if err := json.Unmarshal(data, &aux); err == nil && len(aux.Adapters) > 0 {
		c.Adapters = adapterNames(aux.Adapters)
	}
	if c.HiddenSize <= 0 {
		return XLoraConfig{}, fmt.Errorf("%w: hidden_size must be positive", ErrInvalidConfig)
	}
	if c.XLoraDepth <= 0 {
		return XLoraConfig{}, fmt.Errorf("%w: xlora_depth must be positive", ErrInvalidConfig)
	}
	if c.XLoraDepth > 1 && c.XLoraSize <= 0 {
		return XLoraConfig{}, fmt.Errorf("%w: xlora_size must be positive", ErrInvalidConfig)
	}
	if c.SoftmaxTemperature <= 0 {
		return XLoraConfig{}, fmt.Errorf("%w: softmax_temperature must be positive", ErrInvalidConfig)
	}
	if c.TopKLora != nil && *c.TopKLora <= 0 {
		return XLoraConfig{}, fmt.Errorf("%w: top_k_lora must be positive", ErrInvalidConfig)
	}
	return c, nil
}

// adapterNames accepts the adapters field either as a name list or as a
// name to path map.
func adapterNames(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		slices.Sort(names)
		return names
	}
	return nil
}

func LoadXLoraConfig(path string) (XLoraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return XLoraConfig{}, err
	}
	c, err := ParseXLoraConfig(data)
	if err != nil {
		return XLoraConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
