package model

import "fmt"

const (
	embedName      = "model.embed_tokens.weight"
	finalNormName  = "model.norm.weight"
	modulePrefixFn = "model.layers.%d."
)

// Projection names inside a decoder layer, in the order the adapters and
// the scaling slots refer to them.
var (
	attnProjections = []string{"self_attn.q_proj", "self_attn.k_proj", "self_attn.v_proj", "self_attn.o_proj"}
	mlpProjections  = []string{"mlp.gate_proj", "mlp.up_proj", "mlp.down_proj"}
)

// ModuleName is the dotted path of a projection, e.g.
// "model.layers.0.self_attn.q_proj". Adapter weights and ordering files
// use these paths.
func ModuleName(layer int, proj string) string {
	return fmt.Sprintf(modulePrefixFn, layer) + proj
}

func inputNormName(layer int) string {
	return fmt.Sprintf(modulePrefixFn+"input_layernorm.weight", layer)
}

func postAttnNormName(layer int) string {
	return fmt.Sprintf(modulePrefixFn+"post_attention_layernorm.weight", layer)
}
