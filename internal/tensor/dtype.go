package tensor

import (
	"fmt"
	"strings"
)

// DType is the element encoding of a matrix or tensor.
type DType uint8

const (
	F32 DType = iota
	BF16
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case BF16, F16:
		return 2
	default:
		return 0
	}
}

// ParseDType accepts the spellings used on the command line and in
// config.json's torch_dtype field.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q (expected f32, bf16 or f16)", s)
	}
}

// FromSafetensors maps a safetensors header dtype to a DType.
func FromSafetensors(s string) (DType, bool) {
	switch s {
	case "F32":
		return F32, true
	case "BF16":
		return BF16, true
	case "F16":
		return F16, true
	default:
		return 0, false
	}
}
