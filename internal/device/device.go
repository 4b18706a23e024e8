package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/strata/internal/tensor"
)

// Kind names a compute backend.
type Kind string

const (
	CPU   Kind = "cpu"
	CUDA  Kind = "cuda"
	Metal Kind = "metal"
	Auto  Kind = "auto"
)

// Device is a backend plus an ordinal for multi-GPU hosts.
type Device struct {
	Kind    Kind
	Ordinal int
}

// Parse accepts "cpu", "cuda", "cuda:1", "metal" and "auto". Auto resolves
// to the best available backend in this build.
func Parse(name string) (Device, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		s = string(Auto)
	}
	kind, ord, hasOrd := strings.Cut(s, ":")
	d := Device{Kind: Kind(kind)}
	if hasOrd {
		n, err := strconv.Atoi(ord)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal %q", ord)
		}
		d.Ordinal = n
	}
	switch d.Kind {
	case CPU, CUDA, Metal:
		return d, nil
	case Auto:
		return Best(), nil
	default:
		return Device{}, fmt.Errorf("unknown device %q (expected auto, cpu, cuda or metal)", name)
	}
}

// Best returns the most capable device compiled into this build.
func Best() Device {
	for _, k := range []Kind{CUDA, Metal} {
		if Has(k) {
			return Device{Kind: k}
		}
	}
	return Device{Kind: CPU}
}

func (d Device) String() string {
	if d.Kind == CPU || d.Kind == "" {
		return string(CPU)
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}

// IsAccelerated reports whether the device is a GPU-class backend.
func (d Device) IsAccelerated() bool {
	return d.Kind == CUDA || d.Kind == Metal
}

// DefaultDType is the compute precision used when the caller does not pick
// one: bf16 on accelerated devices, f32 otherwise.
func DefaultDType(d Device) tensor.DType {
	if d.IsAccelerated() {
		return tensor.BF16
	}
	return tensor.F32
}
