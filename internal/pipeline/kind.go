package pipeline

import (
	"fmt"
	"strings"
)

// ModelKind selects the weight format and whether an adapter ensemble is
// attached.
type ModelKind string

const (
	KindNormal    ModelKind = "normal"
	KindXLora     ModelKind = "xlora-normal"
	KindGGUF      ModelKind = "gguf"
	KindGGML      ModelKind = "ggml"
	KindXLoraGGUF ModelKind = "xlora-gguf"
	KindXLoraGGML ModelKind = "xlora-ggml"
)

var kinds = []ModelKind{KindNormal, KindXLora, KindGGUF, KindGGML, KindXLoraGGUF, KindXLoraGGML}

// ParseModelKind accepts the kind names above. "xlora" is short for
// xlora-normal and an empty string means normal.
func ParseModelKind(s string) (ModelKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return KindNormal, nil
	case "xlora":
		return KindXLora, nil
	}
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown model kind %q", s)
}

func (k ModelKind) IsXLora() bool {
	return k == KindXLora || k == KindXLoraGGUF || k == KindXLoraGGML
}

func (k ModelKind) IsQuantized() bool {
	switch k {
	case KindGGUF, KindGGML, KindXLoraGGUF, KindXLoraGGML:
		return true
	}
	return false
}

// check rejects kinds this build does not implement.
func (k ModelKind) check() error {
	switch {
	case k == KindNormal || k == KindXLora:
		return nil
	case k.IsQuantized():
		return &UnsupportedVariantError{Kind: k, Reason: "quantized weights are not supported by the gemma pipeline"}
	default:
		return &UnsupportedVariantError{Kind: k, Reason: "unknown model kind"}
	}
}
