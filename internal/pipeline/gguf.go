package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// GGUFInfo summarises a GGUF file header.
type GGUFInfo struct {
	Path         string
	Architecture string
	Name         string
	FileType     string
	Parameters   string
	Size         string
	TensorCount  uint64
}

// DescribeGGUF reads the header of a GGUF file without loading tensors.
func DescribeGGUF(path string) (GGUFInfo, error) {
	f, err := parser.ParseGGUFFile(path)
	if err != nil {
		return GGUFInfo{}, fmt.Errorf("parse gguf %s: %w", path, err)
	}
	md := f.Metadata()
	return GGUFInfo{
		Path:         path,
		Architecture: strings.TrimSpace(md.Architecture),
		Name:         strings.TrimSpace(md.Name),
		FileType:     strings.TrimSpace(md.FileType.String()),
		Parameters:   md.Parameters.String(),
		Size:         md.Size.String(),
		TensorCount:  f.Header.TensorCount,
	}, nil
}

func isGGUF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gguf")
}

// rejectGGUF returns an UnsupportedVariantError naming the first GGUF file
// in paths, described from its header when it parses.
func rejectGGUF(kind ModelKind, paths []string) error {
	for _, p := range paths {
		if !isGGUF(p) {
			continue
		}
		info, err := DescribeGGUF(p)
		if err != nil {
			return &UnsupportedVariantError{Kind: kind, Reason: "gguf weights are not supported", Err: err}
		}
		return &UnsupportedVariantError{
			Kind: kind,
			Reason: fmt.Sprintf("gguf weights are not supported (%s, arch %s, %s, %s params)",
				filepath.Base(p), info.Architecture, info.FileType, info.Parameters),
		}
	}
	return nil
}
