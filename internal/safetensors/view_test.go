package safetensors

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/strata/internal/tensor"
)

func writeShards(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	a := filepath.Join(dir, "model-00001-of-00002.safetensors")
	b := filepath.Join(dir, "model-00002-of-00002.safetensors")
	if err := Write(a, []Entry{
		{Name: "w", Shape: []int{2, 2}, DType: tensor.BF16, Data: []float32{1, 2, 3, 4}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := Write(b, []Entry{
		{Name: "norm", Shape: []int{2}, DType: tensor.F32, Data: []float32{0.5, 0.25}},
	}); err != nil {
		t.Fatal(err)
	}
	return []string{a, b}
}

func TestOpenViewAcrossShards(t *testing.T) {
	t.Parallel()
	v, err := OpenView(t.Context(), writeShards(t))
	if err != nil {
		t.Fatalf("OpenView: %v", err)
	}
	defer func() { _ = v.Close() }()

	if !slices.Equal(v.Names(), []string{"norm", "w"}) {
		t.Fatalf("names %v", v.Names())
	}
	if shape, ok := v.Shape("w"); !ok || !slices.Equal(shape, []int{2, 2}) {
		t.Fatalf("shape %v %v", shape, ok)
	}
	norm, err := v.Vec("norm")
	if err != nil || !slices.Equal(norm, []float32{0.5, 0.25}) {
		t.Fatalf("Vec: %v %v", norm, err)
	}
}

func TestViewMatCastsToRequestedDType(t *testing.T) {
	t.Parallel()
	v, err := OpenView(t.Context(), writeShards(t))
	if err != nil {
		t.Fatalf("OpenView: %v", err)
	}
	defer func() { _ = v.Close() }()

	tests := []struct {
		dtype   tensor.DType
		wantRaw bool
	}{
		{dtype: tensor.BF16, wantRaw: true},
		{dtype: tensor.F32, wantRaw: false},
		{dtype: tensor.F16, wantRaw: true},
	}
	for _, tt := range tests {
		m, err := v.Mat("w", tt.dtype)
		if err != nil {
			t.Fatalf("Mat(%s): %v", tt.dtype, err)
		}
		if m.DType != tt.dtype || (m.Raw != nil) != tt.wantRaw {
			t.Fatalf("Mat(%s): dtype=%s raw=%v", tt.dtype, m.DType, m.Raw != nil)
		}
		if got := m.Row(1); !slices.Equal(got, []float32{3, 4}) {
			t.Fatalf("Mat(%s) row 1 = %v", tt.dtype, got)
		}
	}
	if _, err := v.Mat("norm", tensor.F32); err == nil {
		t.Fatal("expected 2D error for vector tensor")
	}
}

func TestOpenViewRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "a.safetensors"), filepath.Join(dir, "b.safetensors")}
	for _, p := range paths {
		if err := Write(p, []Entry{{Name: "w", Shape: []int{1}, Data: []float32{1}}}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := OpenView(t.Context(), paths)
	if err == nil || !strings.Contains(err.Error(), "present in both") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestOpenViewMissingShard(t *testing.T) {
	t.Parallel()
	paths := append(writeShards(t), filepath.Join(t.TempDir(), "nope.safetensors"))
	if _, err := OpenView(t.Context(), paths); err == nil {
		t.Fatal("expected missing shard error")
	}
	if _, err := OpenView(t.Context(), nil); err == nil {
		t.Fatal("expected empty path list error")
	}
}
