package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/tensor"
)

// writeRawHeader writes a header followed by payloadLen zero bytes.
func writeRawHeader(t *testing.T, path string, header any, payloadLen int) {
	t.Helper()
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := make([]byte, 8, 8+len(hb)+payloadLen)
	binary.LittleEndian.PutUint64(buf, uint64(len(hb)))
	buf = append(buf, hb...)
	buf = append(buf, make([]byte, payloadLen)...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	err := Write(path, []Entry{
		{Name: "a", Shape: []int{2, 3}, DType: tensor.F32, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "b", Shape: []int{2}, DType: tensor.BF16, Data: []float32{1.5, -2}},
		{Name: "c", Shape: []int{1, 2}, DType: tensor.F16, Data: []float32{0.25, 8}},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if !slices.Equal(f.Names(), []string{"a", "b", "c"}) {
		t.Fatalf("names %v", f.Names())
	}
	tests := []struct {
		name string
		want []float32
	}{
		{name: "a", want: []float32{1, 2, 3, 4, 5, 6}},
		{name: "b", want: []float32{1.5, -2}},
		{name: "c", want: []float32{0.25, 8}},
	}
	for _, tt := range tests {
		got, _, err := f.ReadTensorF32(tt.name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", tt.name, err)
		}
		if !slices.Equal(got, tt.want) {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
	if f.Size() != 24+4+4 {
		t.Fatalf("payload size %d", f.Size())
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open(filepath.Join(t.TempDir(), "missing.safetensors")); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestOpenHeaderLengthPastEOF(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<20)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("expected ErrCorruptFile, got %v", err)
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	hb := []byte("{not json")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(hb)))
	if err := os.WriteFile(path, append(buf, hb...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOpenRejectsBadOffsets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		offsets []int64
	}{
		{name: "single offset", offsets: []int64{0}},
		{name: "inverted", offsets: []int64{8, 4}},
		{name: "past payload", offsets: []int64{0, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "x.safetensors")
			writeRawHeader(t, path, map[string]tensorHeader{
				"w": {DType: "F32", Shape: []int{2}, DataOffsets: tt.offsets},
			}, 8)
			if _, err := Open(path); err == nil {
				t.Fatal("expected offsets error")
			}
		})
	}
}

func TestMetadataParsed(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meta.safetensors")
	writeRawHeader(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"w":            tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{0, 4}},
	}, 4)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata %v", f.Metadata)
	}
	if _, ok := f.Tensor("__metadata__"); ok {
		t.Fatal("metadata must not be listed as a tensor")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.safetensors")
	writeRawHeader(t, path, map[string]tensorHeader{
		"i8":    {DType: "I8", Shape: []int{4}, DataOffsets: []int64{0, 4}},
		"short": {DType: "F32", Shape: []int{3}, DataOffsets: []int64{4, 8}},
	}, 8)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, _, err := f.ReadTensorF32("missing"); err == nil {
		t.Fatal("expected not found")
	}
	if _, _, err := f.ReadTensorF32("i8"); err == nil {
		t.Fatal("expected unsupported dtype")
	}
	if _, _, err := f.ReadTensorF32("short"); err == nil {
		t.Fatal("expected size mismatch")
	}
}

func TestReadAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "x.safetensors")
	if err := Write(path, []Entry{{Name: "w", Shape: []int{1}, Data: []float32{1}}}); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.ReadTensor("w"); err == nil {
		t.Fatal("expected closed error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{shape: nil, want: 1},
		{shape: []int{3, 4}, want: 12},
		{shape: []int{2, 0}, wantErr: true},
		{shape: []int{-1}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := numElements(tt.shape)
		if (err != nil) != tt.wantErr {
			t.Fatalf("numElements(%v) err=%v", tt.shape, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("numElements(%v) = %d want %d", tt.shape, got, tt.want)
		}
	}
}
