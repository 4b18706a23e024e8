package tensor

import (
	"slices"
	"testing"
)

func TestParseDType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    DType
		wantErr bool
	}{
		{in: "bf16", want: BF16},
		{in: "BFloat16", want: BF16},
		{in: "float32", want: F32},
		{in: "half", want: F16},
		{in: "int8", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDType(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDType(%q) = %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestTensorIndexSqueeze(t *testing.T) {
	t.Parallel()
	logits, err := FromRows(F32, [][]float32{{1, 2, 3}, {4, 5, 6}})
	if err != nil {
		t.Fatalf("FromRows: %v", err)
	}
	if !slices.Equal(logits.Shape, []int{2, 1, 3}) {
		t.Fatalf("shape %v", logits.Shape)
	}
	row, err := logits.Index(1)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	flat := row.Squeeze()
	if !slices.Equal(flat.Shape, []int{3}) {
		t.Fatalf("squeezed shape %v", flat.Shape)
	}
	if !slices.Equal(flat.ToF32(), []float32{4, 5, 6}) {
		t.Fatalf("values %v", flat.Data)
	}
	if _, err := logits.Index(2); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestFromRowsRejectsRaggedRows(t *testing.T) {
	t.Parallel()
	if _, err := FromRows(F32, [][]float32{{1}, {1, 2}}); err == nil {
		t.Fatal("expected ragged rows error")
	}
}

func TestEncodeDecodeF16(t *testing.T) {
	t.Parallel()
	src := []float32{0, 1, -2.5, 65504}
	got, err := Decode(Encode(src, F16), F16)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !slices.Equal(got, src) {
		t.Fatalf("got %v want %v", got, src)
	}
}
