package tensor

import (
	"math"
	"testing"
)

func approx(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, 1000}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if !approx(sum, 1, 1e-5) {
		t.Fatalf("sum %f", sum)
	}
	if !approx(x[3], 1, 1e-5) {
		t.Fatalf("expected dominant last entry, got %v", x)
	}
}

func TestRMSNorm(t *testing.T) {
	t.Parallel()
	src := []float32{3, 4}
	dst := make([]float32, 2)
	RMSNorm(dst, src, []float32{1, 2}, 0)
	// rms = sqrt((9+16)/2)
	rms := float32(math.Sqrt(12.5))
	if !approx(dst[0], 3/rms, 1e-5) || !approx(dst[1], 8/rms, 1e-5) {
		t.Fatalf("got %v", dst)
	}
}

func TestGeluVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		x    float32
		want float32
	}{
		{x: 0, want: 0},
		{x: 1, want: 0.8413},
		{x: -1, want: -0.1587},
	}
	for _, tt := range tests {
		if got := Gelu(tt.x); !approx(got, tt.want, 1e-3) {
			t.Fatalf("Gelu(%f) = %f want %f", tt.x, got, tt.want)
		}
		if got := GeluTanh(tt.x); !approx(got, tt.want, 2e-3) {
			t.Fatalf("GeluTanh(%f) = %f want %f", tt.x, got, tt.want)
		}
	}
}

func TestApplyRoPERotateHalf(t *testing.T) {
	t.Parallel()
	x := []float32{1, 0, 0, 0}
	inv := RopeFreqs(4, 10000)
	ApplyRoPE(x, 1, 4, 0, inv)
	if x[0] != 1 || x[2] != 0 {
		t.Fatalf("position 0 must be identity, got %v", x)
	}

	x = []float32{1, 0, 0, 0}
	ApplyRoPE(x, 1, 4, 1, inv)
	// dim 0 pairs with dim 2 at frequency 1.
	if !approx(x[0], float32(math.Cos(1)), 1e-6) || !approx(x[2], float32(math.Sin(1)), 1e-6) {
		t.Fatalf("got %v", x)
	}
	if x[1] != 0 || x[3] != 0 {
		t.Fatalf("unexpected rotation of second pair: %v", x)
	}
}

func TestRoundBF16(t *testing.T) {
	t.Parallel()
	x := []float32{1.0009765625}
	Round(x, BF16)
	if x[0] != 1 {
		t.Fatalf("expected bf16 rounding to 1, got %v", x[0])
	}
}
