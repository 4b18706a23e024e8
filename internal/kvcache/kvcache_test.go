package kvcache

import (
	"errors"
	"slices"
	"testing"
)

func row(stride int, v float32) []float32 {
	r := make([]float32, stride)
	for i := range r {
		r[i] = v
	}
	return r
}

func TestStateAppendAndRead(t *testing.T) {
	t.Parallel()
	c := New(2, 2, 4, 8)
	if c.Stride() != 8 || c.Layers() != 2 || c.MaxLen() != 8 {
		t.Fatalf("layout: stride=%d layers=%d max=%d", c.Stride(), c.Layers(), c.MaxLen())
	}
	s := c.NewState()
	if s.Len() != 0 {
		t.Fatalf("new state len %d", s.Len())
	}
	for pos := range 3 {
		for l := range c.Layers() {
			if err := s.Layer(l).Append(row(8, float32(pos)), row(8, float32(-pos))); err != nil {
				t.Fatal(err)
			}
		}
	}
	if s.Len() != 3 {
		t.Fatalf("len %d", s.Len())
	}
	if !slices.Equal(s.Layer(1).K(2), row(8, 2)) || !slices.Equal(s.Layer(0).V(1), row(8, -1)) {
		t.Fatal("row readback mismatch")
	}
}

func TestStateTruncate(t *testing.T) {
	t.Parallel()
	c := New(1, 1, 2, 4)
	s := c.NewState()
	for pos := range 4 {
		if err := s.Layer(0).Append(row(2, float32(pos)), row(2, 0)); err != nil {
			t.Fatal(err)
		}
	}
	s.Truncate(2)
	if s.Len() != 2 {
		t.Fatalf("len after truncate %d", s.Len())
	}
	s.Truncate(5)
	if s.Len() != 2 {
		t.Fatalf("truncate past end changed len to %d", s.Len())
	}
	if err := s.Layer(0).Append(row(2, 9), row(2, 9)); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(s.Layer(0).K(2), row(2, 9)) {
		t.Fatal("append after truncate did not overwrite position 2")
	}
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("len after reset %d", s.Len())
	}
}

func TestAppendErrors(t *testing.T) {
	t.Parallel()
	c := New(1, 1, 2, 1)
	s := c.NewState()
	if err := s.Layer(0).Append(row(3, 0), row(2, 0)); err == nil {
		t.Fatal("expected width error")
	}
	if err := s.Layer(0).Append(row(2, 0), row(2, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.Layer(0).Append(row(2, 0), row(2, 0)); !errors.Is(err, ErrFull) {
		t.Fatalf("err=%v want ErrFull", err)
	}
}

func TestCompatible(t *testing.T) {
	t.Parallel()
	a := New(2, 2, 4, 8)
	b := New(2, 1, 4, 8)
	if !a.Compatible(a.NewState()) {
		t.Fatal("own state reported incompatible")
	}
	if a.Compatible(b.NewState()) || a.Compatible(nil) {
		t.Fatal("foreign state reported compatible")
	}
}
