// Package kvcache holds attention key/value rows per layer for one sequence.
package kvcache

import (
	"errors"
	"fmt"
)

var ErrFull = errors.New("kv cache full")

// Cache describes the key/value layout of a model and hands out per-sequence
// states. It holds no rows itself.
type Cache struct {
	layers  int
	kvHeads int
	headDim int
	maxLen  int
}

func New(layers, kvHeads, headDim, maxLen int) *Cache {
	if layers <= 0 || kvHeads <= 0 || headDim <= 0 || maxLen <= 0 {
		panic(fmt.Sprintf("kvcache: invalid layout layers=%d kv_heads=%d head_dim=%d max_len=%d", layers, kvHeads, headDim, maxLen))
	}
	return &Cache{layers: layers, kvHeads: kvHeads, headDim: headDim, maxLen: maxLen}
}

func (c *Cache) Layers() int  { return c.layers }
func (c *Cache) KVHeads() int { return c.kvHeads }
func (c *Cache) HeadDim() int { return c.headDim }
func (c *Cache) MaxLen() int  { return c.maxLen }

// Stride is the number of values stored per position in one layer.
func (c *Cache) Stride() int { return c.kvHeads * c.headDim }

// NewState returns an empty state shaped for this cache.
func (c *Cache) NewState() *State {
	s := &State{layers: make([]Layer, c.layers), stride: c.Stride(), maxLen: c.maxLen}
	for i := range s.layers {
		s.layers[i].stride = s.stride
		s.layers[i].maxLen = c.maxLen
	}
	return s
}

// Compatible reports whether s was created by a cache with this layout.
func (c *Cache) Compatible(s *State) bool {
	return s != nil && len(s.layers) == c.layers && s.stride == c.Stride() && s.maxLen == c.maxLen
}

// State is the key/value history of one sequence. Rows grow on demand up to
// the cache's MaxLen.
type State struct {
	layers []Layer
	stride int
	maxLen int
}

// Layer returns the rows of layer i.
func (s *State) Layer(i int) *Layer { return &s.layers[i] }

// Len is the number of cached positions. Layers advance together, so the
// first layer is authoritative.
func (s *State) Len() int {
	if len(s.layers) == 0 {
		return 0
	}
	return s.layers[0].Len()
}

// Truncate drops every position at or after n.
func (s *State) Truncate(n int) {
	for i := range s.layers {
		s.layers[i].truncate(n)
	}
}

// Reset empties the state but keeps its buffers.
func (s *State) Reset() { s.Truncate(0) }

// Layer holds the flat key and value rows of one attention layer.
type Layer struct {
	k, v   []float32
	stride int
	maxLen int
}

func (l *Layer) Len() int {
	if l.stride == 0 {
		return 0
	}
	return len(l.k) / l.stride
}

// Append stores the key and value rows of the next position.
func (l *Layer) Append(k, v []float32) error {
	if len(k) != l.stride || len(v) != l.stride {
		return fmt.Errorf("kv append: got k=%d v=%d values, want %d", len(k), len(v), l.stride)
	}
	if l.Len() >= l.maxLen {
		return fmt.Errorf("%w: %d positions", ErrFull, l.maxLen)
	}
	l.k = append(l.k, k...)
	l.v = append(l.v, v...)
	return nil
}

// K returns the key row at pos. The slice aliases the state.
func (l *Layer) K(pos int) []float32 { return l.k[pos*l.stride : (pos+1)*l.stride] }

// V returns the value row at pos. The slice aliases the state.
func (l *Layer) V(pos int) []float32 { return l.v[pos*l.stride : (pos+1)*l.stride] }

func (l *Layer) truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < l.Len() {
		l.k = l.k[:n*l.stride]
		l.v = l.v[:n*l.stride]
	}
}
