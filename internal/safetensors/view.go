package safetensors

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/tensor"
)

// maxParallelOpen bounds how many shards are parsed at once.
const maxParallelOpen = 4

// View is a read-only union of one or more shards. Every tensor name must
// be unique across shards.
type View struct {
	files []*File
	index map[string]*File
}

// OpenView opens every path and indexes their tensors. On error, any shard
// that was opened is closed again.
func OpenView(ctx context.Context, paths []string) (*View, error) {
	if len(paths) == 0 {
		return nil, errors.New("open view: no shard files")
	}
	files := make([]*File, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelOpen)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := Open(p)
			if err != nil {
				return fmt.Errorf("open shard %s: %w", p, err)
			}
			files[i] = f
			return nil
		})
	}
	err := g.Wait()
	v := &View{files: files, index: make(map[string]*File)}
	if err != nil {
		_ = v.Close()
		return nil, err
	}
	for _, f := range files {
		for name := range f.Tensors {
			if prev, dup := v.index[name]; dup {
				_ = v.Close()
				return nil, fmt.Errorf("tensor %s present in both %s and %s", name, prev.Path, f.Path)
			}
			v.index[name] = f
		}
	}
	return v, nil
}

// Close unmaps every shard. Matrices handed out by Mat may alias the
// mappings and must not be used afterwards.
func (v *View) Close() error {
	if v == nil {
		return nil
	}
	var errs []error
	for _, f := range v.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	v.files = nil
	return errors.Join(errs...)
}

// Paths returns the shard paths in open order.
func (v *View) Paths() []string {
	out := make([]string, 0, len(v.files))
	for _, f := range v.files {
		out = append(out, f.Path)
	}
	return out
}

// Names returns every tensor name in sorted order.
func (v *View) Names() []string {
	names := make([]string, 0, len(v.index))
	for n := range v.index {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Size is the total payload size across shards in bytes.
func (v *View) Size() int64 {
	var n int64
	for _, f := range v.files {
		n += f.Size()
	}
	return n
}

func (v *View) Has(name string) bool {
	_, ok := v.index[name]
	return ok
}

// Shape returns the shape of a tensor.
func (v *View) Shape(name string) ([]int, bool) {
	f, ok := v.index[name]
	if !ok {
		return nil, false
	}
	return f.Tensors[name].Shape, true
}

// Vec decodes a tensor of any rank to a flat float32 slice.
func (v *View) Vec(name string) ([]float32, error) {
	f, ok := v.index[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	out, _, err := f.ReadTensorF32(name)
	return out, err
}

// Mat loads a 2-D tensor encoded as dtype. When the stored dtype already
// matches and is a half type, the matrix aliases the mapping.
func (v *View) Mat(name string, dtype tensor.DType) (tensor.Mat, error) {
	f, ok := v.index[name]
	if !ok {
		return tensor.Mat{}, fmt.Errorf("tensor not found: %s", name)
	}
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(info.Shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("tensor %s: expected 2D, got shape %v", name, info.Shape)
	}
	stored, ok := tensor.FromSafetensors(info.DType)
	if !ok {
		return tensor.Mat{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	m, err := tensor.NewMatFromRaw(info.Shape[0], info.Shape[1], stored, raw)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	m, err = tensor.Cast(m, dtype)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("tensor %s: cast to %s: %w", name, dtype, err)
	}
	return m, nil
}
