package safetensors

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/tensor"
)

// Entry is one tensor to be written by Write.
type Entry struct {
	Name  string
	Shape []int
	DType tensor.DType
	Data  []float32
}

func headerDType(dt tensor.DType) string {
	switch dt {
	case tensor.BF16:
		return "BF16"
	case tensor.F16:
		return "F16"
	default:
		return "F32"
	}
}

// Write stores entries as a safetensors file at path, encoding each entry's
// float32 data in its dtype. Payloads are laid out in entry order.
func Write(path string, entries []Entry) error {
	header := make(map[string]tensorHeader, len(entries))
	payloads := make([][]byte, len(entries))
	var off int64
	for i, e := range entries {
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n != len(e.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", e.Name, e.Shape, n, len(e.Data))
		}
		payloads[i] = tensor.Encode(e.Data, e.DType)
		end := off + int64(len(payloads[i]))
		header[e.Name] = tensorHeader{DType: headerDType(e.DType), Shape: e.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(hb); err != nil {
		_ = f.Close()
		return err
	}
	for _, p := range payloads {
		if _, err := f.Write(p); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
