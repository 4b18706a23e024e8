package tensor

import (
	"encoding/binary"
	"math"
	"math/rand"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Mat represents a dense row-major matrix.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows.
//
// F32 matrices keep Data populated. BF16 and F16 matrices keep the encoded
// bytes in Raw (often a view into a memory-mapped shard) and decode rows on
// demand in MatVec and RowTo.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an F32 matrix. len(data) must equal r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// NewMatFromRaw creates a matrix backed by encoded bytes in the given dtype.
// raw must contain exactly r*c elements in row-major layout.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elemSize := dtype.Size()
	if elemSize == 0 {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != want*elemSize {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == F32 {
		data := make([]float32, want)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return NewMatFromData(r, c, data), nil
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// Row returns row i. For F32 matrices the slice aliases the matrix; for
// encoded matrices it is a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes row i into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	switch m.DType {
	case F32:
		copy(dst[:m.C], m.Data[start:start+m.C])
	case BF16:
		off := start * 2
		decodeBF16(dst[:m.C], m.Raw[off:off+m.C*2])
	case F16:
		off := start * 2
		decodeF16(dst[:m.C], m.Raw[off:off+m.C*2])
	default:
		panic("unsupported dtype for row decode")
	}
}

// Cast returns m re-encoded as dtype. Casting to the matrix's own dtype
// returns m unchanged.
func Cast(m Mat, dtype DType) (Mat, error) {
	if m.DType == dtype {
		return m, nil
	}
	data := make([]float32, m.R*m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(data[i*m.C:(i+1)*m.C], i)
	}
	switch dtype {
	case F32:
		return NewMatFromData(m.R, m.C, data), nil
	case BF16, F16:
		return NewMatFromRaw(m.R, m.C, dtype, Encode(data, dtype))
	default:
		return Mat{}, errUnsupportedDType
	}
}

// Encode converts float32 values to little-endian bytes in dtype.
func Encode(src []float32, dtype DType) []byte {
	switch dtype {
	case BF16:
		return bfloat16.EncodeFloat32(src)
	case F16:
		out := make([]byte, len(src)*2)
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	default:
		out := make([]byte, len(src)*4)
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	}
}

// Decode converts little-endian bytes in dtype to float32 values.
func Decode(raw []byte, dtype DType) ([]float32, error) {
	size := dtype.Size()
	if size == 0 || len(raw)%size != 0 {
		return nil, errRawSizeMismatch
	}
	out := make([]float32, len(raw)/size)
	switch dtype {
	case F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case BF16:
		decodeBF16(out, raw)
	case F16:
		decodeF16(out, raw)
	}
	return out, nil
}

// Round rounds every value in x to the nearest value representable in
// dtype, leaving the result in float32.
func Round(x []float32, dtype DType) {
	switch dtype {
	case BF16:
		copy(x, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(x)))
	case F16:
		for i, v := range x {
			x[i] = float16.Fromfloat32(v).Float32()
		}
	}
}

func decodeBF16(dst []float32, raw []byte) {
	copy(dst, bfloat16.DecodeFloat32(raw))
}

func decodeF16(dst []float32, raw []byte) {
	for j := range dst {
		dst[j] = float16.Frombits(binary.LittleEndian.Uint16(raw[j*2:])).Float32()
	}
}

// FillRand fills an F32 matrix with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	if m.DType != F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
