// Package buffer holds Buffer, the dtype- and shape-tagged byte payload
// that backs one rank's shard of a consistent tensor.
//
// Buffers are always contiguous (row-major); a non-contiguous source buffer
// must be materialized to this form before it can enter Transport.
package buffer

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/tensorgrid/consistent/types/shapes"
)

// Buffer is a dense, contiguous, row-major local tensor shard: a dtype- and
// shape-tagged flat byte payload.
type Buffer struct {
	Shape shapes.Shape
	Data  []byte
}

// Zero allocates a zero-filled buffer of the given shape.
func Zero(shape shapes.Shape) Buffer {
	return Buffer{Shape: shape, Data: make([]byte, shape.Memory())}
}

// elemSize returns the number of bytes one element of dtype occupies.
func elemSize(dtype dtypes.DType) (int, error) {
	switch dtype {
	case dtypes.Float32, dtypes.Int32, dtypes.Uint32:
		return 4, nil
	case dtypes.Float64, dtypes.Int64, dtypes.Uint64:
		return 8, nil
	case dtypes.Float16, dtypes.BFloat16:
		return 2, nil
	default:
		return 0, errors.Errorf("buffer: dtype %s is not supported by the boxing engine's arithmetic path", dtype)
	}
}

// FromFloat64 builds a Buffer of the given shape from float64 values,
// converting to the shape's dtype. len(values) must equal shape.Size().
func FromFloat64(shape shapes.Shape, values []float64) (Buffer, error) {
	if len(values) != shape.Size() {
		return Buffer{}, errors.Errorf("buffer: got %d values, want %d for shape %s", len(values), shape.Size(), shape)
	}
	size, err := elemSize(shape.DType)
	if err != nil {
		return Buffer{}, err
	}
	data := make([]byte, len(values)*size)
	for i, v := range values {
		if err := encodeOne(data[i*size:(i+1)*size], shape.DType, v); err != nil {
			return Buffer{}, err
		}
	}
	return Buffer{Shape: shape, Data: data}, nil
}

// ToFloat64 decodes every element of the buffer into a float64 slice, in
// row-major order. Useful for assembling test expectations independent of
// dtype.
func ToFloat64(b Buffer) ([]float64, error) {
	size, err := elemSize(b.Shape.DType)
	if err != nil {
		return nil, err
	}
	n := b.Shape.Size()
	if len(b.Data) != n*size {
		return nil, errors.Errorf("buffer: data has %d bytes, want %d for shape %s", len(b.Data), n*size, b.Shape)
	}
	out := make([]float64, n)
	for i := range out {
		v, err := decodeOne(b.Data[i*size:(i+1)*size], b.Shape.DType)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeOne(dst []byte, dtype dtypes.DType, v float64) error {
	switch dtype {
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	case dtypes.Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case dtypes.Int64:
		binary.LittleEndian.PutUint64(dst, uint64(int64(v)))
	case dtypes.Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case dtypes.Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(dst, uint16(float16.Fromfloat32(float32(v))))
	case dtypes.BFloat16:
		binary.LittleEndian.PutUint16(dst, bfloat16.FromFloat32(float32(v)).Bits())
	default:
		return errors.Errorf("buffer: dtype %s is not supported by the boxing engine's arithmetic path", dtype)
	}
	return nil
}

func decodeOne(src []byte, dtype dtypes.DType) (float64, error) {
	switch dtype {
	case dtypes.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src))), nil
	case dtypes.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
	case dtypes.Int32:
		return float64(int32(binary.LittleEndian.Uint32(src))), nil
	case dtypes.Int64:
		return float64(int64(binary.LittleEndian.Uint64(src))), nil
	case dtypes.Uint32:
		return float64(binary.LittleEndian.Uint32(src)), nil
	case dtypes.Uint64:
		return float64(binary.LittleEndian.Uint64(src)), nil
	case dtypes.Float16:
		return float64(float16.Float16(binary.LittleEndian.Uint16(src)).Float32()), nil
	case dtypes.BFloat16:
		return float64(bfloat16.FromBits(binary.LittleEndian.Uint16(src)).Float32()), nil
	default:
		return 0, errors.Errorf("buffer: dtype %s is not supported by the boxing engine's arithmetic path", dtype)
	}
}

// Add returns the elementwise sum of a and b -- the local computation behind
// every P-distribution reduction (all_reduce, reduce_scatter).
//
// a and b must have identical, equal shapes.
func Add(a, b Buffer) (Buffer, error) {
	if !a.Shape.Equal(b.Shape) {
		return Buffer{}, errors.Errorf("buffer: Add shape mismatch: %s vs %s", a.Shape, b.Shape)
	}
	av, err := ToFloat64(a)
	if err != nil {
		return Buffer{}, err
	}
	bv, err := ToFloat64(b)
	if err != nil {
		return Buffer{}, err
	}
	sum := make([]float64, len(av))
	for i := range av {
		sum[i] = av[i] + bv[i]
	}
	return FromFloat64(a.Shape, sum)
}

// strides returns the row-major strides (in elements) for shape.
func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// Slice extracts the contiguous range [begin,end) of tensor dimension dim,
// the local computation behind a B->S(d) split (no communication needed)
// and the final slicing step of S(d)->S(d') boxing.
func Slice(b Buffer, dim, begin, end int) (Buffer, error) {
	if dim < 0 || dim >= b.Shape.Rank() {
		return Buffer{}, errors.Errorf("buffer: Slice dim %d out of range for shape %s", dim, b.Shape)
	}
	if begin < 0 || end > b.Shape.Dimensions[dim] || begin > end {
		return Buffer{}, errors.Errorf("buffer: Slice [%d,%d) out of range for dim %d of size %d", begin, end, dim, b.Shape.Dimensions[dim])
	}
	size, err := elemSize(b.Shape.DType)
	if err != nil {
		return Buffer{}, err
	}
	outShape, err := b.Shape.WithDim(dim, end-begin)
	if err != nil {
		return Buffer{}, err
	}
	out := Zero(outShape)

	in := strides(b.Shape.Dimensions)
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= b.Shape.Dimensions[i]
	}
	inner := in[dim] // number of elements per step along dim, in the flattened layout below dim.
	runLen := (end - begin) * inner

	for o := 0; o < outer; o++ {
		srcOff := (o*b.Shape.Dimensions[dim] + begin) * inner * size
		dstOff := o * runLen * size
		copy(out.Data[dstOff:dstOff+runLen*size], b.Data[srcOff:srcOff+runLen*size])
	}
	return out, nil
}

// Concat concatenates bufs along tensor dimension dim, in order -- the local
// computation behind materializing an all_gather's result.
func Concat(bufs []Buffer, dim int) (Buffer, error) {
	if len(bufs) == 0 {
		return Buffer{}, errors.New("buffer: Concat requires at least one buffer")
	}
	first := bufs[0].Shape
	if dim < 0 || dim >= first.Rank() {
		return Buffer{}, errors.Errorf("buffer: Concat dim %d out of range for shape %s", dim, first)
	}
	total := 0
	for i, buf := range bufs {
		for d := 0; d < first.Rank(); d++ {
			if d == dim {
				continue
			}
			if buf.Shape.Dimensions[d] != first.Dimensions[d] {
				return Buffer{}, errors.Errorf("buffer: Concat operand %d has shape %s incompatible with %s outside dim %d", i, buf.Shape, first, dim)
			}
		}
		if buf.Shape.DType != first.DType {
			return Buffer{}, errors.Errorf("buffer: Concat operand %d has dtype %s, want %s", i, buf.Shape.DType, first.DType)
		}
		total += buf.Shape.Dimensions[dim]
	}
	size, err := elemSize(first.DType)
	if err != nil {
		return Buffer{}, err
	}
	outShape, err := first.WithDim(dim, total)
	if err != nil {
		return Buffer{}, err
	}
	out := Zero(outShape)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= first.Dimensions[i]
	}
	outStrideAtDim := strides(outShape.Dimensions)[dim]

	colOffset := 0
	for _, buf := range bufs {
		bufStrideAtDim := strides(buf.Shape.Dimensions)[dim]
		runLen := buf.Shape.Dimensions[dim] * bufStrideAtDim
		for o := 0; o < outer; o++ {
			srcOff := o * runLen * size
			dstOff := (o*total + colOffset) * outStrideAtDim * size
			copy(out.Data[dstOff:dstOff+runLen*size], buf.Data[srcOff:srcOff+runLen*size])
		}
		colOffset += buf.Shape.Dimensions[dim]
	}
	return out, nil
}

// Embed copies src into a copy of dst at offset begin along tensor dimension
// dim, leaving the rest of dst untouched -- the local computation behind
// placing a shard into a zero-filled global-shaped buffer for an S(d)->P
// primitive.
//
// dst and src must agree on every dimension except dim, and on dtype.
func Embed(dst, src Buffer, dim, begin int) (Buffer, error) {
	if dim < 0 || dim >= dst.Shape.Rank() {
		return Buffer{}, errors.Errorf("buffer: Embed dim %d out of range for shape %s", dim, dst.Shape)
	}
	if dst.Shape.DType != src.Shape.DType {
		return Buffer{}, errors.Errorf("buffer: Embed dtype mismatch: %s vs %s", dst.Shape.DType, src.Shape.DType)
	}
	for d := 0; d < dst.Shape.Rank(); d++ {
		if d == dim {
			continue
		}
		if dst.Shape.Dimensions[d] != src.Shape.Dimensions[d] {
			return Buffer{}, errors.Errorf("buffer: Embed shape mismatch outside dim %d: %s vs %s", dim, dst.Shape, src.Shape)
		}
	}
	end := begin + src.Shape.Dimensions[dim]
	if begin < 0 || end > dst.Shape.Dimensions[dim] {
		return Buffer{}, errors.Errorf("buffer: Embed [%d,%d) out of range for dim %d of size %d", begin, end, dim, dst.Shape.Dimensions[dim])
	}
	size, err := elemSize(dst.Shape.DType)
	if err != nil {
		return Buffer{}, err
	}
	out := Buffer{Shape: dst.Shape, Data: bytes.Clone(dst.Data)}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= dst.Shape.Dimensions[i]
	}
	outStrideAtDim := strides(dst.Shape.Dimensions)[dim]
	runLen := src.Shape.Dimensions[dim] * outStrideAtDim

	for o := 0; o < outer; o++ {
		srcOff := o * runLen * size
		dstOff := (o*dst.Shape.Dimensions[dim] + begin) * outStrideAtDim * size
		copy(out.Data[dstOff:dstOff+runLen*size], src.Data[srcOff:srcOff+runLen*size])
	}
	return out, nil
}

// Equal reports whether two buffers have equal shapes and identical bytes.
func Equal(a, b Buffer) bool {
	return a.Shape.Equal(b.Shape) && bytes.Equal(a.Data, b.Data)
}
