// Package shapes defines the global shape of a consistent tensor: its
// dimensions and element dtype.
//
// The same Shape type describes both the *global*, logical tensor and a
// rank's local shard (see package shard for the per-rank decomposition).
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape describes a dense tensor's dtype and dimensions.
//
// A Shape with a nil Dimensions slice and DType == dtypes.InvalidDType is
// the zero value and is not Ok.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make creates a new Shape with the given dtype and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// Invalid returns the zero-value, invalid Shape.
func Invalid() Shape {
	return Shape{}
}

// Ok returns whether the shape has a valid dtype.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return s.Rank() == 0
}

// Size returns the total number of elements (the product of all dimensions,
// 1 for a scalar).
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return size
}

// Memory returns the number of bytes a dense buffer of this shape occupies.
func (s Shape) Memory() int {
	return s.Size() * dtypeByteSize(s.DType)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal returns whether two shapes have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Dim returns the size of dimension d, or an error if out of range.
func (s Shape) Dim(d int) (int, error) {
	if d < 0 || d >= s.Rank() {
		return 0, errors.Errorf("dimension %d out of range for shape %s of rank %d", d, s, s.Rank())
	}
	return s.Dimensions[d], nil
}

// WithDim returns a clone of the shape with dimension d replaced by size.
func (s Shape) WithDim(d, size int) (Shape, error) {
	if d < 0 || d >= s.Rank() {
		return Shape{}, errors.Errorf("dimension %d out of range for shape %s of rank %d", d, s, s.Rank())
	}
	s2 := s.Clone()
	s2.Dimensions[d] = size
	return s2, nil
}

// Check validates that the shape matches the given dtype and dimensions.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	want := Make(dtype, dimensions...)
	if !s.Equal(want) {
		return errors.Errorf("shape mismatch: got %s, want %s", s, want)
	}
	return nil
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if !s.Ok() {
		return "InvalidShape"
	}
	parts := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		parts[i] = fmt.Sprintf("%d", d)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	dims := parts[0]
	for _, p := range parts[1:] {
		dims += "x" + p
	}
	return fmt.Sprintf("(%s[%s])", s.DType, dims)
}

func dtypeByteSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Bool, dtypes.Int8, dtypes.Uint8:
		return 1
	case dtypes.Float16, dtypes.BFloat16, dtypes.Int16, dtypes.Uint16:
		return 2
	case dtypes.Float32, dtypes.Int32, dtypes.Uint32:
		return 4
	case dtypes.Float64, dtypes.Int64, dtypes.Uint64, dtypes.Complex64:
		return 8
	case dtypes.Complex128:
		return 16
	default:
		return 8
	}
}
