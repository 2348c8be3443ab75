// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements host tensors: a shapes.Shape and a flat slice of values.
//
// Values are kept in memory as float64, independent of the DType, which is what the optimizer and
// collective kernels operate on. Int64 values are truncated toward zero on every write done through
// the Tensor API (code writing directly to Tensor.Flat calls Tensor.Conform afterwards), so counters
// hold exactly what a checkpoint stores. Float precision is only applied when the tensor is
// serialized (see Tensor.Bytes and FromBytes).
//
// A Tensor is not safe for concurrent use: the program executor orders the kernels that touch a
// tensor with explicit stream barriers.
package tensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Number is the set of Go types that can be converted to and from tensor values.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor is a multidimensional array stored in a flat slice in row-major order.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// FromShape returns a zero-filled tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.Errorf("tensors.FromShape(%s): invalid shape", shape))
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// FromFlat creates a tensor of the given dtype and dimensions, with the values converted from flat.
// It panics if the number of elements doesn't match the dimensions.
func FromFlat[T Number](dtype shapes.DType, flat []T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtype, dimensions...))
	if len(flat) != len(t.flat) {
		panic(errors.Errorf("tensors.FromFlat: %d values given for shape %s (size %d)", len(flat), t.shape, len(t.flat)))
	}
	for ii, v := range flat {
		t.flat[ii] = conform(dtype, float64(v))
	}
	return t
}

// conform converts v to a value the dtype can hold in memory.
func conform(dtype shapes.DType, v float64) float64 {
	if dtype == shapes.Int64 {
		return math.Trunc(v)
	}
	return v
}

// Conform converts the values written directly into Flat to what the DType can hold: for Int64
// fractional parts are dropped (truncated toward zero). It returns t.
func (t *Tensor) Conform() *Tensor {
	if t.DType() == shapes.Int64 {
		for ii, v := range t.flat {
			t.flat[ii] = math.Trunc(v)
		}
	}
	return t
}

// FromScalar returns a scalar tensor of the given dtype.
func FromScalar[T Number](dtype shapes.DType, value T) *Tensor {
	t := FromShape(shapes.Scalar(dtype))
	t.flat[0] = conform(dtype, float64(value))
	return t
}

// FromAnyValue converts Go values to a tensor: scalars (int, int64 become Int64; float32 becomes
// Float32; float64 becomes Float64), slices of float32 or float64 (vectors) and *Tensor (cloned).
func FromAnyValue(value any) (*Tensor, error) {
	switch v := value.(type) {
	case *Tensor:
		return v.Clone(), nil
	case int:
		return FromScalar(shapes.Int64, v), nil
	case int64:
		return FromScalar(shapes.Int64, v), nil
	case int32:
		return FromScalar(shapes.Int64, v), nil
	case float32:
		return FromScalar(shapes.Float32, v), nil
	case float64:
		return FromScalar(shapes.Float64, v), nil
	case []float32:
		if len(v) == 0 {
			return nil, errors.New("tensors.FromAnyValue: empty slice")
		}
		return FromFlat(shapes.Float32, v, len(v)), nil
	case []float64:
		if len(v) == 0 {
			return nil, errors.New("tensors.FromAnyValue: empty slice")
		}
		return FromFlat(shapes.Float64, v, len(v)), nil
	default:
		return nil, errors.Errorf("tensors.FromAnyValue: unsupported value type %T", value)
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// IsScalar returns whether the tensor holds a scalar.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Memory returns the number of bytes of the serialized values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying storage. Changes to the returned slice change the tensor.
func (t *Tensor) Flat() []float64 { return t.flat }

// ToScalar returns the value of a scalar tensor converted to T.
func ToScalar[T Number](t *Tensor) T {
	if !t.IsScalar() {
		panic(errors.Errorf("tensors.ToScalar: tensor with shape %s is not a scalar", t.shape))
	}
	return T(t.flat[0])
}

// SetScalar sets the value of a scalar tensor. For Int64 the value is truncated.
func (t *Tensor) SetScalar(value float64) {
	if !t.IsScalar() {
		panic(errors.Errorf("Tensor.SetScalar: tensor with shape %s is not a scalar", t.shape))
	}
	t.flat[0] = conform(t.DType(), value)
}

// Value returns a Go value for the tensor: int64 or float64 for scalars, a copy of the flat
// values otherwise.
func (t *Tensor) Value() any {
	if t.IsScalar() {
		if t.DType() == shapes.Int64 {
			return int64(t.flat[0])
		}
		return t.flat[0]
	}
	return slices.Clone(t.flat)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// CopyFrom copies the values of src into t. Both must have the same dimensions; the dtype of t is
// kept, and the values converted to it.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.EqualDimensions(src.shape) {
		return errors.Errorf("Tensor.CopyFrom: incompatible shapes, %s <- %s", t.shape, src.shape)
	}
	copy(t.flat, src.flat)
	if src.DType() != t.DType() {
		t.Conform()
	}
	return nil
}

// Equal returns whether t and t2 have the same shape and exactly the same values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	return t.shape.Eq(t2.shape) && slices.Equal(t.flat, t2.flat)
}

// InDelta returns whether t and t2 have the same dimensions and all values are within delta.
func (t *Tensor) InDelta(t2 *Tensor, delta float64) bool {
	if !t.shape.EqualDimensions(t2.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-t2.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.IsScalar() {
		return fmt.Sprintf("%s: %v", t.shape, t.Value())
	}
	const maxShown = 8
	var parts []string
	for ii, v := range t.flat {
		if ii == maxShown {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return fmt.Sprintf("%s: [%s]", t.shape, strings.Join(parts, " "))
}

// Bytes serializes the values in little-endian, using the tensor's DType.
func (t *Tensor) Bytes() []byte {
	elemSize := t.DType().Size()
	buf := make([]byte, len(t.flat)*elemSize)
	for ii, v := range t.flat {
		pos := ii * elemSize
		switch t.DType() {
		case shapes.Int64:
			binary.LittleEndian.PutUint64(buf[pos:], uint64(int64(v)))
		case shapes.Float16:
			binary.LittleEndian.PutUint16(buf[pos:], float16.Fromfloat32(float32(v)).Bits())
		case shapes.Float32:
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(float32(v)))
		case shapes.Float64:
			binary.LittleEndian.PutUint64(buf[pos:], math.Float64bits(v))
		}
	}
	return buf
}

// FromBytes deserializes a tensor of the given shape, as serialized by Tensor.Bytes.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes: invalid shape %s", shape)
	}
	t := FromShape(shape)
	elemSize := shape.DType.Size()
	if len(data) != len(t.flat)*elemSize {
		return nil, errors.Errorf("tensors.FromBytes(%s): expected %d bytes, got %d", shape, len(t.flat)*elemSize, len(data))
	}
	for ii := range t.flat {
		pos := ii * elemSize
		switch shape.DType {
		case shapes.Int64:
			t.flat[ii] = float64(int64(binary.LittleEndian.Uint64(data[pos:])))
		case shapes.Float16:
			t.flat[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[pos:])).Float32())
		case shapes.Float32:
			t.flat[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[pos:])))
		case shapes.Float64:
			t.flat[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
		}
	}
	return t, nil
}
