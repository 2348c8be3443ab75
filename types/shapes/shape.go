// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and DType.
//
// Shape represents the shape (rank, dimensions and DType) of a tensor. The tensors used by
// the training programs are host tensors, so only a few dtypes are supported: Int64 for
// counters, and Float16, Float32 or Float64 for parameters.
//
// Example: a matrix of 2x3 float32 values has shape `(Float32)[2 3]`, created with
// `shapes.Make(shapes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape of a tensor: its DType and its dimensions. A scalar has no dimensions.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape of the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank is the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Ok() && len(s.Dimensions) == 0 }

// Size returns the number of elements. It returns 1 for scalars.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes used to store the elements of the shape when serialized.
func (s Shape) Memory() uintptr {
	return uintptr(s.Size() * s.DType.Size())
}

// Eq returns whether both shapes have the same dtype and dimensions.
func (s Shape) Eq(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions returns whether both shapes have the same dimensions, ignoring the dtype.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer, e.g.: `(Float32)[2 3]`.
func (s Shape) String() string {
	if len(s.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
