// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"strings"

	"github.com/pkg/errors"
)

// DType indicates the type of the unit element of a tensor.
type DType int

const (
	InvalidDType DType = iota
	Int64
	Float16
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int64:        "Int64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	name, found := dtypeNames[dtype]
	if !found {
		return "DType(?)"
	}
	return name
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// Size returns the number of bytes used to store one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// DTypeFromString parses the name of a DType, as returned by DType.String. Case is ignored.
func DTypeFromString(name string) (DType, error) {
	for dtype, dtypeName := range dtypeNames {
		if dtype != InvalidDType && strings.EqualFold(name, dtypeName) {
			return dtype, nil
		}
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// MarshalText implements encoding.TextMarshaler, so DType is saved by name in metadata files.
func (dtype DType) MarshalText() ([]byte, error) {
	return []byte(dtype.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dtype *DType) UnmarshalText(text []byte) error {
	parsed, err := DTypeFromString(string(text))
	if err != nil {
		return err
	}
	*dtype = parsed
	return nil
}
