package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// DType is the element type tag of an Array.
type DType string

const (
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

var itemSizes = map[DType]int{
	Int8:    1,
	Int16:   2,
	Int32:   4,
	Int64:   8,
	Uint8:   1,
	Uint16:  2,
	Uint32:  4,
	Uint64:  8,
	Float32: 4,
	Float64: 8,
}

// ItemSize returns the size of one element in bytes, false for unknown tags.
func (d DType) ItemSize() (int, bool) {
	n, ok := itemSizes[d]
	return n, ok
}

// Number is an element type an Array can be built from.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

func dtypeOf[T Number]() DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// Array is an n-dimensional numeric array stored as little endian bytes in
// row major order. The byte length always equals itemsize × product(shape).
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// NewArray builds an Array from values. Without a shape the array is one
// dimensional.
func NewArray[T Number](values []T, shape ...int) (Array, error) {
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	var buf bytes.Buffer
	buf.Grow(len(values) * itemSizes[dtypeOf[T]()])
	if err := binary.Write(&buf, binary.LittleEndian, values); err != nil {
		return Array{}, &Error{Reason: "writing array data: " + err.Error()}
	}
	a := Array{
		DType: dtypeOf[T](),
		Shape: slices.Clone(shape),
		Data:  buf.Bytes(),
	}
	if err := a.Validate(); err != nil {
		return Array{}, err
	}
	return a, nil
}

// MustArray is NewArray, which panics on a shape mismatch.
func MustArray[T Number](values []T, shape ...int) Array {
	a, err := NewArray(values, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

// Values returns the elements of the array, T must match the DType.
func Values[T Number](a Array) ([]T, error) {
	if want := dtypeOf[T](); a.DType != want {
		return nil, &Error{Reason: fmt.Sprintf("array dtype is %s, not %s", a.DType, want)}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	n, _ := a.length()
	out := make([]T, n)
	if err := binary.Read(bytes.NewReader(a.Data), binary.LittleEndian, out); err != nil {
		return nil, &Error{Reason: "reading array data: " + err.Error()}
	}
	return out, nil
}

// Len is the number of elements: the product of the shape. It's -1 when
// the product does not fit an int.
func (a Array) Len() int {
	n, ok := a.length()
	if !ok {
		return -1
	}
	return n
}

func (a Array) length() (int, bool) {
	n := 1
	for _, d := range a.Shape {
		if d < 0 || (d != 0 && n > math.MaxInt/d) {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Validate checks the dtype, the shape and the byte length.
func (a Array) Validate() error {
	size, ok := a.DType.ItemSize()
	if !ok {
		return &Error{Reason: fmt.Sprintf("unknown dtype %q", a.DType)}
	}
	for i, d := range a.Shape {
		if d < 0 {
			return &Error{Reason: fmt.Sprintf("negative dimension %d at axis %d", d, i)}
		}
	}
	n, ok := a.length()
	if !ok || n > math.MaxInt/size {
		return &Error{Reason: fmt.Sprintf("shape %v is too large", a.Shape)}
	}
	if want := size * n; len(a.Data) != want {
		return &Error{Reason: fmt.Sprintf("data length %d does not match %s%v: want %d", len(a.Data), a.DType, a.Shape, want)}
	}
	return nil
}

// Equal compares dtype, shape and the bit pattern of the data.
func (a Array) Equal(b Array) bool {
	return a.DType == b.DType && slices.Equal(a.Shape, b.Shape) && bytes.Equal(a.Data, b.Data)
}
