package amx

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatibleArray is returned when a host array does not match
	// the length or element type a native signature demands. This is a
	// programming-contract violation and is never retried.
	ErrIncompatibleArray = errors.New("amx: incompatible array")

	// ErrUnsupportedType is returned for element types the cell
	// convention has no representation for.
	ErrUnsupportedType = errors.New("amx: unsupported element type")
)

// ToCells converts a host array to a buffer of exactly length cells.
//
// A nil src yields a zero-filled buffer, typically an output parameter.
// []int32 and CellBuffer sources of sufficient length are returned as a
// zero-copy view of their first length elements; []float32 and []bool are
// coerced into a fresh buffer. A short source or any other element type
// fails with ErrIncompatibleArray.
func ToCells(src any, length int) (CellBuffer, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrIncompatibleArray, length)
	}
	switch a := src.(type) {
	case nil:
		return make(CellBuffer, length), nil
	case CellBuffer:
		if len(a) < length {
			return nil, fmt.Errorf("%w: have %d cells, need %d", ErrIncompatibleArray, len(a), length)
		}
		return a[:length], nil
	case []int32:
		if len(a) < length {
			return nil, fmt.Errorf("%w: have %d elements, need %d", ErrIncompatibleArray, len(a), length)
		}
		return CellBuffer(a)[:length], nil
	case []float32:
		if len(a) < length {
			return nil, fmt.Errorf("%w: have %d elements, need %d", ErrIncompatibleArray, len(a), length)
		}
		buf := make(CellBuffer, length)
		for i := 0; i < length; i++ {
			buf.SetFloat(i, a[i])
		}
		return buf, nil
	case []bool:
		if len(a) < length {
			return nil, fmt.Errorf("%w: have %d elements, need %d", ErrIncompatibleArray, len(a), length)
		}
		buf := make(CellBuffer, length)
		for i := 0; i < length; i++ {
			buf.SetBool(i, a[i])
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrIncompatibleArray, src)
	}
}

// CellsAsInts copies cells verbatim into dst. A nil dst allocates a new
// slice of len(cells); a dst shorter than cells fails with
// ErrIncompatibleArray.
func CellsAsInts(dst []int32, cells CellBuffer) ([]int32, error) {
	if dst == nil {
		dst = make([]int32, len(cells))
	}
	if len(dst) < len(cells) {
		return nil, fmt.Errorf("%w: destination holds %d elements, need %d", ErrIncompatibleArray, len(dst), len(cells))
	}
	copy(dst, cells)
	return dst, nil
}

// CellsAsFloats reinterprets each cell's bit pattern as a float32.
func CellsAsFloats(dst []float32, cells CellBuffer) ([]float32, error) {
	if dst == nil {
		dst = make([]float32, len(cells))
	}
	if len(dst) < len(cells) {
		return nil, fmt.Errorf("%w: destination holds %d elements, need %d", ErrIncompatibleArray, len(dst), len(cells))
	}
	for i := range cells {
		dst[i] = cells.Float(i)
	}
	return dst, nil
}

// CellsAsBools maps each nonzero cell to true.
func CellsAsBools(dst []bool, cells CellBuffer) ([]bool, error) {
	if dst == nil {
		dst = make([]bool, len(cells))
	}
	if len(dst) < len(cells) {
		return nil, fmt.Errorf("%w: destination holds %d elements, need %d", ErrIncompatibleArray, len(dst), len(cells))
	}
	for i := range cells {
		dst[i] = cells.Bool(i)
	}
	return dst, nil
}

// CellsInto copies cells into dst, which must be a []int32, []float32 or
// []bool. A typed nil slice allocates a destination of len(cells). Any
// other destination type fails with ErrUnsupportedType. Generated proxies
// working through reflection use this; typed callers should prefer the
// CellsAs functions.
func CellsInto(dst any, cells CellBuffer) (any, error) {
	switch d := dst.(type) {
	case []int32:
		out, err := CellsAsInts(d, cells)
		if err != nil {
			return nil, err
		}
		return out, nil
	case []float32:
		out, err := CellsAsFloats(d, cells)
		if err != nil {
			return nil, err
		}
		return out, nil
	case []bool:
		out, err := CellsAsBools(d, cells)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, dst)
	}
}
