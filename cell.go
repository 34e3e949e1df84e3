package amx

import "math"

// CellSize is the byte stride of one cell, fixed by the AMX calling
// convention. All slot addressing is expressed in units of this stride.
const CellSize = 4

// Cell is one 4-byte AMX value slot. It is an alias for int32 so that
// ordinary []int32 host arrays are cell-compatible without copying.
type Cell = int32

// CellBuffer is a contiguous sequence of cells, the unit of exchange with
// the AMX. The typed accessors perform the coercions of the calling
// convention; an out-of-range index panics like any slice access, which is
// the fatal contract violation for the call that caused it.
type CellBuffer []Cell

// CellFromFloat reinterprets the IEEE-754 bit pattern of f as a cell.
// This is a bit reinterpretation, not a numeric cast: the cell holds the
// raw bits, including NaN payloads.
func CellFromFloat(f float32) Cell { return Cell(math.Float32bits(f)) }

// FloatFromCell reinterprets the cell's bit pattern as a float32.
func FloatFromCell(c Cell) float32 { return math.Float32frombits(uint32(c)) }

// CellFromBool maps false to 0 and true to 1.
func CellFromBool(b bool) Cell {
	if b {
		return 1
	}
	return 0
}

// BoolFromCell maps any nonzero cell to true.
func BoolFromCell(c Cell) bool { return c != 0 }

// Int returns the cell at index i as an int32.
func (b CellBuffer) Int(i int) int32 { return b[i] }

// SetInt stores v at index i.
func (b CellBuffer) SetInt(i int, v int32) { b[i] = v }

// Float returns the cell at index i reinterpreted as a float32.
func (b CellBuffer) Float(i int) float32 { return FloatFromCell(b[i]) }

// SetFloat stores the bit pattern of v at index i.
func (b CellBuffer) SetFloat(i int, v float32) { b[i] = CellFromFloat(v) }

// Bool reports whether the cell at index i is nonzero.
func (b CellBuffer) Bool(i int) bool { return BoolFromCell(b[i]) }

// SetBool stores 1 or 0 at index i.
func (b CellBuffer) SetBool(i int, v bool) { b[i] = CellFromBool(v) }
