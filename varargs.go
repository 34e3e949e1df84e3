package amx

import (
	"strconv"

	"golang.org/x/text/encoding"
)

// Format characters of the variadic native convention. Every variadic
// argument is passed by reference; its type travels in the format string.
const (
	formatRef    = 'r' // scalar cell by reference
	formatString = 's' // NUL-terminated encoded string buffer
	formatArray  = 'a' // a[N], array of N cells
)

// RefKind tags what a Ref's storage holds.
type RefKind byte

const (
	// RefCell is a single scalar cell inside a shared value buffer.
	RefCell RefKind = iota
	// RefString is an encoded, NUL-terminated byte buffer.
	RefString
	// RefArray is a whole cell buffer of known length.
	RefArray
)

// Ref resolves one argument's storage: a buffer plus a cell offset, or an
// encoded byte buffer for strings. It stands in for the raw address the
// AMX convention expects; call providers resolve it into their own address
// space when the call is made, and write by-reference results back through
// it afterwards.
type Ref struct {
	Kind   RefKind
	Cells  CellBuffer
	Offset int
	Bytes  []byte
}

// Cell returns the scalar cell the ref points at.
func (r Ref) Cell() Cell { return r.Cells[r.Offset] }

// fallbackHook observes variadic values whose kind is not part of the
// convention and were passed as a zero cell instead of failing the call.
var fallbackHook func(index int, value any)

// SetFallbackHook installs an observer for unrecognized variadic value
// kinds. The permissive zero fallback keeps calls robust against value
// kinds this layer does not know, but it can mask integration bugs; the
// hook makes it visible without changing the behavior.
func SetFallbackHook(fn func(index int, value any)) { fallbackHook = fn }

// VarArgs aggregates the buffers of one variadic native call: the scalar
// value buffer, the by-reference argument list and the format suffix, all
// kept in lock-step order. Every buffer created while the frame is built
// stays pinned in this state until Release.
type VarArgs struct {
	values    CellBuffer
	refs      []Ref
	format    []byte
	released  bool
	fallbacks int
}

// NewVarArgs builds the argument refs and format suffix for values, in
// input order. On error the partially built state has already been
// released; on success the caller owns the state and must Release it when
// the call completes, on every path.
func NewVarArgs(enc encoding.Encoding, values []any) (*VarArgs, error) {
	if len(values) == 0 {
		return &VarArgs{}, nil
	}
	va := &VarArgs{
		values: make(CellBuffer, len(values)),
		refs:   make([]Ref, 0, len(values)),
		format: make([]byte, 0, len(values)),
	}
	for i, v := range values {
		if err := va.append(enc, i, v); err != nil {
			va.Release()
			return nil, err
		}
	}
	return va, nil
}

func (va *VarArgs) append(enc encoding.Encoding, i int, value any) error {
	switch v := value.(type) {
	case int:
		va.scalar(i, Cell(int32(v)))
	case int32:
		va.scalar(i, v)
	case uint32:
		va.scalar(i, Cell(v))
	case bool:
		va.scalar(i, CellFromBool(v))
	case float32:
		va.scalar(i, CellFromFloat(v))
	case float64:
		// Host float literals default to float64; the convention is
		// single precision.
		va.scalar(i, CellFromFloat(float32(v)))
	case string:
		n, err := ByteCount(enc, v)
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if err := EncodeText(enc, v, buf); err != nil {
			return err
		}
		va.pinBytes(buf)
	case []byte:
		// Pre-encoded or output string buffer, pinned as-is.
		va.pinBytes(v)
	case CellBuffer:
		va.pinCells(v)
	case []int32:
		va.pinCells(CellBuffer(v))
	case []float32:
		buf := make(CellBuffer, len(v))
		for j, f := range v {
			buf.SetFloat(j, f)
		}
		va.pinCells(buf)
	case []bool:
		// The convention has no boolean array representation.
		buf := make(CellBuffer, len(v))
		for j, b := range v {
			buf.SetBool(j, b)
		}
		va.pinCells(buf)
	default:
		// Unrecognized kinds pass as a zero cell rather than failing the
		// call; see SetFallbackHook.
		va.fallbacks++
		if fallbackHook != nil {
			fallbackHook(i, value)
		}
		va.scalar(i, 0)
	}
	return nil
}

func (va *VarArgs) scalar(i int, c Cell) {
	va.values[i] = c
	va.refs = append(va.refs, Ref{Kind: RefCell, Cells: va.values, Offset: i})
	va.format = append(va.format, formatRef)
}

func (va *VarArgs) pinBytes(buf []byte) {
	va.refs = append(va.refs, Ref{Kind: RefString, Bytes: buf})
	va.format = append(va.format, formatString)
}

func (va *VarArgs) pinCells(buf CellBuffer) {
	va.refs = append(va.refs, Ref{Kind: RefArray, Cells: buf})
	va.format = append(va.format, formatArray, '[')
	va.format = strconv.AppendInt(va.format, int64(len(buf)), 10)
	va.format = append(va.format, ']')
}

// AppendFormat appends the variadic format suffix to the fixed format.
// With no variadic values, fixed is returned unchanged and nothing is
// allocated.
func (va *VarArgs) AppendFormat(fixed string) string {
	if len(va.format) == 0 {
		return fixed
	}
	return fixed + string(va.format)
}

// Refs returns the argument list, one by-reference entry per value in
// input order. After the call completes, by-reference results are read
// back through these refs until Release.
func (va *VarArgs) Refs() []Ref { return va.refs }

// Fallbacks returns how many values were passed as zero cells because
// their kind is not part of the convention.
func (va *VarArgs) Fallbacks() int { return va.fallbacks }

// Released reports whether Release has run.
func (va *VarArgs) Released() bool { return va.released }

// Release unpins every buffer owned by this call's frame. It runs exactly
// once; later calls are no-ops. The state must not be used afterwards.
func (va *VarArgs) Release() {
	if va.released {
		return
	}
	va.released = true
	for i := range va.refs {
		va.refs[i] = Ref{}
	}
	va.refs = nil
	va.values = nil
	va.format = nil
}
