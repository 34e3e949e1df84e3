// Package amx bridges a Go host to the Pawn AMX virtual machine of a
// game-server plugin ecosystem.
//
// The AMX has no strings, booleans or length-carrying arrays, only
// fixed-width 4-byte cells and addresses into a shared memory space. This
// package packs Go values into that convention and unpacks results from
// it: encoding-aware string conversion, cell-array marshaling, variadic
// call-frame construction with buffer pinning, and invocation synchronized
// onto the single thread the AMX permits.
//
// Basic usage against a running server:
//
//	client, err := amx.Dial("tcp", "127.0.0.1:8392")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go client.Run()
//
//	native, err := client.FindNative("SetGameModeText")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ret, err := native.Invoke("Capture the Flag")
//
// Scalars, strings and []int32/[]float32/[]bool arrays marshal
// automatically; by-reference output written by the native is visible in
// the passed slices when the call returns.
package amx

import (
	"golang.org/x/text/encoding"
)

// NativeHandle identifies a function exported by the AMX host.
type NativeHandle int32

// InvalidNative is the handle lookups return for unknown natives.
const InvalidNative NativeHandle = -1

// CallProvider executes the low-level native call primitive. The returned
// value is opaque to this layer: interpreting failure codes is the
// caller's concern. The error covers transport problems only, never the
// native's own result.
type CallProvider interface {
	InvokeNative(handle NativeHandle, format string, args []Ref) (int32, error)
}

// Synchronizer runs a unit of work on the thread the AMX owns and blocks
// the caller until it has completed. Implementations must execute units in
// submission order relative to other AMX-thread work.
type Synchronizer interface {
	Invoke(fn func())
}

// Invoke executes the native call on the AMX thread via sync and blocks
// until the result is available. Callers already on the AMX thread take
// the same queue path; there is no direct-call shortcut that could reorder
// the call relative to queued work.
func Invoke(sync Synchronizer, provider CallProvider, handle NativeHandle, format string, args []Ref) (int32, error) {
	var (
		ret int32
		err error
	)
	sync.Invoke(func() {
		ret, err = provider.InvokeNative(handle, format, args)
	})
	return ret, err
}

// Native is a resolved native function bound to a synchronizer, a call
// provider and the connection's text encoding.
type Native struct {
	name   string
	handle NativeHandle
	sync   Synchronizer
	prov   CallProvider
	enc    encoding.Encoding
}

// NewNative binds a resolved handle. Client.FindNative does this for
// socket connections; generated proxies and alternative providers may
// construct natives directly.
func NewNative(name string, handle NativeHandle, sync Synchronizer, provider CallProvider, enc encoding.Encoding) *Native {
	return &Native{name: name, handle: handle, sync: sync, prov: provider, enc: enc}
}

// Name returns the native's exported name.
func (n *Native) Name() string { return n.name }

// Handle returns the native's handle.
func (n *Native) Handle() NativeHandle { return n.handle }

// Invoke marshals args into a variadic call frame and executes the native
// on the AMX thread, blocking until the result cell is available. Every
// buffer pinned while the frame is built is released when Invoke returns,
// on every path.
//
// Output the native writes into array arguments is visible in passed
// []int32 slices directly; []float32 and []bool arguments travel as
// converted copies, so their outputs must be read through a frame built
// manually with NewVarArgs.
func (n *Native) Invoke(args ...any) (int32, error) {
	va, err := NewVarArgs(n.enc, args)
	if err != nil {
		return 0, err
	}
	defer va.Release()
	return Invoke(n.sync, n.prov, n.handle, va.AppendFormat(""), va.Refs())
}

// InvokeFloat invokes the native and reinterprets the result cell's bit
// pattern as a float32.
func (n *Native) InvokeFloat(args ...any) (float32, error) {
	ret, err := n.Invoke(args...)
	return FloatFromCell(ret), err
}

// InvokeBool invokes the native and maps any nonzero result to true.
func (n *Native) InvokeBool(args ...any) (bool, error) {
	ret, err := n.Invoke(args...)
	return BoolFromCell(ret), err
}
