// Package wasmhost runs an AMX host compiled to WASM inside the process
// and exposes it as a call provider, so natives can be exercised without a
// live server. The embedder supplies the compiled module bytes.
package wasmhost

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openamx/amx"
)

// Global compilation cache shared across Host instances; it caches the
// compiled machine code so repeated CompileModule calls are cheap.
var (
	globalCache     wazero.CompilationCache
	globalCacheOnce sync.Once
)

func initGlobalCache() {
	globalCache = wazero.NewCompilationCache()
}

// Option configures a Host.
type Option func(*Host)

// WithLogFunc sets the function that receives the guest's log output.
func WithLogFunc(fn func(msg string)) Option {
	return func(h *Host) {
		h.logf = fn
	}
}

// Host manages the WASM runtime and implements amx.CallProvider against
// the guest's exported call interface.
type Host struct {
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
	goCtx   context.Context

	mu   sync.Mutex
	logf func(msg string)

	fnAlloc        api.Function
	fnFree         api.Function
	fnFindNative   api.Function
	fnInvokeNative api.Function
}

// New compiles and instantiates the guest module. The guest must export
// linear memory and the functions amx_alloc, amx_free, amx_find_native
// and amx_invoke_native.
func New(ctx context.Context, wasmBytes []byte, opts ...Option) (*Host, error) {
	h := &Host{
		goCtx: ctx,
		logf: func(msg string) {
			fmt.Print(msg)
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	globalCacheOnce.Do(initGlobalCache)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(globalCache).
		WithDebugInfoEnabled(false)

	h.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	// WASI is required by hosts built with wasi-sdk.
	wasi_snapshot_preview1.MustInstantiate(ctx, h.runtime)

	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("host_log").
		Instantiate(ctx)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate host module: %w", err)
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("wasmhost: compile module: %w", err)
	}

	h.module, err = h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiate module: %w", err)
	}

	h.memory = h.module.Memory()
	if h.memory == nil {
		h.runtime.Close(ctx)
		return nil, errors.New("wasmhost: module exports no memory")
	}

	if err := h.initFunctions(); err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}

	return h, nil
}

func (h *Host) initFunctions() error {
	getFn := func(name string) (api.Function, error) {
		fn := h.module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("wasmhost: function %s not exported by module", name)
		}
		return fn, nil
	}

	var err error
	if h.fnAlloc, err = getFn("amx_alloc"); err != nil {
		return err
	}
	if h.fnFree, err = getFn("amx_free"); err != nil {
		return err
	}
	if h.fnFindNative, err = getFn("amx_find_native"); err != nil {
		return err
	}
	if h.fnInvokeNative, err = getFn("amx_invoke_native"); err != nil {
		return err
	}
	return nil
}

// Close releases the runtime and every module instantiated in it.
func (h *Host) Close() error {
	return h.runtime.Close(h.goCtx)
}

// SetLogFunc replaces the guest log sink.
func (h *Host) SetLogFunc(fn func(msg string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logf = fn
}

func (h *Host) hostLog(ctx context.Context, m api.Module, bufPtr, bufLen uint32) {
	buf, ok := m.Memory().Read(bufPtr, bufLen)
	if !ok {
		return
	}
	h.mu.Lock()
	logf := h.logf
	h.mu.Unlock()
	if logf != nil {
		logf(string(buf))
	}
}

func (h *Host) alloc(size uint32) (uint32, error) {
	results, err := h.fnAlloc.Call(h.goCtx, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, errors.New("wasmhost: guest allocation failed")
	}
	return ptr, nil
}

func (h *Host) free(ptr uint32) {
	if ptr != 0 {
		_, _ = h.fnFree.Call(h.goCtx, uint64(ptr))
	}
}

// writeBytes copies data into freshly allocated guest memory.
func (h *Host) writeBytes(data []byte) (uint32, error) {
	ptr, err := h.alloc(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if !h.memory.Write(ptr, data) {
		h.free(ptr)
		return 0, errors.New("wasmhost: write to guest memory failed")
	}
	return ptr, nil
}

// writeCells copies cells into guest memory as little-endian 32-bit
// values.
func (h *Host) writeCells(cells amx.CellBuffer) (uint32, error) {
	buf := make([]byte, len(cells)*amx.CellSize)
	for i, c := range cells {
		binary.LittleEndian.PutUint32(buf[i*amx.CellSize:], uint32(c))
	}
	return h.writeBytes(buf)
}

func (h *Host) readCells(ptr uint32, dst amx.CellBuffer) error {
	buf, ok := h.memory.Read(ptr, uint32(len(dst)*amx.CellSize))
	if !ok {
		return errors.New("wasmhost: read from guest memory failed")
	}
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(buf[i*amx.CellSize:]))
	}
	return nil
}

// FindNative resolves a native by name in the guest.
func (h *Host) FindNative(name string) (amx.NativeHandle, error) {
	namePtr, err := h.writeBytes(append([]byte(name), 0))
	if err != nil {
		return amx.InvalidNative, err
	}
	defer h.free(namePtr)

	results, err := h.fnFindNative.Call(h.goCtx, uint64(namePtr))
	if err != nil {
		return amx.InvalidNative, fmt.Errorf("wasmhost: find native %s: %w", name, err)
	}
	return amx.NativeHandle(api.DecodeI32(results[0])), nil
}

// InvokeNative implements amx.CallProvider. Each argument is staged in
// guest memory, the guest's cell-address array is built from the staged
// pointers, and by-reference outputs are copied back through the refs
// after the call.
func (h *Host) InvokeNative(handle amx.NativeHandle, format string, args []amx.Ref) (int32, error) {
	ptrs := make([]uint32, len(args))
	defer func() {
		for _, p := range ptrs {
			h.free(p)
		}
	}()

	for i := range args {
		a := &args[i]
		var (
			ptr uint32
			err error
		)
		switch a.Kind {
		case amx.RefCell:
			var buf [amx.CellSize]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(a.Cells[a.Offset]))
			ptr, err = h.writeBytes(buf[:])
		case amx.RefString:
			ptr, err = h.writeBytes(a.Bytes)
		case amx.RefArray:
			ptr, err = h.writeCells(a.Cells)
		default:
			err = fmt.Errorf("wasmhost: unknown ref kind %d", a.Kind)
		}
		if err != nil {
			return 0, err
		}
		ptrs[i] = ptr
	}

	fmtPtr, err := h.writeBytes(append([]byte(format), 0))
	if err != nil {
		return 0, err
	}
	defer h.free(fmtPtr)

	var argvPtr uint32
	if len(args) > 0 {
		argBuf := make([]byte, len(args)*4)
		for i, p := range ptrs {
			binary.LittleEndian.PutUint32(argBuf[i*4:], p)
		}
		if argvPtr, err = h.writeBytes(argBuf); err != nil {
			return 0, err
		}
		defer h.free(argvPtr)
	}

	results, err := h.fnInvokeNative.Call(h.goCtx,
		api.EncodeI32(int32(handle)), uint64(fmtPtr), uint64(argvPtr), uint64(len(args)))
	if err != nil {
		return 0, fmt.Errorf("wasmhost: invoke native %d: %w", handle, err)
	}

	for i := range args {
		a := &args[i]
		switch a.Kind {
		case amx.RefCell:
			buf, ok := h.memory.Read(ptrs[i], amx.CellSize)
			if !ok {
				return 0, errors.New("wasmhost: read from guest memory failed")
			}
			a.Cells[a.Offset] = int32(binary.LittleEndian.Uint32(buf))
		case amx.RefString:
			buf, ok := h.memory.Read(ptrs[i], uint32(len(a.Bytes)))
			if !ok {
				return 0, errors.New("wasmhost: read from guest memory failed")
			}
			copy(a.Bytes, buf)
		case amx.RefArray:
			if err := h.readCells(ptrs[i], a.Cells); err != nil {
				return 0, err
			}
		}
	}

	return api.DecodeI32(results[0]), nil
}
