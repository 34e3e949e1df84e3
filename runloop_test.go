package amx

import (
	"sync"
	"testing"
)

func TestRunLoopInvoke(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	var result int
	loop.Invoke(func() { result = 42 })
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
}

func TestRunLoopSingleGoroutine(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	var loopGID uintptr
	loop.Invoke(func() { loopGID = getGoroutineID() })

	// Every invocation lands on the same goroutine, no matter who
	// submits.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Invoke(func() {
				if getGoroutineID() != loopGID {
					t.Error("work ran off the loop goroutine")
				}
			})
		}()
	}
	wg.Wait()
}

func TestRunLoopOrder(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Invoke(func() { got = append(got, i) })
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestRunLoopReentrantInvoke(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	// Invoke from inside loop work must not deadlock and must still run
	// the inner unit to completion before returning.
	var inner bool
	loop.Invoke(func() {
		loop.Invoke(func() { inner = true })
		if !inner {
			t.Error("reentrant Invoke returned before running its work")
		}
	})
	if !inner {
		t.Error("inner work never ran")
	}
}

func TestInvokeHelper(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	prov := &recordingProvider{ret: 7}
	ret, err := Invoke(loop, prov, NativeHandle(3), "rr", nil)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if ret != 7 {
		t.Errorf("ret = %d, want 7", ret)
	}
	if prov.handle != 3 || prov.format != "rr" {
		t.Errorf("provider saw handle=%d format=%q", prov.handle, prov.format)
	}
}

// recordingProvider captures the last call for assertions.
type recordingProvider struct {
	handle NativeHandle
	format string
	args   []Ref
	ret    int32
	err    error
}

func (p *recordingProvider) InvokeNative(handle NativeHandle, format string, args []Ref) (int32, error) {
	p.handle = handle
	p.format = format
	p.args = args
	return p.ret, p.err
}

func TestNativeInvoke(t *testing.T) {
	loop := NewRunLoop()
	defer loop.Close()

	prov := &recordingProvider{ret: CellFromFloat(2.5)}
	n := NewNative("GetSomething", 9, loop, prov, nil)

	if n.Name() != "GetSomething" || n.Handle() != 9 {
		t.Errorf("Name()=%q Handle()=%d", n.Name(), n.Handle())
	}

	f, err := n.InvokeFloat(int32(1), "abc", []int32{4, 5})
	if err != nil {
		t.Fatalf("InvokeFloat() error = %v", err)
	}
	if f != 2.5 {
		t.Errorf("InvokeFloat() = %g, want 2.5", f)
	}
	if prov.format != "rsa[2]" {
		t.Errorf("format = %q, want %q", prov.format, "rsa[2]")
	}

	prov.ret = 1
	ok, err := n.InvokeBool()
	if err != nil {
		t.Fatalf("InvokeBool() error = %v", err)
	}
	if !ok {
		t.Error("InvokeBool() = false, want true")
	}
}
