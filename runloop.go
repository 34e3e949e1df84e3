package amx

import (
	"runtime"
	"sync"
)

// getGoroutineID returns a unique identifier for the current goroutine.
// This is a hack that reads from the runtime stack, but it's safe and fast.
func getGoroutineID() uintptr {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack looks like "goroutine 123 [running]:\n..."
	// We parse the number after "goroutine "
	var id uintptr
	for i := 10; i < n && buf[i] != ' '; i++ {
		id = id*10 + uintptr(buf[i]-'0')
	}
	return id
}

// RunLoop is a Synchronizer backed by a dedicated goroutine, for providers
// that have no message pump of their own (the in-process wasm host,
// tests). Work executes in submission order. Invoke from the loop
// goroutine itself (reentry from a callback) drains queued work first and
// then runs inline, so ordering matches the cross-thread path.
type RunLoop struct {
	work chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	mu  sync.Mutex
	gid uintptr
}

// NewRunLoop starts the loop goroutine.
func NewRunLoop() *RunLoop {
	l := &RunLoop{
		work: make(chan func(), 64),
		quit: make(chan struct{}),
	}
	started := make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.mu.Lock()
		l.gid = getGoroutineID()
		l.mu.Unlock()
		close(started)
		for {
			select {
			case fn := <-l.work:
				fn()
			case <-l.quit:
				l.drain()
				return
			}
		}
	}()
	<-started
	return l
}

func (l *RunLoop) onLoop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gid == getGoroutineID()
}

// drain runs queued work without blocking. Caller must be on the loop
// goroutine.
func (l *RunLoop) drain() {
	for {
		select {
		case fn := <-l.work:
			fn()
		default:
			return
		}
	}
}

// Invoke runs fn on the loop goroutine and blocks until it has completed.
// Invoke after Close is undefined.
func (l *RunLoop) Invoke(fn func()) {
	if l.onLoop() {
		l.drain()
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case l.work <- func() { fn(); close(done) }:
	case <-l.quit:
		return
	}
	select {
	case <-done:
	case <-l.quit:
	}
}

// Close stops the loop after pending work has run.
func (l *RunLoop) Close() {
	close(l.quit)
	l.wg.Wait()
}
