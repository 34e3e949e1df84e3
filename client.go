package amx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/openamx/amx/internal/wire"
)

// CallbackFunc handles a public call dispatched by the server. The cells
// are the call's packed arguments; the returned cell flows back to the
// Pawn caller.
type CallbackFunc func(args CellBuffer) Cell

// Option configures a Client.
type Option func(*Client)

// WithEncoding overrides the encoding announced by the server.
func WithEncoding(enc encoding.Encoding) Option {
	return func(c *Client) {
		c.enc = enc
		c.encForced = true
	}
}

// WithLogFunc sets the function used for the client's own diagnostics.
func WithLogFunc(fn func(msg string)) Option {
	return func(c *Client) {
		c.logf = fn
	}
}

// WithMaxFrameSize bounds incoming frame payloads.
func WithMaxFrameSize(n uint32) Option {
	return func(c *Client) {
		c.maxFrame = n
	}
}

// Client is a connection to the server plugin. The goroutine that calls
// Run is the AMX thread: public calls are dispatched on it and all native
// invocations execute on it. Client implements Synchronizer and
// CallProvider for the natives it resolves.
type Client struct {
	conn      net.Conn
	enc       encoding.Encoding
	encForced bool
	logf      func(msg string)
	maxFrame  uint32

	frames chan wire.Frame
	work   chan func()
	quit   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	gid     uintptr // pump goroutine, 0 until Run
	readErr error
	tick    func()
	calls   map[string]CallbackFunc
	natives map[string]NativeHandle

	wmu sync.Mutex // serializes frame writes
}

// errStop signals an orderly disconnect inside the pump.
var errStop = errors.New("amx: stop")

// Dial connects to the server plugin and performs the handshake.
func Dial(network, address string, opts ...Option) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("amx: dial %s %s: %w", network, address, err)
	}
	return NewClient(conn, opts...)
}

// NewClient performs the handshake on an established connection. On
// success the caller must call Run, whose goroutine becomes the AMX
// thread.
func NewClient(conn net.Conn, opts ...Option) (*Client, error) {
	c := &Client{
		conn:     conn,
		logf:     func(msg string) { fmt.Print(msg) },
		maxFrame: wire.DefaultMaxPayload,
		frames:   make(chan wire.Frame, 16),
		work:     make(chan func(), 64),
		quit:     make(chan struct{}),
		calls:    make(map[string]CallbackFunc),
		natives:  make(map[string]NativeHandle),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readFrames()
	return c, nil
}

func (c *Client) handshake() error {
	f, err := wire.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return fmt.Errorf("amx: handshake: %w", err)
	}
	if f.Cmd != wire.CmdAnnounce {
		return fmt.Errorf("amx: handshake: unexpected command %#x", byte(f.Cmd))
	}
	r := wire.NewReader(f.Payload)
	version, err := r.Uint32()
	if err != nil {
		return fmt.Errorf("amx: handshake: %w", err)
	}
	if version != wire.ProtocolVersion {
		return fmt.Errorf("amx: server speaks protocol %d, want %d", version, wire.ProtocolVersion)
	}
	name, err := r.String()
	if err != nil {
		return fmt.Errorf("amx: handshake: %w", err)
	}
	if !c.encForced {
		c.enc = resolveEncoding(name)
	}
	var w wire.Writer
	w.PutUint32(wire.ProtocolVersion)
	return c.writeFrame(wire.Frame{Cmd: wire.CmdStart, Payload: w.Bytes()})
}

// resolveEncoding maps a negotiated encoding name to a codec. Empty or
// unknown names fall back to the 7-bit default.
func resolveEncoding(name string) encoding.Encoding {
	if name == "" {
		return ASCII
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return ASCII
	}
	return enc
}

// Encoding returns the active text encoding for this connection. It never
// changes after the handshake and is safe to read from any goroutine.
func (c *Client) Encoding() encoding.Encoding { return c.enc }

func (c *Client) writeFrame(f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteFrame(c.conn, f)
}

func (c *Client) readFrames() {
	defer close(c.frames)
	for {
		f, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.frames <- f:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return net.ErrClosed
}

// Run processes server frames and queued work until the connection closes
// or Close is called. Its goroutine is the AMX thread; every native
// invocation and public-call dispatch happens on it.
func (c *Client) Run() error {
	c.mu.Lock()
	c.gid = getGoroutineID()
	c.mu.Unlock()
	for {
		select {
		case fn := <-c.work:
			fn()
		case f, ok := <-c.frames:
			if !ok {
				err := c.readError()
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			if err := c.dispatch(f); err != nil {
				if errors.Is(err, errStop) {
					return nil
				}
				return err
			}
		case <-c.quit:
			return nil
		}
	}
}

func (c *Client) dispatch(f wire.Frame) error {
	switch f.Cmd {
	case wire.CmdPing:
		return c.writeFrame(wire.Frame{Cmd: wire.CmdPong})
	case wire.CmdTick:
		c.mu.Lock()
		tick := c.tick
		c.mu.Unlock()
		if tick != nil {
			tick()
		}
		return nil
	case wire.CmdPublicCall:
		return c.publicCall(f.Payload)
	case wire.CmdDisconnect:
		return errStop
	default:
		c.logf(fmt.Sprintf("amx: ignoring unexpected command %#x\n", byte(f.Cmd)))
		return nil
	}
}

func (c *Client) publicCall(payload []byte) error {
	r := wire.NewReader(payload)
	name, err := r.String()
	if err != nil {
		return fmt.Errorf("amx: public call: %w", err)
	}
	cells, err := r.Cells()
	if err != nil {
		return fmt.Errorf("amx: public call %s: %w", name, err)
	}
	c.mu.Lock()
	fn := c.calls[name]
	c.mu.Unlock()
	var ret Cell
	if fn != nil {
		ret = fn(CellBuffer(cells))
	} else {
		c.logf(fmt.Sprintf("amx: unhandled public call %s\n", name))
	}
	var w wire.Writer
	w.PutCell(ret)
	return c.writeFrame(wire.Frame{Cmd: wire.CmdResponse, Payload: w.Bytes()})
}

// Invoke implements Synchronizer: fn runs on the pump goroutine and the
// caller blocks until it has completed. Called from the pump goroutine
// itself (reentry from a callback), queued work is drained first and fn
// runs inline, matching the cross-thread ordering. After Close, Invoke is
// a no-op.
func (c *Client) Invoke(fn func()) {
	c.mu.Lock()
	onPump := c.gid != 0 && c.gid == getGoroutineID()
	c.mu.Unlock()
	if onPump {
		c.drainWork()
		fn()
		return
	}
	done := make(chan struct{})
	select {
	case c.work <- func() { fn(); close(done) }:
	case <-c.quit:
		return
	}
	select {
	case <-done:
	case <-c.quit:
	}
}

func (c *Client) drainWork() {
	for {
		select {
		case fn := <-c.work:
			fn()
		default:
			return
		}
	}
}

// InvokeNative implements CallProvider: the packed call travels to the
// server, and incoming frames are processed until the response arrives.
// Server commands arriving in the meantime (nested public calls, pings)
// are dispatched inline. Must run on the AMX thread; use Invoke or
// Native.Invoke from other goroutines.
func (c *Client) InvokeNative(handle NativeHandle, format string, args []Ref) (int32, error) {
	var w wire.Writer
	w.PutCell(int32(handle))
	w.PutString(format)
	w.PutUint32(uint32(len(args)))
	for i := range args {
		a := &args[i]
		switch a.Kind {
		case RefCell:
			w.PutCell(a.Cells[a.Offset])
		case RefString:
			w.PutBytes(a.Bytes)
		case RefArray:
			w.PutCells(a.Cells)
		}
	}
	if err := c.writeFrame(wire.Frame{Cmd: wire.CmdInvokeNative, Payload: w.Bytes()}); err != nil {
		return 0, err
	}
	f, err := c.awaitResponse()
	if err != nil {
		return 0, err
	}
	r := wire.NewReader(f.Payload)
	ret, err := r.Cell()
	if err != nil {
		return 0, fmt.Errorf("amx: invoke response: %w", err)
	}
	// Copy by-reference outputs back through the refs.
	for i := range args {
		a := &args[i]
		switch a.Kind {
		case RefCell:
			cell, err := r.Cell()
			if err != nil {
				return 0, fmt.Errorf("amx: invoke response: %w", err)
			}
			a.Cells[a.Offset] = cell
		case RefString:
			b, err := r.Bytes()
			if err != nil {
				return 0, fmt.Errorf("amx: invoke response: %w", err)
			}
			copy(a.Bytes, b)
		case RefArray:
			cells, err := r.Cells()
			if err != nil {
				return 0, fmt.Errorf("amx: invoke response: %w", err)
			}
			copy(a.Cells, cells)
		}
	}
	return ret, nil
}

// awaitResponse reads frames until a response arrives, dispatching
// anything else inline. Must run on the AMX thread.
func (c *Client) awaitResponse() (wire.Frame, error) {
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return wire.Frame{}, c.readError()
			}
			if f.Cmd == wire.CmdResponse {
				return f, nil
			}
			if err := c.dispatch(f); err != nil {
				return wire.Frame{}, err
			}
		case <-c.quit:
			return wire.Frame{}, net.ErrClosed
		}
	}
}

// FindNative resolves a native by name, caching handles per connection.
// Safe to call from any goroutine.
func (c *Client) FindNative(name string) (*Native, error) {
	c.mu.Lock()
	if h, ok := c.natives[name]; ok {
		c.mu.Unlock()
		return NewNative(name, h, c, c, c.enc), nil
	}
	c.mu.Unlock()

	var (
		h   = InvalidNative
		err error
	)
	c.Invoke(func() { h, err = c.findNative(name) })
	if err != nil {
		return nil, err
	}
	if h == InvalidNative {
		return nil, fmt.Errorf("amx: native %q not found", name)
	}
	c.mu.Lock()
	c.natives[name] = h
	c.mu.Unlock()
	return NewNative(name, h, c, c, c.enc), nil
}

func (c *Client) findNative(name string) (NativeHandle, error) {
	var w wire.Writer
	w.PutString(name)
	if err := c.writeFrame(wire.Frame{Cmd: wire.CmdFindNative, Payload: w.Bytes()}); err != nil {
		return InvalidNative, err
	}
	f, err := c.awaitResponse()
	if err != nil {
		return InvalidNative, err
	}
	r := wire.NewReader(f.Payload)
	h, err := r.Cell()
	if err != nil {
		return InvalidNative, fmt.Errorf("amx: find response: %w", err)
	}
	return NativeHandle(h), nil
}

// RegisterCallback registers fn for the named public call and announces
// the registration to the server.
func (c *Client) RegisterCallback(name string, fn CallbackFunc) error {
	c.mu.Lock()
	c.calls[name] = fn
	c.mu.Unlock()
	var w wire.Writer
	w.PutString(name)
	return c.writeFrame(wire.Frame{Cmd: wire.CmdRegisterCall, Payload: w.Bytes()})
}

// OnTick sets the handler invoked on every server tick.
func (c *Client) OnTick(fn func()) {
	c.mu.Lock()
	c.tick = fn
	c.mu.Unlock()
}

// Print sends text to the server log using the active encoding.
func (c *Client) Print(msg string) error {
	n, err := ByteCount(c.enc, msg)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := EncodeText(c.enc, msg, buf); err != nil {
		return err
	}
	var w wire.Writer
	w.PutBytes(buf)
	return c.writeFrame(wire.Frame{Cmd: wire.CmdPrint, Payload: w.Bytes()})
}

// Close tears down the connection and stops Run.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.quit) })
	return c.conn.Close()
}
