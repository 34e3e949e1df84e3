package amx

import (
	"net"
	"testing"
	"time"

	"github.com/openamx/amx/internal/wire"
)

// newTestClient wires a client to an in-memory server connection and
// performs the handshake. The returned conn is the server side.
func newTestClient(t *testing.T, encName string, opts ...Option) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	serverErr := make(chan error, 1)
	go func() {
		var w wire.Writer
		w.PutUint32(wire.ProtocolVersion)
		w.PutString(encName)
		if err := wire.WriteFrame(serverConn, wire.Frame{Cmd: wire.CmdAnnounce, Payload: w.Bytes()}); err != nil {
			serverErr <- err
			return
		}
		f, err := wire.ReadFrame(serverConn, wire.DefaultMaxPayload)
		if err == nil && f.Cmd != wire.CmdStart {
			t.Errorf("handshake reply = %#x, want CmdStart", byte(f.Cmd))
		}
		serverErr <- err
	}()

	client, err := NewClient(clientConn, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, serverConn
}

// replyTo parses one packed native call using its format string and
// answers it with ret and the (possibly mutated) arguments.
func replyTo(t *testing.T, conn net.Conn, f wire.Frame, ret int32,
	mutate func(format string, cells [][]int32, strs [][]byte)) {
	t.Helper()
	r := wire.NewReader(f.Payload)
	if _, err := r.Cell(); err != nil {
		t.Errorf("handle: %v", err)
		return
	}
	format, err := r.String()
	if err != nil {
		t.Errorf("format: %v", err)
		return
	}
	argc, err := r.Uint32()
	if err != nil {
		t.Errorf("argc: %v", err)
		return
	}

	var (
		kinds []byte
		cells [][]int32
		strs  [][]byte
	)
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case 'r':
			c, err := r.Cell()
			if err != nil {
				t.Errorf("arg cell: %v", err)
				return
			}
			kinds = append(kinds, 'r')
			cells = append(cells, []int32{c})
		case 's':
			b, err := r.Bytes()
			if err != nil {
				t.Errorf("arg string: %v", err)
				return
			}
			kinds = append(kinds, 's')
			strs = append(strs, b)
		case 'a':
			a, err := r.Cells()
			if err != nil {
				t.Errorf("arg array: %v", err)
				return
			}
			kinds = append(kinds, 'a')
			cells = append(cells, a)
			for i < len(format) && format[i] != ']' {
				i++
			}
		}
	}
	if int(argc) != len(kinds) {
		t.Errorf("argc = %d, format %q has %d args", argc, format, len(kinds))
	}

	if mutate != nil {
		mutate(format, cells, strs)
	}

	var w wire.Writer
	w.PutCell(ret)
	ci, si := 0, 0
	for _, k := range kinds {
		switch k {
		case 'r':
			w.PutCell(cells[ci][0])
			ci++
		case 's':
			w.PutBytes(strs[si])
			si++
		case 'a':
			w.PutCells(cells[ci])
			ci++
		}
	}
	if err := wire.WriteFrame(conn, wire.Frame{Cmd: wire.CmdResponse, Payload: w.Bytes()}); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestClientFindNative(t *testing.T) {
	client, server := newTestClient(t, "")
	go client.Run()

	go func() {
		f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if f.Cmd != wire.CmdFindNative {
			t.Errorf("Cmd = %#x, want CmdFindNative", byte(f.Cmd))
		}
		name, err := wire.NewReader(f.Payload).String()
		if err != nil || name != "GetTickCount" {
			t.Errorf("name = %q, %v", name, err)
		}
		var w wire.Writer
		w.PutCell(17)
		wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdResponse, Payload: w.Bytes()})
	}()

	n, err := client.FindNative("GetTickCount")
	if err != nil {
		t.Fatalf("FindNative() error = %v", err)
	}
	if n.Handle() != 17 {
		t.Errorf("Handle() = %d, want 17", n.Handle())
	}

	// Second lookup is served from the cache, no frame exchange.
	n2, err := client.FindNative("GetTickCount")
	if err != nil {
		t.Fatalf("cached FindNative() error = %v", err)
	}
	if n2.Handle() != 17 {
		t.Errorf("cached Handle() = %d, want 17", n2.Handle())
	}
}

func TestClientFindNativeMissing(t *testing.T) {
	client, server := newTestClient(t, "")
	go client.Run()

	go func() {
		if _, err := wire.ReadFrame(server, wire.DefaultMaxPayload); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		var w wire.Writer
		w.PutCell(int32(InvalidNative))
		wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdResponse, Payload: w.Bytes()})
	}()

	if _, err := client.FindNative("NoSuchNative"); err == nil {
		t.Fatal("FindNative() error = nil, want not-found")
	}
}

func TestClientInvokeNative(t *testing.T) {
	client, server := newTestClient(t, "")
	go client.Run()

	go func() {
		// FindNative exchange.
		if _, err := wire.ReadFrame(server, wire.DefaultMaxPayload); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		var w wire.Writer
		w.PutCell(5)
		wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdResponse, Payload: w.Bytes()})

		// Invoke exchange: bump every array cell so by-ref output is
		// observable on the client side.
		f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if f.Cmd != wire.CmdInvokeNative {
			t.Errorf("Cmd = %#x, want CmdInvokeNative", byte(f.Cmd))
		}
		replyTo(t, server, f, 1, func(format string, cells [][]int32, strs [][]byte) {
			if format != "ra[3]s" {
				t.Errorf("format = %q, want %q", format, "ra[3]s")
			}
			for _, a := range cells[1:] {
				for i := range a {
					a[i]++
				}
			}
			copy(strs[0], "ok\x00")
		})
	}()

	n, err := client.FindNative("DoThing")
	if err != nil {
		t.Fatalf("FindNative() error = %v", err)
	}

	arr := []int32{10, 20, 30}
	out := make([]byte, 8)
	ret, err := n.Invoke(int32(7), arr, out)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if ret != 1 {
		t.Errorf("ret = %d, want 1", ret)
	}
	if arr[0] != 11 || arr[1] != 21 || arr[2] != 31 {
		t.Errorf("arr = %v, want [11 21 31]", arr)
	}
	text, err := DecodeText(client.Encoding(), out)
	if err != nil {
		t.Fatalf("DecodeText() error = %v", err)
	}
	if text != "ok" {
		t.Errorf("out = %q, want %q", text, "ok")
	}
}

func TestClientPublicCall(t *testing.T) {
	client, server := newTestClient(t, "")

	// The registration announcement is read concurrently; net.Pipe writes
	// block until the peer reads.
	regRead := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		regRead <- f
	}()

	called := make(chan CellBuffer, 1)
	if err := client.RegisterCallback("OnPlayerConnect", func(args CellBuffer) Cell {
		called <- args
		return 1
	}); err != nil {
		t.Fatalf("RegisterCallback() error = %v", err)
	}

	go client.Run()

	f := <-regRead
	if f.Cmd != wire.CmdRegisterCall {
		t.Fatalf("Cmd = %#x, want CmdRegisterCall", byte(f.Cmd))
	}

	var w wire.Writer
	w.PutString("OnPlayerConnect")
	w.PutCells([]int32{42})
	if err := wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdPublicCall, Payload: w.Bytes()}); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Cmd != wire.CmdResponse {
		t.Fatalf("Cmd = %#x, want CmdResponse", byte(resp.Cmd))
	}
	ret, err := wire.NewReader(resp.Payload).Cell()
	if err != nil || ret != 1 {
		t.Errorf("ret = %d, %v, want 1", ret, err)
	}

	select {
	case args := <-called:
		if len(args) != 1 || args[0] != 42 {
			t.Errorf("args = %v, want [42]", args)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClientReentrantInvokeFromHandler(t *testing.T) {
	client, server := newTestClient(t, "")

	regRead := make(chan struct{})
	go func() {
		if _, err := wire.ReadFrame(server, wire.DefaultMaxPayload); err != nil {
			t.Errorf("read register: %v", err)
		}
		close(regRead)
	}()

	// A handler invoking a native must run the nested call inline on the
	// pump goroutine rather than deadlocking on its own queue.
	result := make(chan int32, 1)
	if err := client.RegisterCallback("OnThing", func(args CellBuffer) Cell {
		ret, err := client.InvokeNative(3, "r", []Ref{{Kind: RefCell, Cells: CellBuffer{9}}})
		if err != nil {
			t.Errorf("nested InvokeNative() error = %v", err)
		}
		result <- ret
		return 0
	}); err != nil {
		t.Fatalf("RegisterCallback() error = %v", err)
	}

	go client.Run()
	<-regRead

	var w wire.Writer
	w.PutString("OnThing")
	w.PutCells(nil)
	if err := wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdPublicCall, Payload: w.Bytes()}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The nested invoke arrives before the public call's response.
	f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read invoke: %v", err)
	}
	if f.Cmd != wire.CmdInvokeNative {
		t.Fatalf("Cmd = %#x, want CmdInvokeNative", byte(f.Cmd))
	}
	replyTo(t, server, f, 123, nil)

	resp, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Cmd != wire.CmdResponse {
		t.Fatalf("Cmd = %#x, want CmdResponse", byte(resp.Cmd))
	}

	select {
	case ret := <-result:
		if ret != 123 {
			t.Errorf("nested ret = %d, want 123", ret)
		}
	case <-time.After(time.Second):
		t.Fatal("nested invoke never completed")
	}
}

func TestClientPingPong(t *testing.T) {
	client, server := newTestClient(t, "")
	go client.Run()

	if err := wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Cmd != wire.CmdPong {
		t.Errorf("Cmd = %#x, want CmdPong", byte(f.Cmd))
	}
}

func TestClientPrint(t *testing.T) {
	client, server := newTestClient(t, "")
	go client.Run()

	done := make(chan error, 1)
	go func() { done <- client.Print("hello") }()

	f, err := wire.ReadFrame(server, wire.DefaultMaxPayload)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Cmd != wire.CmdPrint {
		t.Fatalf("Cmd = %#x, want CmdPrint", byte(f.Cmd))
	}
	b, err := wire.NewReader(f.Payload).Bytes()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(b) != "hello\x00" {
		t.Errorf("payload = %q, want %q", b, "hello\x00")
	}
	if err := <-done; err != nil {
		t.Fatalf("Print() error = %v", err)
	}
}

func TestClientDisconnectStopsRun(t *testing.T) {
	client, server := newTestClient(t, "")

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run() }()

	if err := wire.WriteFrame(server, wire.Frame{Cmd: wire.CmdDisconnect}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run never returned after disconnect")
	}
}

func TestClientEncodingOverride(t *testing.T) {
	client, _ := newTestClient(t, "windows-1251", WithEncoding(ASCII))
	if client.Encoding() != ASCII {
		t.Error("WithEncoding did not override the announced encoding")
	}
}

func TestClientResolvesAnnouncedEncoding(t *testing.T) {
	client, _ := newTestClient(t, "windows-1251")
	if client.Encoding() == ASCII || client.Encoding() == nil {
		t.Error("announced encoding was not resolved")
	}
}
