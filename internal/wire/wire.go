// Package wire implements the framed command protocol spoken between the
// out-of-process host and the server plugin.
//
// A frame is a 1-byte command followed by a little-endian uint32 payload
// length and the payload itself. Payloads pack cells as little-endian
// 32-bit values; strings and arrays are length-prefixed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command identifies one frame type.
type Command byte

const (
	// CmdAnnounce is sent by the server on connect: protocol version and
	// the negotiated encoding name.
	CmdAnnounce Command = 0x01
	// CmdStart acknowledges the announce and starts the session.
	CmdStart Command = 0x02
	// CmdPing is answered with CmdPong.
	CmdPing Command = 0x03
	CmdPong Command = 0x04
	// CmdPrint carries encoded text for the server log.
	CmdPrint Command = 0x05
	// CmdRegisterCall registers interest in a public call by name.
	CmdRegisterCall Command = 0x06
	// CmdFindNative resolves a native name to a handle.
	CmdFindNative Command = 0x07
	// CmdInvokeNative carries a packed native call frame.
	CmdInvokeNative Command = 0x08
	// CmdResponse answers CmdFindNative, CmdInvokeNative and
	// CmdPublicCall.
	CmdResponse Command = 0x09
	// CmdPublicCall dispatches a Pawn public call to the host.
	CmdPublicCall Command = 0x0a
	// CmdTick is the server's frame tick.
	CmdTick Command = 0x0b
	// CmdDisconnect ends the session.
	CmdDisconnect Command = 0x0c
)

// ProtocolVersion is bumped on incompatible frame or payload changes.
const ProtocolVersion = 1

// DefaultMaxPayload bounds incoming frame payloads (1 MiB).
const DefaultMaxPayload = 1 << 20

const headerSize = 5

var (
	// ErrFrameTooLarge is returned for payloads above the configured
	// maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload size")
	// ErrShortPayload is returned when a payload ends before a declared
	// field does.
	ErrShortPayload = errors.New("wire: payload truncated")
)

// Frame is one decoded protocol frame.
type Frame struct {
	Cmd     Command
	Payload []byte
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [headerSize]byte
	hdr[0] = byte(f.Cmd)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads one frame from r, rejecting payloads above maxPayload.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.LittleEndian.Uint32(hdr[1:])
	if size > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	f := Frame{Cmd: Command(hdr[0])}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Writer builds a frame payload.
type Writer struct {
	buf []byte
}

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// PutCell appends one cell.
func (w *Writer) PutCell(c int32) {
	w.PutUint32(uint32(c))
}

// PutCells appends a count-prefixed cell array.
func (w *Writer) PutCells(cells []int32) {
	w.PutUint32(uint32(len(cells)))
	for _, c := range cells {
		w.PutUint32(uint32(c))
	}
}

// PutBytes appends a length-prefixed byte buffer.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString appends a length-prefixed string. Protocol-internal names are
// raw bytes; game text travels through the encoded PutBytes path instead.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes a frame payload with bounds checks on every read.
type Reader struct {
	buf []byte
	off int
}

// NewReader wraps payload for reading.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortPayload
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// Cell reads one cell.
func (r *Reader) Cell() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Cells reads a count-prefixed cell array.
func (r *Reader) Cells() ([]int32, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if n > uint32(r.Remaining())/4 {
		return nil, ErrShortPayload
	}
	cells := make([]int32, n)
	for i := range cells {
		cells[i], _ = r.Cell()
	}
	return cells, nil
}

// Bytes reads a length-prefixed byte buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint32(r.Remaining()) < n {
		return nil, ErrShortPayload
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:])
	r.off += int(n)
	return b, nil
}

// String reads a length-prefixed string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}
