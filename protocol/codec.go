package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer is returned when a frame is truncated.
	ErrShortBuffer = errors.New("protocol: short buffer")

	// ErrOversized is returned when a length prefix exceeds MaxPayloadSize.
	ErrOversized = errors.New("protocol: field exceeds maximum size")
)

// all integers on the wire are little-endian

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v byte)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}
func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// bytes writes a u32 length prefix followed by the raw bytes.
func (w *writer) bytes(b []byte) {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(len(b)))
	w.buf.Write(p[:])
	w.buf.Write(b)
}

func (w *writer) string(s string) { w.bytes([]byte(s)) }

func (w *writer) raw(b []byte) { w.buf.Write(b) }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	size := binary.LittleEndian.Uint32(b)
	if size > MaxPayloadSize {
		r.err = ErrOversized
		return nil
	}
	out := r.take(int(size))
	if out == nil {
		return nil
	}
	// copy so callers can hold on to the slice
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp
}

func (r *reader) string() string { return string(r.bytes()) }

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("protocol: %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}
