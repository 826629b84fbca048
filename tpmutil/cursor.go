// Package tpmutil provides the big-endian wire helpers shared by the TPM2
// command and response codec. Earlier versions of this helper leaned on
// encoding/binary plus reflection to pack whole structs in one call; the
// TPMT_PUBLIC response is a discriminated union whose layout depends on
// values read earlier in the same buffer, so this package instead exposes
// an explicit cursor that decodes one field at a time, copying byte-by-byte
// so it never assumes a field lands on an aligned offset.
package tpmutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Reader walks a byte buffer left to right, decoding big-endian integers
// and length-prefixed byte blobs.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over buf starting at offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the number of bytes consumed so far.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("tpmutil: short buffer: need %d bytes, have %d", n, r.Remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint8 decodes a single byte.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 decodes a big-endian uint16, copying byte-by-byte so the read
// never assumes 2-byte alignment.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	var tmp [2]byte
	copy(tmp[:], b)
	return binary.BigEndian.Uint16(tmp[:]), nil
}

// ReadUint32 decodes a big-endian uint32, copying byte-by-byte.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	var tmp [4]byte
	copy(tmp[:], b)
	return binary.BigEndian.Uint32(tmp[:]), nil
}

// ReadUint64 decodes a big-endian uint64, copying byte-by-byte.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.BigEndian.Uint64(tmp[:]), nil
}

// ReadBytes returns the next n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadSized reads a uint16 length prefix followed by that many bytes,
// rejecting the field outright if the declared length exceeds max. This is
// the one recurring shape of every TPM2B_* field this codec decodes.
func (r *Reader) ReadSized(max int) ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, fmt.Errorf("tpmutil: sized field length %d exceeds maximum %d", n, max)
	}
	return r.ReadBytes(int(n))
}

// Writer accumulates big-endian encoded fields.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// WriteUint16 appends v big-endian.
func (w *Writer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf.Write(tmp[:])
}

// WriteUint32 appends v big-endian.
func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

// WriteUint64 appends v big-endian.
func (w *Writer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
}

// WriteBytes appends p verbatim, with no length prefix.
func (w *Writer) WriteBytes(p []byte) {
	w.buf.Write(p)
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }
