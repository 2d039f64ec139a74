// Package ndr implements the subset of NDR20 (little-endian, type
// serialization version 1) used by PAC buffers.
//
// Encoders and decoders are driven by explicit calls rather than
// reflection. Pointer referents are deferred and written depth first: the
// referents queued while writing one referent follow it immediately.
package ndr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/jcmturner/rpc/v2/mstypes"
)

var (
	ErrTruncated     = errors.New("ndr: truncated")
	ErrCountMismatch = errors.New("ndr: array count mismatch")
	ErrHeader        = errors.New("ndr: bad type serialization header")
)

const (
	headerLen = 16
	// firstReferent is the referent ID Windows uses for the first pointer.
	firstReferent = 0x00020000
)

// Encoder writes NDR primitives.
type Encoder struct {
	buf     []byte
	pending []func(*Encoder)
	ref     uint32
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{ref: firstReferent}
}

// Bytes returns the encoded data.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written.
func (e *Encoder) Len() int { return len(e.buf) }

// Align pads with zeros to a multiple of n.
func (e *Encoder) Align(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) Uint8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) Uint16(v uint16) {
	e.Align(2)
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.Align(4)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.Align(8)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// Raw appends b with no alignment.
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// Pointer writes a unique pointer. When present, write is queued and runs
// on the next Flush.
func (e *Encoder) Pointer(present bool, write func(*Encoder)) {
	if !present {
		e.Uint32(0)
		return
	}
	e.Uint32(e.ref)
	e.ref += 4
	e.pending = append(e.pending, write)
}

// Flush writes queued referents depth first.
func (e *Encoder) Flush() {
	for len(e.pending) > 0 {
		queue := e.pending
		e.pending = nil
		for _, w := range queue {
			w(e)
			e.Flush()
		}
	}
}

// ConformantBytes writes a conformant byte array body: max count then data.
func (e *Encoder) ConformantBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.Raw(b)
}

// UnicodeString writes an RPC_UNICODE_STRING. Empty strings get a null
// buffer pointer.
func (e *Encoder) UnicodeString(s string) {
	u := utf16.Encode([]rune(s))
	e.Uint16(uint16(2 * len(u)))
	e.Uint16(uint16(2 * len(u)))
	e.Pointer(len(u) > 0, func(e *Encoder) {
		e.Uint32(uint32(len(u)))
		e.Uint32(0)
		e.Uint32(uint32(len(u)))
		for _, c := range u {
			e.Uint16(c)
		}
	})
}

// WideString writes the body of a null-terminated conformant varying
// wide string (LPWSTR).
func (e *Encoder) WideString(s string) {
	u := append(utf16.Encode([]rune(s)), 0)
	e.Uint32(uint32(len(u)))
	e.Uint32(0)
	e.Uint32(uint32(len(u)))
	for _, c := range u {
		e.Uint16(c)
	}
}

// SID writes the body of an RPC_SID, including the hoisted max count.
func (e *Encoder) SID(s mstypes.RPCSID) {
	e.Uint32(uint32(len(s.SubAuthority)))
	e.Uint8(s.Revision)
	e.Uint8(uint8(len(s.SubAuthority)))
	e.Raw(s.IdentifierAuthority[:])
	for _, a := range s.SubAuthority {
		e.Uint32(a)
	}
}

// SIDPointer writes a pointer to an RPC_SID.
func (e *Encoder) SIDPointer(s *mstypes.RPCSID) {
	e.Pointer(s != nil, func(e *Encoder) { e.SID(*s) })
}

// FileTime writes a FILETIME as two 32 bit halves.
func (e *Encoder) FileTime(ft mstypes.FileTime) {
	e.Uint32(ft.LowDateTime)
	e.Uint32(ft.HighDateTime)
}

// Serialize wraps the top-level type written by write in the type
// serialization version 1 headers. The body begins with the top-level
// referent and is padded to 8 bytes.
func Serialize(write func(*Encoder)) []byte {
	e := NewEncoder()
	e.Pointer(true, write)
	e.Flush()
	e.Align(8)

	out := make([]byte, headerLen, headerLen+len(e.buf))
	out[0] = 1    // version
	out[1] = 0x10 // little-endian, ASCII
	binary.LittleEndian.PutUint16(out[2:], 8)
	binary.LittleEndian.PutUint32(out[4:], 0xcccccccc)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(e.buf)))
	return append(out, e.buf...)
}

// Decoder reads NDR primitives. The first error is sticky: later reads
// return zero values and Err reports it.
type Decoder struct {
	b       []byte
	off     int
	pending []func(*Decoder)
	err     error
}

// NewDecoder reads from b with no headers.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error { return d.err }

// Fail records err unless an error is already recorded.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Offset is the current read position.
func (d *Decoder) Offset() int { return d.off }

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.b) - d.off }

func (d *Decoder) Align(n int) {
	for d.off%n != 0 {
		d.off++
	}
	if d.off > len(d.b) {
		d.off = len(d.b)
	}
}

func (d *Decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.Fail(fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, d.off))
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint16() uint16 {
	d.Align(2)
	b := d.next(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) Uint32() uint32 {
	d.Align(4)
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	d.Align(8)
	b := d.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Raw reads n bytes with no alignment. The result is a copy.
func (d *Decoder) Raw(n int) []byte {
	b := d.next(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Pointer reads a unique pointer and queues read for its referent when it
// is not null. It reports whether the pointer was present.
func (d *Decoder) Pointer(read func(*Decoder)) bool {
	if d.Uint32() == 0 || d.err != nil {
		return false
	}
	d.pending = append(d.pending, read)
	return true
}

// Flush reads queued referents depth first.
func (d *Decoder) Flush() {
	for len(d.pending) > 0 && d.err == nil {
		queue := d.pending
		d.pending = nil
		for _, r := range queue {
			r(d)
			d.Flush()
		}
	}
}

// Count reads an array count and checks it against the count the
// enclosing structure declared and against the bytes left, given the
// minimum element size.
func (d *Decoder) Count(declared uint32, elemSize int) int {
	n := d.Uint32()
	if d.err != nil {
		return 0
	}
	if n != declared {
		d.Fail(fmt.Errorf("%w: declared %d, encoded %d", ErrCountMismatch, declared, n))
		return 0
	}
	if elemSize > 0 && int64(n)*int64(elemSize) > int64(d.Remaining()) {
		d.Fail(fmt.Errorf("%w: %d elements of %d bytes", ErrTruncated, n, elemSize))
		return 0
	}
	return int(n)
}

// ConformantBytes reads a conformant byte array whose size the enclosing
// structure declared.
func (d *Decoder) ConformantBytes(declared uint32) []byte {
	n := d.Count(declared, 1)
	return d.Raw(n)
}

func (d *Decoder) varying(maxBytes int) []uint16 {
	maxCount := d.Uint32()
	off := d.Uint32()
	actual := d.Uint32()
	if d.err != nil {
		return nil
	}
	if off != 0 || actual > maxCount {
		d.Fail(fmt.Errorf("%w: max %d offset %d actual %d", ErrCountMismatch, maxCount, off, actual))
		return nil
	}
	if maxBytes >= 0 && int(actual)*2 > maxBytes {
		d.Fail(fmt.Errorf("%w: string of %d chars exceeds %d bytes", ErrCountMismatch, actual, maxBytes))
		return nil
	}
	if int64(actual)*2 > int64(d.Remaining()) {
		d.Fail(ErrTruncated)
		return nil
	}
	u := make([]uint16, actual)
	for i := range u {
		u[i] = d.Uint16()
	}
	return u
}

// UnicodeString reads an RPC_UNICODE_STRING into dst. The characters are
// stored when the referent is read.
func (d *Decoder) UnicodeString(dst *string) {
	length := d.Uint16()
	maxLength := d.Uint16()
	if length > maxLength {
		d.Fail(fmt.Errorf("%w: unicode string length %d > max %d", ErrCountMismatch, length, maxLength))
		return
	}
	d.Pointer(func(d *Decoder) {
		u := d.varying(int(maxLength))
		if len(u)*2 < int(length) {
			d.Fail(fmt.Errorf("%w: unicode string has %d chars, length %d", ErrCountMismatch, len(u), length))
			return
		}
		*dst = string(utf16.Decode(u[:length/2]))
	})
}

// WideString reads the body of a null-terminated conformant varying wide
// string.
func (d *Decoder) WideString() string {
	u := d.varying(-1)
	if n := len(u); n > 0 && u[n-1] == 0 {
		u = u[:n-1]
	}
	return string(utf16.Decode(u))
}

// SID reads the body of an RPC_SID.
func (d *Decoder) SID() mstypes.RPCSID {
	maxCount := d.Uint32()
	var s mstypes.RPCSID
	s.Revision = d.Uint8()
	s.SubAuthorityCount = d.Uint8()
	copy(s.IdentifierAuthority[:], d.Raw(6))
	if d.err != nil {
		return s
	}
	if uint32(s.SubAuthorityCount) != maxCount || maxCount > 15 {
		d.Fail(fmt.Errorf("%w: sid sub-authority count %d, max %d", ErrCountMismatch, s.SubAuthorityCount, maxCount))
		return s
	}
	s.SubAuthority = make([]uint32, maxCount)
	for i := range s.SubAuthority {
		s.SubAuthority[i] = d.Uint32()
	}
	return s
}

// SIDPointer reads a pointer to an RPC_SID into dst.
func (d *Decoder) SIDPointer(dst **mstypes.RPCSID) {
	d.Pointer(func(d *Decoder) {
		s := d.SID()
		*dst = &s
	})
}

func (d *Decoder) FileTime() mstypes.FileTime {
	return mstypes.FileTime{LowDateTime: d.Uint32(), HighDateTime: d.Uint32()}
}

// Deserialize checks the type serialization headers of b and reads the
// top-level type with read.
func Deserialize(b []byte, read func(*Decoder)) error {
	if len(b) < headerLen {
		return ErrTruncated
	}
	if b[0] != 1 || b[1]>>4 != 1 || binary.LittleEndian.Uint16(b[2:]) != 8 {
		return fmt.Errorf("%w: version %d format %#x", ErrHeader, b[0], b[1])
	}
	size := binary.LittleEndian.Uint32(b[8:])
	if int64(size) > int64(len(b)-headerLen) {
		return fmt.Errorf("%w: object length %d with %d bytes", ErrTruncated, size, len(b)-headerLen)
	}
	d := NewDecoder(b[headerLen : headerLen+int(size)])
	if !d.Pointer(read) && d.err == nil {
		return fmt.Errorf("%w: null top-level pointer", ErrHeader)
	}
	d.Flush()
	return d.Err()
}
