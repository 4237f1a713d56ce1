package jpeg2k

import (
	"encoding/binary"
	"fmt"
)

// BitReader reads packet header bits with JPEG 2000 bit stuffing:
// a byte following 0xFF carries only 7 bits (ITU-T T.800 B.10.1).
type BitReader struct {
	data   []byte
	pos    int
	cur    byte
	bits   int  // bits left in cur
	prevFF bool // last loaded byte was 0xFF
}

// NewBitReader creates a bit reader over data
func NewBitReader(data []byte) *BitReader {
	return &BitReader{data: data}
}

// ReadBit reads a single bit
func (b *BitReader) ReadBit() (int, error) {
	if b.bits == 0 {
		if b.pos >= len(b.data) {
			return 0, fmt.Errorf("%w: packet header at byte %d", ErrTruncated, b.pos)
		}
		b.cur = b.data[b.pos]
		b.pos++
		b.bits = 8
		if b.prevFF {
			b.bits = 7
		}
		b.prevFF = b.cur == 0xFF
	}
	b.bits--
	return int(b.cur>>b.bits) & 1, nil
}

// ReadBits reads n bits MSB first (n <= 32)
func (b *BitReader) ReadBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := b.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint32(bit)
	}
	return v, nil
}

// Align discards the remaining bits of the current byte. When the
// last byte was 0xFF the stuffed byte that follows is consumed too.
func (b *BitReader) Align() error {
	b.bits = 0
	if b.prevFF {
		if b.pos >= len(b.data) {
			return fmt.Errorf("%w: missing stuffing byte after 0xFF", ErrTruncated)
		}
		b.pos++
		b.prevFF = false
	}
	return nil
}

// Pos returns the byte offset of the next unread byte
func (b *BitReader) Pos() int {
	return b.pos
}

// BitWriter writes packet header bits with JPEG 2000 bit stuffing
type BitWriter struct {
	buf  []byte
	cur  byte
	bits int // free bits in cur
}

// NewBitWriter creates a new bit writer
func NewBitWriter() *BitWriter {
	return &BitWriter{bits: 8}
}

// WriteBit writes a single bit
func (b *BitWriter) WriteBit(bit int) {
	b.bits--
	b.cur |= byte(bit&1) << b.bits
	if b.bits == 0 {
		b.buf = append(b.buf, b.cur)
		b.bits = 8
		if b.cur == 0xFF {
			b.bits = 7
		}
		b.cur = 0
	}
}

// WriteBits writes the n low bits of val, MSB first
func (b *BitWriter) WriteBits(val uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		b.WriteBit(int(val>>i) & 1)
	}
}

// Flush pads the current byte with zeros. A header must not end with
// 0xFF, so a zero byte is appended in that case.
func (b *BitWriter) Flush() []byte {
	if b.bits < 8 && !(b.bits == 7 && b.lastFF()) {
		b.buf = append(b.buf, b.cur)
		b.cur = 0
		b.bits = 8
		if b.buf[len(b.buf)-1] == 0xFF {
			b.bits = 7
		}
	}
	if b.lastFF() {
		b.buf = append(b.buf, 0)
		b.bits = 8
	}
	return b.buf
}

func (b *BitWriter) lastFF() bool {
	return len(b.buf) > 0 && b.buf[len(b.buf)-1] == 0xFF
}

// Bytes returns the bytes written so far
func (b *BitWriter) Bytes() []byte {
	return b.buf
}

// ByteReader provides bounded big-endian access to an in-memory buffer
type ByteReader struct {
	data []byte
	pos  int
}

// NewByteReader creates a new byte reader
func NewByteReader(data []byte) *ByteReader {
	return &ByteReader{data: data}
}

func (b *ByteReader) need(n int) error {
	if n < 0 || b.pos+n > len(b.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, b.pos, len(b.data)-b.pos)
	}
	return nil
}

// ReadByte reads a single byte
func (b *ByteReader) ReadByte() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

// ReadUint16 reads a big-endian uint16
func (b *ByteReader) ReadUint16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.data[b.pos:])
	b.pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32
func (b *ByteReader) ReadUint32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.pos:])
	b.pos += 4
	return v, nil
}

// ReadBytes returns the next n bytes without copying
func (b *ByteReader) ReadBytes(n int) ([]byte, error) {
	if err := b.need(n); err != nil {
		return nil, err
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

// PeekUint16 returns the next big-endian uint16 without consuming it
func (b *ByteReader) PeekUint16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b.data[b.pos:]), nil
}

// Skip discards n bytes
func (b *ByteReader) Skip(n int) error {
	if err := b.need(n); err != nil {
		return err
	}
	b.pos += n
	return nil
}

// Pos returns the current offset
func (b *ByteReader) Pos() int {
	return b.pos
}

// Seek moves to an absolute offset
func (b *ByteReader) Seek(pos int) error {
	if pos < 0 || pos > len(b.data) {
		return fmt.Errorf("%w: seek to %d beyond %d bytes", ErrTruncated, pos, len(b.data))
	}
	b.pos = pos
	return nil
}

// Remaining returns the number of unread bytes
func (b *ByteReader) Remaining() int {
	return len(b.data) - b.pos
}

// Len returns the size of the underlying buffer
func (b *ByteReader) Len() int {
	return len(b.data)
}

// ByteWriter accumulates big-endian values in a growable buffer
type ByteWriter struct {
	buf []byte
}

// NewByteWriter creates a new byte writer
func NewByteWriter() *ByteWriter {
	return &ByteWriter{}
}

// PutByte writes a single byte
func (b *ByteWriter) PutByte(c byte) {
	b.buf = append(b.buf, c)
}

// WriteUint16 writes a big-endian uint16
func (b *ByteWriter) WriteUint16(v uint16) {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
}

// WriteUint32 writes a big-endian uint32
func (b *ByteWriter) WriteUint32(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

// WriteBytes writes multiple bytes
func (b *ByteWriter) WriteBytes(data []byte) {
	b.buf = append(b.buf, data...)
}

// PatchUint16 overwrites a big-endian uint16 at off
func (b *ByteWriter) PatchUint16(off int, v uint16) {
	binary.BigEndian.PutUint16(b.buf[off:], v)
}

// PatchUint32 overwrites a big-endian uint32 at off
func (b *ByteWriter) PatchUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(b.buf[off:], v)
}

// Len returns the number of bytes written
func (b *ByteWriter) Len() int {
	return len(b.buf)
}

// Bytes returns the written bytes
func (b *ByteWriter) Bytes() []byte {
	return b.buf
}
