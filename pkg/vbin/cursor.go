package vbin

import (
	"encoding/binary"
	"fmt"
)

// Cursor walks a buffer of sequential, possibly variable-length fields. The
// first out-of-range access sets a sticky error; later calls return zero
// values so a decoder can check Err once at the end.
type Cursor struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
	err   error
}

// NewCursor returns a Cursor over buf starting at pos.
func NewCursor(buf []byte, pos int, order binary.ByteOrder) *Cursor {
	return &Cursor{buf: buf, pos: pos, order: order}
}

// Pos returns the current offset into the buffer.
func (c *Cursor) Pos() int {
	return c.pos
}

// Err returns the first error encountered.
func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.buf) {
		c.err = fmt.Errorf("field at offset %d (%d bytes) past end of %d byte buffer: %w", c.pos, n, len(c.buf), ErrTruncated)
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) {
	c.take(n)
}

// Bytes returns the next n bytes.
func (c *Cursor) Bytes(n int) []byte {
	return c.take(n)
}

// Byte returns the next byte.
func (c *Cursor) Byte() byte {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 returns the next 16-bit integer.
func (c *Cursor) Uint16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return c.order.Uint16(b)
}

// Uint32 returns the next 32-bit integer.
func (c *Cursor) Uint32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return c.order.Uint32(b)
}

// Uint64 returns the next 64-bit integer.
func (c *Cursor) Uint64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return c.order.Uint64(b)
}

// VarUint decodes a length-prefixed big-endian integer of up to eight bytes.
func (c *Cursor) VarUint() uint64 {
	n := int(c.Byte())
	if c.err != nil {
		return 0
	}
	if n > 8 {
		c.err = fmt.Errorf("variable length integer of %d bytes at offset %d", n, c.pos-1)
		return 0
	}
	var v uint64
	for _, b := range c.take(n) {
		v = v<<8 | uint64(b)
	}
	return v
}

// VarString decodes a length-prefixed string.
func (c *Cursor) VarString() string {
	n := int(c.Byte())
	return string(c.take(n))
}

// AppendVarUint appends v in the length-prefixed form read by VarUint, using
// the minimum number of bytes.
func AppendVarUint(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	buf = append(buf, byte(8-i))
	return append(buf, tmp[i:]...)
}

// AppendVarString appends s in the length-prefixed form read by VarString.
func AppendVarString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}
