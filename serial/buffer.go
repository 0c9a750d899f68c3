// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package serial implements the runtime's wire encoding: a flat,
// type-directed, unversioned encoding of Go values into byte
// buffers. Primitives are written directly; aggregates are written
// field by field; types may take over their own encoding by
// implementing Serializer and Deserializer. Sender and receiver
// must run identical code.
package serial

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshare/mem"
)

// A Buffer holds serialized data. Writes append to the buffer;
// reads consume it from the front. Read errors are sticky: once a
// read fails, subsequent reads return zero values and Err returns
// the first error.
//
// Buffer memory is obtained from package mem; Release returns it.
type Buffer struct {
	data  []byte
	off   int
	err   error
	owned bool
}

// NewBuffer returns a buffer that reads from p. The buffer does not
// take ownership of p.
func NewBuffer(p []byte) *Buffer {
	return &Buffer{data: p}
}

// Bytes returns the unread portion of the buffer. It is valid only
// until the next write or Release.
func (b *Buffer) Bytes() []byte { return b.data[b.off:] }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.off }

// Err returns the first read error encountered, if any.
func (b *Buffer) Err() error { return b.err }

// Reset empties the buffer, keeping its memory.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.off = 0
	b.err = nil
}

// Release empties the buffer and returns its memory to the
// allocator. The buffer may be reused afterwards.
func (b *Buffer) Release() {
	if b.owned {
		mem.Free(b.data)
	}
	b.data = nil
	b.off = 0
	b.err = nil
	b.owned = false
}

func (b *Buffer) grow(n int) []byte {
	l := len(b.data)
	if l+n > cap(b.data) {
		c := 2 * cap(b.data)
		if c < l+n {
			c = l + n
		}
		if c < 64 {
			c = 64
		}
		p := mem.Alloc(c)[:l]
		copy(p, b.data)
		if b.owned {
			mem.Free(b.data)
		}
		b.data, b.owned = p, true
	}
	b.data = b.data[:l+n]
	return b.data[l:]
}

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	copy(b.grow(len(p)), p)
	return len(p), nil
}

// PutUint8 appends v.
func (b *Buffer) PutUint8(v uint8) { b.grow(1)[0] = v }

// PutBool appends v as a single byte.
func (b *Buffer) PutBool(v bool) {
	if v {
		b.PutUint8(1)
	} else {
		b.PutUint8(0)
	}
}

// PutUint32 appends v in fixed-width little-endian form.
func (b *Buffer) PutUint32(v uint32) { binary.LittleEndian.PutUint32(b.grow(4), v) }

// PutUint64 appends v in fixed-width little-endian form.
func (b *Buffer) PutUint64(v uint64) { binary.LittleEndian.PutUint64(b.grow(8), v) }

// PutUvarint appends v as a variable-length integer.
func (b *Buffer) PutUvarint(v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	copy(b.grow(n), scratch[:n])
}

// PutVarint appends v as a zig-zag variable-length integer.
func (b *Buffer) PutVarint(v int64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutVarint(scratch[:], v)
	copy(b.grow(n), scratch[:n])
}

// PutFloat64 appends v in IEEE 754 form.
func (b *Buffer) PutFloat64(v float64) { b.PutUint64(math.Float64bits(v)) }

// PutFloat32 appends v in IEEE 754 form.
func (b *Buffer) PutFloat32(v float32) { b.PutUint32(math.Float32bits(v)) }

// PutBytes appends p, prefixed by its length.
func (b *Buffer) PutBytes(p []byte) {
	b.PutUvarint(uint64(len(p)))
	copy(b.grow(len(p)), p)
}

// PutString appends s, prefixed by its length.
func (b *Buffer) PutString(s string) {
	b.PutUvarint(uint64(len(s)))
	copy(b.grow(len(s)), s)
}

func (b *Buffer) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Buffer) next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || b.Len() < n {
		b.fail(errors.E(errors.Integrity, fmt.Sprintf("serial: short buffer: need %d bytes, have %d", n, b.Len())))
		return nil
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p
}

// Uint8 reads a byte.
func (b *Buffer) Uint8() uint8 {
	p := b.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bool reads a boolean.
func (b *Buffer) Bool() bool {
	switch v := b.Uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		b.fail(errors.E(errors.Integrity, fmt.Sprintf("serial: invalid boolean %d", v)))
		return false
	}
}

// Uint32 reads a fixed-width integer.
func (b *Buffer) Uint32() uint32 {
	p := b.next(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// Uint64 reads a fixed-width integer.
func (b *Buffer) Uint64() uint64 {
	p := b.next(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// Uvarint reads a variable-length integer.
func (b *Buffer) Uvarint() uint64 {
	if b.err != nil {
		return 0
	}
	v, n := binary.Uvarint(b.data[b.off:])
	if n <= 0 {
		b.fail(errors.E(errors.Integrity, "serial: invalid uvarint"))
		return 0
	}
	b.off += n
	return v
}

// Varint reads a zig-zag variable-length integer.
func (b *Buffer) Varint() int64 {
	if b.err != nil {
		return 0
	}
	v, n := binary.Varint(b.data[b.off:])
	if n <= 0 {
		b.fail(errors.E(errors.Integrity, "serial: invalid varint"))
		return 0
	}
	b.off += n
	return v
}

// Float64 reads an IEEE 754 double.
func (b *Buffer) Float64() float64 { return math.Float64frombits(b.Uint64()) }

// Float32 reads an IEEE 754 single.
func (b *Buffer) Float32() float32 { return math.Float32frombits(b.Uint32()) }

// length reads the length prefix of a sequence whose elements each
// take at least size bytes, checking it against the bytes remaining
// in the buffer. Sequences of elements that may encode to nothing
// are not checked.
func (b *Buffer) length(size int) int {
	n := b.Uvarint()
	if b.err == nil && size > 0 && n > uint64(b.Len()/size) {
		b.fail(errors.E(errors.Integrity, fmt.Sprintf("serial: length %d exceeds remaining %d bytes", n, b.Len())))
		return 0
	}
	return int(n)
}

// ReadBytes reads a length-prefixed byte slice. The returned slice
// is a copy.
func (b *Buffer) ReadBytes() []byte {
	n := b.length(1)
	p := b.next(n)
	if p == nil {
		return nil
	}
	q := make([]byte, n)
	copy(q, p)
	return q
}

// ReadString reads a length-prefixed string.
func (b *Buffer) ReadString() string {
	n := b.length(1)
	p := b.next(n)
	if p == nil {
		return ""
	}
	return string(p)
}
