// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cache implements a buffered, seekable, endian-aware reader over
// a single open fsiface.File. It is the loader's only way to touch object
// file bytes: every other component reads through a Cache rather than
// holding its own file handle or slurping a whole file into memory, which
// matters on a host where RAM is the scarcest resource.
package cache

import (
	"errors"
	"io"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/fsiface"
)

const initialReserve = 128

// ErrLocked is returned by Seek when the cache's read window is held open
// by one or more outstanding Acquire calls and the requested offset falls
// before the offset the outermost Acquire pinned.
var ErrLocked = errors.New("cache: seek out of range while locked")

// maxLockCount bounds nested Acquire/Release pairs; it exists only to
// catch a caller that forgot to Release, not because deeper nesting is
// unsafe.
const maxLockCount = 127

// Cache is a buffered window onto one file, decoded in a fixed byte order.
type Cache struct {
	file     fsiface.File
	order    arch.Layout
	fileSize int64

	buf    []byte // buffered bytes, buf[i] == file byte at bufOff+i
	bufOff int64  // file offset of buf[0]
	pos    int64  // current logical read position (a file offset)

	lockCount int
	lockOff   int64 // offset pinned by the outermost Acquire
}

// New returns a Cache reading file, decoding multi-byte values with order.
func New(file fsiface.File, order arch.Layout) (*Cache, error) {
	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	return &Cache{
		file:     file,
		order:    order,
		fileSize: size,
		buf:      make([]byte, 0, initialReserve),
	}, nil
}

// Order returns the byte order this cache decodes multi-byte values with.
func (c *Cache) Order() arch.Layout { return c.order }

// Size returns the total size of the underlying file.
func (c *Cache) Size() int64 { return c.fileSize }

// Tell returns the current logical read position.
func (c *Cache) Tell() int64 { return c.pos }

// Seek repositions the cache to an arbitrary file offset. If the cache is
// currently locked (see Acquire) and off falls before the locked base, it
// fails with ErrLocked: a lock promises the caller that bytes from the
// lock point forward stay valid and contiguous, and rewinding before that
// point would break that promise.
func (c *Cache) Seek(off int64) error {
	if off < 0 || off > c.fileSize {
		return io.ErrUnexpectedEOF
	}
	if c.lockCount > 0 && off < c.lockOff {
		return ErrLocked
	}
	c.pos = off
	return nil
}

// Acquire freezes the cache's buffer base at the current position and
// returns a token identifying this lock. While locked, reads keep
// extending the buffer forward instead of sliding it, so bytes observed
// between Acquire and the matching Release remain addressable by the
// slice Release returns. This is the pattern string reads use: the total
// length isn't known up front, so the reader grows the window one byte at
// a time until it finds the terminator.
func (c *Cache) Acquire() (int64, error) {
	if c.lockCount >= maxLockCount {
		return 0, errors.New("cache: too many nested Acquire calls")
	}
	if c.lockCount == 0 {
		c.lockOff = c.pos
	}
	c.lockCount++
	return c.pos, nil
}

// Release ends one Acquire. It returns the bytes read between mark (the
// offset Acquire returned) and the cache's current position. mark must be
// the value returned by the matching Acquire call.
func (c *Cache) Release(mark int64) ([]byte, error) {
	if c.lockCount == 0 {
		return nil, errors.New("cache: Release without Acquire")
	}
	lo, hi := mark-c.bufOff, c.pos-c.bufOff
	if lo < 0 || hi > int64(len(c.buf)) || lo > hi {
		return nil, errors.New("cache: Release range outside buffered window")
	}
	out := make([]byte, hi-lo)
	copy(out, c.buf[lo:hi])
	c.lockCount--
	if c.lockCount == 0 {
		c.compact()
	}
	return out, nil
}

// compact drops buffered bytes before the current position once nothing
// is locked, keeping the buffer from growing without bound across a long
// sequential scan.
func (c *Cache) compact() {
	keep := c.pos - c.bufOff
	if keep <= 0 || keep >= int64(len(c.buf)) {
		if keep >= int64(len(c.buf)) {
			c.buf = c.buf[:0]
			c.bufOff = c.pos
		}
		return
	}
	n := copy(c.buf, c.buf[keep:])
	c.buf = c.buf[:n]
	c.bufOff = c.pos
}

// ensure makes sure at least n bytes starting at c.pos are buffered,
// growing the buffer and/or refilling from the file as needed. It returns
// the number of bytes actually available (less than n only at EOF).
func (c *Cache) ensure(n int) (int, error) {
	if c.pos < c.bufOff {
		// A Seek moved outside the buffered window (only possible while
		// unlocked); restart the window here.
		c.buf = c.buf[:0]
		c.bufOff = c.pos
	}
	have := int64(len(c.buf)) - (c.pos - c.bufOff)
	if have < 0 {
		c.buf = c.buf[:0]
		c.bufOff = c.pos
		have = 0
	}
	for have < int64(n) {
		want := int64(n) - have
		growTo := len(c.buf) + int(want)
		if cap(c.buf) < growTo {
			nb := make([]byte, len(c.buf), growTo*2)
			copy(nb, c.buf)
			c.buf = nb
		}
		readAt := c.bufOff + int64(len(c.buf))
		if readAt >= c.fileSize {
			break
		}
		chunk := want
		if chunk < 64 {
			chunk = 64 // avoid a storm of tiny reads for byte-at-a-time scans
		}
		if readAt+chunk > c.fileSize {
			chunk = c.fileSize - readAt
		}
		off := len(c.buf)
		c.buf = c.buf[:off+int(chunk)]
		got, err := c.file.ReadAt(c.buf[off:], readAt)
		c.buf = c.buf[:off+got]
		have = int64(len(c.buf)) - (c.pos - c.bufOff)
		if err != nil && err != io.EOF {
			return int(have), err
		}
		if got == 0 {
			break
		}
	}
	if have > int64(n) {
		have = int64(n)
	}
	return int(have), nil
}

// Read implements io.Reader, so a Cache can be decoded directly with
// struc or encoding/binary. Unlike Get, a short read at EOF is reported
// the normal io.Reader way instead of as an error.
func (c *Cache) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.ensure(len(p))
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	lo := c.pos - c.bufOff
	copy(p, c.buf[lo:lo+int64(n)])
	c.pos += int64(n)
	if c.lockCount == 0 {
		c.compact()
	}
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Get reads exactly dst bytes at the current position into dst and
// advances the position. It is an error to read past end of file.
func (c *Cache) Get(dst []byte) error {
	n, err := c.ensure(len(dst))
	if err != nil {
		return err
	}
	if n < len(dst) {
		return io.ErrUnexpectedEOF
	}
	lo := c.pos - c.bufOff
	copy(dst, c.buf[lo:lo+int64(len(dst))])
	c.pos += int64(len(dst))
	if c.lockCount == 0 {
		c.compact()
	}
	return nil
}

// GetByte reads and returns a single byte, advancing the position.
func (c *Cache) GetByte() (byte, error) {
	var b [1]byte
	if err := c.Get(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetN reads and returns a freshly allocated copy of n bytes at the
// current position, advancing the position.
func (c *Cache) GetN(n int) ([]byte, error) {
	out := make([]byte, n)
	if err := c.Get(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cache) Uint8() (uint8, error)   { return c.GetByte() }
func (c *Cache) Int8() (int8, error) {
	b, err := c.GetByte()
	return int8(b), err
}

func (c *Cache) Uint16() (uint16, error) {
	var b [2]byte
	if err := c.Get(b[:]); err != nil {
		return 0, err
	}
	return c.order.Uint16(b[:]), nil
}

func (c *Cache) Int16() (int16, error) {
	v, err := c.Uint16()
	return int16(v), err
}

func (c *Cache) Uint32() (uint32, error) {
	var b [4]byte
	if err := c.Get(b[:]); err != nil {
		return 0, err
	}
	return c.order.Uint32(b[:]), nil
}

func (c *Cache) Int32() (int32, error) {
	v, err := c.Uint32()
	return int32(v), err
}

func (c *Cache) Uint64() (uint64, error) {
	var b [8]byte
	if err := c.Get(b[:]); err != nil {
		return 0, err
	}
	return c.order.Uint64(b[:]), nil
}

func (c *Cache) Int64() (int64, error) {
	v, err := c.Uint64()
	return int64(v), err
}

// Word reads one machine word (as configured by the cache's Layout).
func (c *Cache) Word() (uint64, error) {
	b, err := c.GetN(c.order.WordSize())
	if err != nil {
		return 0, err
	}
	return c.order.Word(b), nil
}

// maxCString bounds runaway reads of a malformed (unterminated) string
// table entry.
const maxCString = 32 * 1024

// CString reads a NUL-terminated string starting at the current
// position, using Acquire/Release so the scan can grow the window one
// byte at a time without losing earlier bytes.
func (c *Cache) CString() (string, error) {
	mark, err := c.Acquire()
	if err != nil {
		return "", err
	}
	for n := 0; n < maxCString; n++ {
		b, err := c.GetByte()
		if err != nil {
			c.Release(mark)
			return "", err
		}
		if b == 0 {
			data, err := c.Release(mark)
			if err != nil {
				return "", err
			}
			return string(data[:len(data)-1]), nil
		}
	}
	c.Release(mark)
	return "", errors.New("cache: string exceeds maximum length")
}
