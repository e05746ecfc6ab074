// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf32

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/cache"
)

type memFile struct{ data []byte }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, errEOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errEOF
	}
	return n, nil
}
func (m *memFile) Size() (int64, error) { return int64(len(m.data)), nil }
func (m *memFile) Close() error         { return nil }

var errEOF = bytesEOF{}

type bytesEOF struct{}

func (bytesEOF) Error() string { return "EOF" }

// buf is a tiny little-endian byte builder, used so test fixtures don't
// depend on struc's field-packing behavior matching Go struct padding.
type buf struct{ b bytes.Buffer }

func (b *buf) u16(v uint16) *buf { binary.Write(&b.b, binary.LittleEndian, v); return b }
func (b *buf) u32(v uint32) *buf { binary.Write(&b.b, binary.LittleEndian, v); return b }
func (b *buf) i32(v int32) *buf  { binary.Write(&b.b, binary.LittleEndian, v); return b }
func (b *buf) u8(v uint8) *buf   { b.b.WriteByte(v); return b }
func (b *buf) raw(v []byte) *buf { b.b.Write(v); return b }
func (b *buf) bytes() []byte     { return b.b.Bytes() }

// buildObject assembles a minimal well-formed ELF32 ARM relocatable
// object: header, one STRTAB (names), one SHSTRTAB, one PROGBITS .text
// section with no relocations. Enough to exercise Open/Shdr/SectionName/
// SectionData without a real linker.
func buildObject(t *testing.T) []byte {
	t.Helper()

	const ehdrLen = 36 // sizeof(Ehdr32) packed, no e_ident
	const identLen = 16
	const shdrLen = 40

	shstrtab := []byte("\x00.shstrtab\x00.text\x00")
	textData := []byte{0xde, 0xad, 0xbe, 0xef}

	textOff := uint32(identLen + ehdrLen)
	shstrtabOff := textOff + uint32(len(textData))
	shoff := shstrtabOff + uint32(len(shstrtab))

	var b buf
	// e_ident
	b.u8(0x7f).u8('E').u8('L').u8('F').u8(1 /*ELFCLASS32*/).u8(1 /*ELFDATA2LSB*/).u8(1)
	b.raw(make([]byte, identLen-7))

	// Ehdr32 fields in declared order.
	b.u16(ETRel)
	b.u16(EMARM)
	b.u32(1) // version
	b.u32(0) // entry
	b.u32(0) // phoff
	b.u32(shoff)
	b.u32(0)        // flags
	b.u16(identLen + ehdrLen)
	b.u16(0)        // phentsize
	b.u16(0)        // phnum
	b.u16(shdrLen)
	b.u16(3) // shnum: null, .text, .shstrtab
	b.u16(2) // shstrndx

	b.raw(textData)
	b.raw(shstrtab)

	// Section 0: null
	for i := 0; i < shdrLen; i++ {
		b.u8(0)
	}
	// Section 1: .text
	b.u32(11) // name offset into shstrtab (".text" at offset 11)
	b.u32(SHTProgbits)
	b.u32(SHFAlloc | SHFExecinstr)
	b.u32(0) // addr
	b.u32(textOff)
	b.u32(uint32(len(textData)))
	b.u32(0) // link
	b.u32(0) // info
	b.u32(4) // addralign
	b.u32(0) // entsize
	// Section 2: .shstrtab
	b.u32(1) // ".shstrtab" at offset 1
	b.u32(SHTStrtab)
	b.u32(0)
	b.u32(0)
	b.u32(shstrtabOff)
	b.u32(uint32(len(shstrtab)))
	b.u32(0)
	b.u32(0)
	b.u32(1)
	b.u32(0)

	return b.bytes()
}

func openTestObject(t *testing.T) *Reader {
	t.Helper()
	target := arch.ARMEL
	c, err := cache.New(&memFile{data: buildObject(t)}, target.Layout)
	require.NoError(t, err)
	r, err := Open(c, &target)
	require.NoError(t, err)
	return r
}

func TestSniff(t *testing.T) {
	target := arch.ARMEL
	c, err := cache.New(&memFile{data: buildObject(t)}, target.Layout)
	require.NoError(t, err)
	ok, err := Sniff(c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenAndSections(t *testing.T) {
	r := openTestObject(t)
	assert.Equal(t, 3, r.NumSections())

	sh, err := r.Shdr(1)
	require.NoError(t, err)
	name, err := r.SectionName(&sh)
	require.NoError(t, err)
	assert.Equal(t, ".text", name)

	data, err := r.SectionData(&sh)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, data)
}

func TestOpenRejectsWrongMachine(t *testing.T) {
	data := buildObject(t)
	// Corrupt e_machine (bytes 2-3 of the post-ident header, i.e. file
	// offsets 16+2 = 18 and 19).
	data[18] = 0xff
	data[19] = 0xff
	target := arch.ARMEL
	c, err := cache.New(&memFile{data: data}, target.Layout)
	require.NoError(t, err)
	_, err = Open(c, &target)
	assert.Error(t, err)
}
