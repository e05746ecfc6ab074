// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elf32 decodes ELF32 relocatable object files through a
// cache.Cache. It never reads a file whole: every accessor seeks to the
// record it needs and decodes just that record, so the working set stays
// bounded regardless of object size.
package elf32

import (
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/cache"
)

// Reader decodes an ELF32 relocatable object's structural tables
// (section headers, symbols, relocations, strings) on demand.
type Reader struct {
	c     *cache.Cache
	Ehdr  Ehdr32
	order binary.ByteOrder

	shstrtab []byte // cached section header string table, loaded once
}

// Sniff reports whether the first 4 bytes identify an ELF file, without
// otherwise touching the cache's position.
func Sniff(c *cache.Cache) (bool, error) {
	mark, err := c.Acquire()
	if err != nil {
		return false, err
	}
	defer c.Release(mark)
	defer c.Seek(mark)
	if c.Size() < identSize {
		return false, nil
	}
	ident, err := c.GetN(identSize)
	if err != nil {
		return false, err
	}
	return ident[identMag0] == magic0 && ident[identMag1] == magic1 &&
		ident[identMag2] == magic2 && ident[identMag3] == magic3, nil
}

// Open reads and validates the ELF header, checking that the file is a
// 32-bit relocatable object for the given target's machine type and byte
// order. The returned Reader shares the caller's cache; Open does not
// take ownership of it.
func Open(c *cache.Cache, t *arch.Target) (*Reader, error) {
	if err := c.Seek(0); err != nil {
		return nil, err
	}
	ident, err := c.GetN(identSize)
	if err != nil {
		return nil, fmt.Errorf("elf32: reading identification: %w", err)
	}
	if ident[identMag0] != magic0 || ident[identMag1] != magic1 ||
		ident[identMag2] != magic2 || ident[identMag3] != magic3 {
		return nil, fmt.Errorf("elf32: bad magic")
	}
	if ident[identClass] != Class32 {
		return nil, fmt.Errorf("elf32: not a 32-bit object (class=%d)", ident[identClass])
	}
	wantLSB := t.Layout.Order() == binary.LittleEndian
	gotLSB := ident[identData] == Data2LSB
	if wantLSB != gotLSB {
		return nil, fmt.Errorf("elf32: byte order mismatch with target")
	}

	order := t.Layout.Order()
	var eh Ehdr32
	if err := struc.UnpackWithOptions(c, &eh, &struc.Options{Order: order}); err != nil {
		return nil, fmt.Errorf("elf32: reading header: %w", err)
	}
	if eh.Type != ETRel {
		return nil, fmt.Errorf("elf32: not a relocatable object (e_type=%d)", eh.Type)
	}
	if uint16(t.Machine) != eh.Machine {
		return nil, fmt.Errorf("elf32: machine mismatch: object is %d, target is %d", eh.Machine, t.Machine)
	}
	if eh.Shentsize != 0 && eh.Shentsize != 40 {
		return nil, fmt.Errorf("elf32: unexpected section header size %d", eh.Shentsize)
	}

	return &Reader{c: c, Ehdr: eh, order: order}, nil
}

// NumSections returns the number of section headers.
func (r *Reader) NumSections() int { return int(r.Ehdr.Shnum) }

// Shdr reads and returns the i'th section header.
func (r *Reader) Shdr(i int) (Shdr32, error) {
	if i < 0 || i >= int(r.Ehdr.Shnum) {
		panic(fmt.Sprintf("elf32: section index %d out of range [0,%d)", i, r.Ehdr.Shnum))
	}
	off := int64(r.Ehdr.Shoff) + int64(i)*int64(r.Ehdr.Shentsize)
	if err := r.c.Seek(off); err != nil {
		return Shdr32{}, err
	}
	var sh Shdr32
	if err := struc.UnpackWithOptions(r.c, &sh, &struc.Options{Order: r.order}); err != nil {
		return Shdr32{}, fmt.Errorf("elf32: reading section header %d: %w", i, err)
	}
	return sh, nil
}

// SectionName resolves a section header's sh_name against the section
// header string table, loading and caching that table on first use.
func (r *Reader) SectionName(sh *Shdr32) (string, error) {
	if r.shstrtab == nil {
		if int(r.Ehdr.Shstrndx) >= int(r.Ehdr.Shnum) {
			return "", fmt.Errorf("elf32: invalid shstrndx %d", r.Ehdr.Shstrndx)
		}
		strSh, err := r.Shdr(int(r.Ehdr.Shstrndx))
		if err != nil {
			return "", err
		}
		data, err := r.SectionData(&strSh)
		if err != nil {
			return "", err
		}
		if data == nil {
			data = []byte{0}
		}
		r.shstrtab = data
	}
	return cString(r.shstrtab, sh.Name)
}

// StringAt resolves a string table offset against an arbitrary STRTAB
// section (used for the symbol string table, which is usually distinct
// from the section header string table).
func (r *Reader) StringAt(strtab []byte, offset uint32) (string, error) {
	return cString(strtab, offset)
}

func cString(tab []byte, offset uint32) (string, error) {
	if int(offset) >= len(tab) {
		return "", fmt.Errorf("elf32: string offset %d out of range (table size %d)", offset, len(tab))
	}
	end := int(offset)
	for end < len(tab) && tab[end] != 0 {
		end++
	}
	return string(tab[offset:end]), nil
}

// SectionData reads the raw bytes of a section. SHT_NOBITS sections have
// no file backing and return nil.
func (r *Reader) SectionData(sh *Shdr32) ([]byte, error) {
	if sh.Type == SHTNobits || sh.Size == 0 {
		return nil, nil
	}
	if err := r.c.Seek(int64(sh.Offset)); err != nil {
		return nil, err
	}
	data, err := r.c.GetN(int(sh.Size))
	if err != nil {
		return nil, fmt.Errorf("elf32: reading section data: %w", err)
	}
	return data, nil
}

// NumSyms returns how many Sym32 entries a SHT_SYMTAB section holds.
// Per spec, a symbol table is only meaningful when both sh_size and
// sh_entsize are nonzero; a nonzero remainder is tolerated (logged by the
// caller), matching the original loader's leniency.
func (r *Reader) NumSyms(sh *Shdr32) int {
	if sh.Size == 0 || sh.Entsize == 0 {
		return 0
	}
	return int(sh.Size / sh.Entsize)
}

// Sym reads the i'th Sym32 entry of a SHT_SYMTAB/SHT_DYNSYM section.
func (r *Reader) Sym(sh *Shdr32, i int) (Sym32, error) {
	off := int64(sh.Offset) + int64(i)*int64(sh.Entsize)
	if err := r.c.Seek(off); err != nil {
		return Sym32{}, err
	}
	var sym Sym32
	if err := struc.UnpackWithOptions(r.c, &sym, &struc.Options{Order: r.order}); err != nil {
		return Sym32{}, fmt.Errorf("elf32: reading symbol %d: %w", i, err)
	}
	return sym, nil
}

// NumRels returns how many Rel32 entries a SHT_REL section holds.
func (r *Reader) NumRels(sh *Shdr32) int {
	const relSize = 8
	if sh.Entsize != 0 {
		return int(sh.Size / sh.Entsize)
	}
	return int(sh.Size / relSize)
}

// Rel reads the i'th Rel32 entry of a SHT_REL section.
func (r *Reader) Rel(sh *Shdr32, i int) (Rel32, error) {
	const relSize = 8
	off := int64(sh.Offset) + int64(i)*relSize
	if err := r.c.Seek(off); err != nil {
		return Rel32{}, err
	}
	var rel Rel32
	if err := struc.UnpackWithOptions(r.c, &rel, &struc.Options{Order: r.order}); err != nil {
		return Rel32{}, fmt.Errorf("elf32: reading rel %d: %w", i, err)
	}
	return rel, nil
}

// NumRelas returns how many Rela32 entries a SHT_RELA section holds.
func (r *Reader) NumRelas(sh *Shdr32) int {
	const relaSize = 12
	if sh.Entsize != 0 {
		return int(sh.Size / sh.Entsize)
	}
	return int(sh.Size / relaSize)
}

// Rela reads the i'th Rela32 entry of a SHT_RELA section.
func (r *Reader) Rela(sh *Shdr32, i int) (Rela32, error) {
	const relaSize = 12
	off := int64(sh.Offset) + int64(i)*relaSize
	if err := r.c.Seek(off); err != nil {
		return Rela32{}, err
	}
	var rela Rela32
	if err := struc.UnpackWithOptions(r.c, &rela, &struc.Options{Order: r.order}); err != nil {
		return Rela32{}, fmt.Errorf("elf32: reading rela %d: %w", i, err)
	}
	return rela, nil
}
