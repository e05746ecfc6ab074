// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image implements the in-memory executable image a Factory
// (package loader) loads ELF objects into: a program table of typed
// segments, a string pool, and a public symbol table. Image itself never
// parses ELF or applies relocations — it only owns storage and the
// small bits of bookkeeping (segment routing, symbol interning/lookup)
// those operations need a home for.
package image

import (
	"fmt"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/elf32"
)

const (
	segText = iota
	segData
	segRodata
	segBSS
	segGOT
	numDefaultSegments
)

// GOTSymbolName is the synthetic symbol this loader pre-defines so
// relocations of the GOT-relative flavor have something to resolve
// against, even though there is no real GOT or dynamic linker involved
// (see package loader's doc comment on the synthetic GOT).
const GOTSymbolName = "_GLOBAL_OFFSET_TABLE_"

// Image is an in-progress or finished executable image.
type Image struct {
	Target *arch.Target

	strings *StringPool
	symbols map[string]*Symbol // exported (non-local) symbols, by name
	all     []*Symbol          // every symbol ever exported, in export order

	program programTable
	nextBase uint32

	symSlots     *BytePool
	symSlotBase  uint32

	// objectsLoaded counts successfully completed Load calls, purely
	// for diagnostics.
	objectsLoaded int
}

// New creates an empty Image for target, with the default segment set
// (text, data, rodata, bss) plus a small synthetic GOT segment, and
// defines _GLOBAL_OFFSET_TABLE_ as a weak object over it.
func New(target *arch.Target) *Image {
	img := &Image{
		Target:  target,
		strings: NewStringPool(),
		symbols: make(map[string]*Symbol),
	}

	base := target.AddressBase
	img.program.makeSegment(".text", arch.SegText, elf32.SHFAlloc|elf32.SHFExecinstr, base, 1<<target.CodeAlign)
	base += segmentReserve
	img.program.makeSegment(".data", arch.SegData, elf32.SHFAlloc|elf32.SHFWrite, base, 1<<target.DataAlign)
	base += segmentReserve
	img.program.makeSegment(".rodata", arch.SegRodata, elf32.SHFAlloc, base, 1<<target.DataAlign)
	base += segmentReserve
	img.program.makeSegment(".bss", arch.SegBSS, elf32.SHFAlloc|elf32.SHFWrite, base, 1<<target.DataAlign)
	base += segmentReserve
	gotSeg, _ := img.program.makeSegment(".got", arch.SegGOT, elf32.SHFAlloc|elf32.SHFWrite, base, 1<<target.DataAlign)

	wordSize := target.WordSize()
	gotOff := gotSeg.Pool.Get(2 * wordSize)
	gotBytes := gotSeg.Pool.At(gotOff, 2*wordSize)
	target.Layout.Order().PutUint32(gotBytes[:4], target.AddressBase)

	sym := &Symbol{
		Name: GOTSymbolName,
		Type: TypeObject,
		Bind: BindWeak,
		Size: uint32(2 * wordSize),
		EA:   gotSeg.Address(gotOff),
		RA:   gotSeg.Address(gotOff),
	}
	img.defineExported(sym)

	img.symSlots = NewBytePool(4)
	img.symSlotBase = base + segmentReserve
	img.nextBase = img.symSlotBase + segmentReserve
	img.AllocGOTSlot(sym)

	return img
}

// AllocGOTSlot reserves a 4-byte cell holding a copy of sym.RA and
// returns its simulated address, recording it as sym.GOTSlot. Every
// storage-backed symbol the loader creates gets one of these, because
// GOT-relative relocations resolve to "the address of this symbol's GOT
// entry" rather than to the symbol's own address (see package loader).
func (img *Image) AllocGOTSlot(sym *Symbol) uint32 {
	off := img.symSlots.Get(4)
	img.Target.Layout.Order().PutUint32(img.symSlots.At(off, 4), sym.RA)
	addr := img.symSlotBase + uint32(off)
	sym.GOTSlot = addr
	return addr
}

// MakeSegment appends a custom segment (used for "raw" opaque sections
// that don't fit the default text/data/rodata/bss routing) and returns
// it, or returns ok=false if the program table is full.
func (img *Image) MakeSegment(name string, typ arch.SegType, flags uint32, align int) (*Segment, bool) {
	seg, ok := img.program.makeSegment(name, typ, flags, img.nextBase, align)
	if !ok {
		return nil, false
	}
	img.nextBase += segmentReserve
	return seg, true
}

func (img *Image) defineExported(sym *Symbol) {
	img.all = append(img.all, sym)
	img.symbols[sym.Name] = sym
}

// FindSymbol looks up an exported symbol by name, restricted to the
// bindings selected by mask. The result may be an undefined placeholder
// (EA and RA zero) exported for a reference nothing has defined yet.
func (img *Image) FindSymbol(name string, mask BindMask) *Symbol {
	sym, ok := img.symbols[name]
	if !ok || !mask.allows(sym.Bind) {
		return nil
	}
	return sym
}

// MakeSymbol creates (or, if one already exists, returns) a named,
// exported symbol with no backing storage — used for host-provided
// entry points the loader's consumer wants addressable by name before
// any object defines them.
func (img *Image) MakeSymbol(name string, typ Type, bind Bind) *Symbol {
	if sym, ok := img.symbols[name]; ok {
		return sym
	}
	sym := &Symbol{Name: name, Type: typ, Bind: bind, Origin: OriginAbsolute}
	img.defineExported(sym)
	return sym
}

// SegmentByName returns the segment with the given name, or nil.
func (img *Image) SegmentByName(name string) *Segment {
	seg, _ := img.program.byName(name)
	return seg
}

// SegmentByIndex returns the i'th segment in the program table, or nil.
func (img *Image) SegmentByIndex(i int) *Segment {
	return img.program.byIndex(i)
}

// IndexOfSegment returns seg's index within the program table, or -1 if
// seg does not belong to this image.
func (img *Image) IndexOfSegment(seg *Segment) int {
	return img.program.indexOf(seg)
}

// SegmentCount returns the number of segments in the program table.
func (img *Image) SegmentCount() int {
	return img.program.count
}

// SegmentByAttributes routes an ELF section's type/flags to the segment
// it belongs in, using the default mapping: unallocated sections (debug
// info, symbol/string/relocation tables) have no home and return nil;
// SHT_NOBITS goes to .bss; allocated PROGBITS goes to .text, .data or
// .rodata depending on the executable/writable flags.
func (img *Image) SegmentByAttributes(shType, shFlags uint32) *Segment {
	idx := defaultSegmentMapping(shType, shFlags)
	if idx < 0 {
		return nil
	}
	return img.program.byIndex(idx)
}

func defaultSegmentMapping(shType, shFlags uint32) int {
	if shFlags&elf32.SHFAlloc == 0 {
		return -1
	}
	if shType == elf32.SHTNobits {
		return segBSS
	}
	if shFlags&elf32.SHFExecinstr != 0 {
		return segText
	}
	if shFlags&elf32.SHFWrite != 0 {
		return segData
	}
	return segRodata
}

// InternString copies s into the image's string pool and returns it
// unchanged; the pool is still populated (exercising the arena
// allocator) even though, unlike the C original, a Go Symbol just keeps
// its own string. Keeping both means a debugger walking the raw image
// memory dump can recover symbol names the same way the host firmware
// would, without requiring every consumer to go through Go's string
// table.
func (img *Image) InternString(s string) string {
	off := img.strings.Intern(s)
	n := len(s)
	return img.strings.At(off, n)
}

// AllSymbols returns every exported symbol. Used by the symtab package
// and cmd/ulddump to print the public symbol table.
func (img *Image) AllSymbols() []*Symbol {
	out := make([]*Symbol, 0, len(img.all))
	out = append(out, img.all...)
	return out
}

func (img *Image) String() string {
	return fmt.Sprintf("image(target=ARM, segments=%d, symbols=%d, objects=%d)",
		img.program.count, len(img.all), img.objectsLoaded)
}

// noteObjectLoaded is called by the loader package once an object
// completes Export successfully.
func (img *Image) noteObjectLoaded() { img.objectsLoaded++ }

// NoteObjectLoaded is the exported hook loader.Factory uses; it exists
// (rather than letting Factory poke objectsLoaded directly) so Image's
// internal counters stay private to this package.
func (img *Image) NoteObjectLoaded() { img.noteObjectLoaded() }

// DefineExported is the exported hook loader.Factory's Export phase uses
// to promote a resolved, globally-bound symbol into the image's public
// table.
func (img *Image) DefineExported(sym *Symbol) { img.defineExported(sym) }
