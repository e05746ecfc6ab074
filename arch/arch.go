// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch describes the CPU architecture and section-placement
// conventions of a loader target.
package arch

import "encoding/binary"

// Class is the ELF address class of a target (EI_CLASS).
type Class uint8

const (
	Bin32 Class = 32
	Bin64 Class = 64
)

// Segment meta-types, mirroring the section meta-type taxonomy a linker
// script would assign: every section an object carries maps to exactly one
// of these before it is copied into image memory.
type SegType int

const (
	SegNull SegType = iota
	SegText         // code
	SegData         // generic, initialized data
	SegRodata       // small, read-only data
	SegBSS          // zero-initialized data
	SegUdata        // small, uninitialized data
	SegGOT          // synthetic GOT (see loader package doc)
	SegRaw          // large, opaque data
	numSegTypes
)

func (t SegType) String() string {
	switch t {
	case SegNull:
		return "null"
	case SegText:
		return "text"
	case SegData:
		return "data"
	case SegRodata:
		return "rodata"
	case SegBSS:
		return "bss"
	case SegUdata:
		return "udata"
	case SegGOT:
		return "got"
	case SegRaw:
		return "raw"
	}
	return "segtype(?)"
}

// NumSegTypes is the number of well-known segment slots a Target's default
// program table reserves before any raw/custom segments are appended.
const NumSegTypes = int(numSegTypes)

// Target is the immutable configuration of a load/relocate session: the
// machine it is for, its endianness and word layout, and the placement
// rules an Image uses to route sections into segments.
type Target struct {
	Machine    uint16 // ELF e_machine (EM_ARM)
	ABIID      uint8  // ELF EI_OSABI
	ABIVersion uint8  // ELF EI_ABIVERSION
	Class      Class

	Layout Layout

	// VLEBit is the low address bit ORed into a STT_FUNC symbol's runtime
	// address to select Thumb instruction decoding (ARM calls this the
	// "interworking" bit; the historical name here is carried over from
	// the target that originated this loader).
	VLEBit uint32

	// AddressBase is the value stored in the first word of the
	// synthetic GOT and used as the base for GOT-relative relocations.
	AddressBase uint32

	CodeAlign    uint8 // log2 alignment for SegText
	DataAlign    uint8 // log2 alignment for SegData/SegBSS/SegRodata/SegGOT
	DefaultAlign uint8 // log2 alignment; not used by package image's default segments
}

// ARMEL is the target configuration for little-endian ARM/Thumb objects
// on the embedded Cortex-M-class host this loader was written for.
var ARMEL = Target{
	Machine:      emARM,
	ABIID:        0,
	ABIVersion:   0,
	Class:        Bin32,
	Layout:       NewLayout(binary.LittleEndian, 4),
	VLEBit:       1,
	AddressBase:  0,
	CodeAlign:    1, // halfword: Thumb code may start unaligned to 4
	DataAlign:    2,
	DefaultAlign: 0,
}

const emARM = 40 // ELF e_machine value for ARM

// IsVLE reports whether addr carries the VLE/Thumb tag bit.
func (t *Target) IsVLE(addr uint32) bool {
	return t.VLEBit != 0 && addr&t.VLEBit != 0
}

// VLEMask returns the bitmask that strips the VLE tag bit from a runtime
// address to recover its effective storage address.
func (t *Target) VLEMask() uint32 {
	return ^t.VLEBit
}

// WordSize returns the machine word size in bytes (4 for Bin32, 8 for Bin64).
func (t *Target) WordSize() int {
	return t.Layout.WordSize()
}
