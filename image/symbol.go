// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

// Type is a symbol's kind, mirroring ELF STT_* values directly so the
// loader's symbol-classification logic can pass them straight through.
type Type uint8

const (
	TypeUndef Type = iota
	TypeObject
	TypeFunction
	TypeSection
	TypeFile
	TypeCommon
	TypeTLS
)

func (t Type) String() string {
	switch t {
	case TypeUndef:
		return "undef"
	case TypeObject:
		return "object"
	case TypeFunction:
		return "function"
	case TypeSection:
		return "section"
	case TypeFile:
		return "file"
	case TypeCommon:
		return "common"
	case TypeTLS:
		return "tls"
	}
	return "type(?)"
}

// Bind is a symbol's linkage binding, mirroring ELF STB_*.
type Bind uint8

const (
	BindLocal Bind = iota
	BindGlobal
	BindWeak
)

// BindMask selects a set of Bind values for FindSymbol.
type BindMask uint8

const (
	BindMaskLocal  BindMask = 1 << BindLocal
	BindMaskGlobal BindMask = 1 << BindGlobal
	BindMaskWeak   BindMask = 1 << BindWeak
	BindMaskAny    BindMask = BindMaskLocal | BindMaskGlobal | BindMaskWeak
)

func (m BindMask) allows(b Bind) bool {
	return m&(1<<b) != 0
}

// Origin says where a symbol's value comes from.
type Origin uint8

const (
	OriginStorage  Origin = iota // symbol lives in a segment, at EA
	OriginAbsolute               // symbol's Value *is* its runtime value
	OriginCommon                 // tentative common definition, not yet allocated
)

// Flags is a small bitset of loader-internal symbol flags. It is
// embedded in Symbol so Symbol inherits its accessor methods, the same
// pattern the bitset-on-struct fields elsewhere in this codebase follow.
type Flags struct {
	f symFlags
}

type symFlags uint8

const (
	flagExport symFlags = 1 << iota
	flagDefine
	flagSizeSynthesized
)

// Export indicates this symbol should be promoted into the image's
// public symbol table once its defining object finishes Resolve.
func (f Flags) Export() bool { return f.f&flagExport != 0 }
func (f *Flags) SetExport(v bool) {
	if v {
		f.f |= flagExport
	} else {
		f.f &^= flagExport
	}
}

// Define marks a symbol as having a tentative (common) definition
// pending allocation.
func (f Flags) Define() bool { return f.f&flagDefine != 0 }
func (f *Flags) SetDefine(v bool) {
	if v {
		f.f |= flagDefine
	} else {
		f.f &^= flagDefine
	}
}

func (f Flags) SizeSynthesized() bool { return f.f&flagSizeSynthesized != 0 }
func (f *Flags) SetSizeSynthesized(v bool) {
	if v {
		f.f |= flagSizeSynthesized
	} else {
		f.f &^= flagSizeSynthesized
	}
}

// Symbol is the format-independent representation of a named entity in
// the image: an ordinary data/code symbol, or (when section != nil) the
// record for a loaded section. Rather than a section type that embeds or
// extends a symbol type (the original loader's section_t : symbol_t
// layout, chosen there so a pointer to a section could be handed to code
// expecting a symbol pointer), this flattens the two into one tagged
// struct: a Symbol with Type == TypeSection carries a non-nil section
// field and nothing reaches into it through an unsafe cast.
type Symbol struct {
	Name   string
	Type   Type
	Bind   Bind
	Origin Origin
	Flags  Flags
	Size   uint32

	// EA is the effective address: where the symbol's bytes actually
	// live, as an offset into AddressBase-relative image memory.
	EA uint32
	// RA is the runtime address other code should use to refer to this
	// symbol. For everything except Thumb functions RA == EA; Thumb
	// STT_FUNC symbols carry the target's VLE tag bit in RA so a caller
	// loading RA into a register gets a valid interworking branch
	// target directly.
	RA uint32

	// GOTSlot is the simulated address of the 4-byte cell holding a copy
	// of RA, allocated by Image.AllocGOTSlot. GOT-relative relocations
	// resolve to this address rather than to RA itself: there is no real
	// GOT on this target, so &GOTSlot stands in for "the symbol's GOT
	// entry" the way a real dynamic linker would allocate one (see
	// package loader's doc comment).
	GOTSlot uint32

	section *sectionSupport // non-nil only when Type == TypeSection
}

// sectionSupport holds the extra bookkeeping a loaded ELF section needs,
// split out of Symbol so an ordinary data/function symbol doesn't carry
// the weight of fields it never uses.
type sectionSupport struct {
	segment    int // index into the Image's program table
	offsetBase int // offset of this section's bytes within the segment's pool
	offsetLast int
	shdrType   uint32 // original SHT_* value, kept for diagnostics
	shdrFlags  uint32 // original SHF_* value, kept for diagnostics
}

// NewSectionSymbol builds the Symbol representing a loaded ELF section:
// its Type is always TypeSection, and it carries the segment/offset
// bookkeeping package loader's Prefetch phase needs to later resolve
// relocations whose r_offset falls inside this section.
func NewSectionSymbol(name string, segIdx, offsetBase, offsetLast int, shdrType, shdrFlags uint32) *Symbol {
	return &Symbol{
		Name: name,
		Type: TypeSection,
		Bind: BindLocal,
		section: &sectionSupport{
			segment:    segIdx,
			offsetBase: offsetBase,
			offsetLast: offsetLast,
			shdrType:   shdrType,
			shdrFlags:  shdrFlags,
		},
	}
}

// IsSection reports whether sym represents a loaded section rather than
// an ordinary symbol.
func (s *Symbol) IsSection() bool { return s.Type == TypeSection && s.section != nil }

// Segment returns the program table index this section's bytes live in.
// It panics if sym is not a section — reading segment placement off a
// plain data symbol is a caller bug, not a recoverable condition.
func (s *Symbol) Segment() int {
	if !s.IsSection() {
		panic("image: Segment called on a non-section symbol")
	}
	return s.section.segment
}

// Bounds returns the [offsetBase, offsetLast) range this section owns
// within its segment's byte pool.
func (s *Symbol) Bounds() (base, last int) {
	if !s.IsSection() {
		panic("image: Bounds called on a non-section symbol")
	}
	return s.section.offsetBase, s.section.offsetLast
}
