// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loader drives one ELF object through the phases that bring it
// into an image.Image: Prefetch copies its allocatable sections into the
// right segments, Import classifies its symbol table, Resolve applies
// its relocations, and Export promotes its globally-bound definitions
// into the image's public symbol table. Load runs Prefetch and then
// Collect (Import, Resolve, Export) and stops at the first failure,
// exactly as the loader this was ported from
// did — there is no rollback (see the package-level Non-goals this
// carries forward): a Factory that fails partway through leaves whatever
// it already copied or resolved in place.
//
// Synthetic GOT. This target has no dynamic linker and no real GOT/PLT.
// Relocations that would ordinarily indirect through a GOT entry instead
// resolve against a small per-symbol cell the image allocates up front
// (image.Image.AllocGOTSlot) holding a copy of the symbol's runtime
// address; the relocation's value becomes the address of that cell
// rather than the symbol's address itself. It behaves like a GOT for the
// relocation types that need one, without any of the lazy binding or
// PLT stub machinery a real dynamic GOT implies.
package loader

import (
	"fmt"
	"log/slog"

	"github.com/wickedsystems/uld/arch"
	"github.com/wickedsystems/uld/cache"
	"github.com/wickedsystems/uld/elf32"
	"github.com/wickedsystems/uld/fsiface"
	"github.com/wickedsystems/uld/image"
)

// State is a Factory's position in the Opened -> ... -> Done state
// machine. Failed is terminal for this object only; it says nothing
// about the image's overall validity, since work already committed by
// earlier phases (or earlier objects) is never rolled back.
type State int

const (
	StateOpened State = iota
	StatePrefetched
	StateImported
	StateResolved
	StateExported
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StatePrefetched:
		return "prefetched"
	case StateImported:
		return "imported"
	case StateResolved:
		return "resolved"
	case StateExported:
		return "exported"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "state(?)"
}

type sectionRec struct {
	shdr   elf32.Shdr32
	name   string
	mapped bool
	segIdx int
	base   int // offsetBase within segment pool
	last   int // offsetLast within segment pool
	sym    *image.Symbol
}

type symEntry struct {
	name   string
	undef  bool
	global bool // STB_GLOBAL or STB_WEAK
	sym    *image.Symbol
}

type symtabRec struct {
	shdrIdx   int
	strtab    []byte
	entries   []*symEntry
}

type relSectionRec struct {
	shdrIdx   int
	targetIdx int
	symtabIdx int // index into Factory.symtabs
	rela      bool
}

// Factory carries the transient, per-object state needed to bring one
// ELF object into an Image. It is created fresh for each object and
// discarded once Collect returns (or fails).
type Factory struct {
	img    *image.Image
	target *arch.Target
	log    *slog.Logger
	path   string

	file fsiface.File
	c    *cache.Cache
	r    *elf32.Reader

	state State

	sections []sectionRec
	symtabs  []symtabRec
	relSecs  []relSectionRec
	bindings *bindingIndex

	haveCode, haveData, haveSymtab, haveRel bool
}

// Open opens path through fsys and validates it as an ELF32 relocatable
// object matching img's target. log may be nil, in which case
// slog.Default() is used.
func Open(img *image.Image, fsys fsiface.FileSystem, path string, log *slog.Logger) (*Factory, error) {
	if log == nil {
		log = slog.Default()
	}
	file, err := fsys.Open(path, fsiface.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrAccess, path, err)
	}
	c, err := cache.New(file, img.Target.Layout)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrAccess, err)
	}
	isELF, err := elf32.Sniff(c)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: sniffing %s: %v", ErrAccess, path, err)
	}
	if !isELF {
		file.Close()
		return nil, fmt.Errorf("%w: %s is not an ELF object (archives are not supported)", ErrInvalidTarget, path)
	}
	r, err := elf32.Open(c, img.Target)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	log.Debug("object opened", "path", path, "sections", r.NumSections())
	return &Factory{
		img:      img,
		target:   img.Target,
		log:      log,
		path:     path,
		file:     file,
		c:        c,
		r:        r,
		state:    StateOpened,
		bindings: newBindingIndex(),
	}, nil
}

// Close releases the underlying file. Safe to call multiple times.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// State returns the Factory's current phase.
func (f *Factory) State() State { return f.state }

func (f *Factory) fail(err error) error {
	phase := f.state
	f.state = StateFailed
	f.log.Warn("object load failed", "path", f.path, "phase", phase.String(), "error", err)
	return err
}

// Prefetch scans every section header, routes allocatable sections into
// image segments (copying PROGBITS bytes and reserving zeroed space for
// NOBITS), and records the location of symbol and relocation sections
// for Import/Resolve to consume.
func (f *Factory) Prefetch() error {
	if f.state != StateOpened {
		return fmt.Errorf("%w: Prefetch called in state %s", ErrFault, f.state)
	}
	n := f.r.NumSections()
	f.sections = make([]sectionRec, n)
	for i := 1; i < n; i++ { // index 0 is the reserved null section
		shdr, err := f.r.Shdr(i)
		if err != nil {
			return f.fail(fmt.Errorf("%w: reading section %d: %v", ErrFault, i, err))
		}
		name, err := f.r.SectionName(&shdr)
		if err != nil {
			return f.fail(fmt.Errorf("%w: naming section %d: %v", ErrFault, i, err))
		}
		rec := sectionRec{shdr: shdr, name: name}

		switch shdr.Type {
		case elf32.SHTSymtab:
			if shdr.Size == 0 || shdr.Entsize == 0 {
				f.log.Warn("ignoring empty symbol table", "section", name)
				break
			}
			if shdr.Size%shdr.Entsize != 0 {
				f.log.Warn("symbol table size is not a multiple of entry size", "section", name)
			}
			strSh, err := f.r.Shdr(int(shdr.Link))
			if err != nil {
				return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
			}
			strtab, err := f.r.SectionData(&strSh)
			if err != nil {
				return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
			}
			f.symtabs = append(f.symtabs, symtabRec{shdrIdx: i, strtab: strtab})
			f.haveSymtab = true

		case elf32.SHTRel:
			f.relSecs = append(f.relSecs, relSectionRec{shdrIdx: i, targetIdx: int(shdr.Info), rela: false})
			f.haveRel = true

		case elf32.SHTRela:
			f.relSecs = append(f.relSecs, relSectionRec{shdrIdx: i, targetIdx: int(shdr.Info), rela: true})
			f.haveRel = true

		default:
			if seg := f.img.SegmentByAttributes(shdr.Type, shdr.Flags); seg != nil {
				size := int(shdr.Size)
				off := seg.Pool.Get(size)
				if shdr.Type != elf32.SHTNobits && size > 0 {
					data, err := f.r.SectionData(&shdr)
					if err != nil {
						return f.fail(fmt.Errorf("%w: reading %s: %v", ErrFault, name, err))
					}
					copy(seg.Pool.At(off, size), data)
				}
				segIdx := f.img.IndexOfSegment(seg)
				rec.mapped = true
				rec.segIdx = segIdx
				rec.base = off
				rec.last = off + size
				rec.sym = image.NewSectionSymbol(name, segIdx, off, off+size, shdr.Type, shdr.Flags)
				if shdr.Flags&elf32.SHFExecinstr != 0 {
					f.haveCode = true
				} else {
					f.haveData = true
				}
			}
		}
		f.sections[i] = rec
	}

	// Resolve relocation sections' symbol table index now that symtabs
	// is fully populated.
	for i := range f.relSecs {
		shdr, err := f.r.Shdr(f.relSecs[i].shdrIdx)
		if err != nil {
			return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
		}
		found := -1
		for si, st := range f.symtabs {
			if st.shdrIdx == int(shdr.Link) {
				found = si
				break
			}
		}
		if found < 0 {
			return f.fail(fmt.Errorf("%w: relocation section %d has no matching symbol table", ErrFault, f.relSecs[i].shdrIdx))
		}
		f.relSecs[i].symtabIdx = found
	}

	f.log.Debug("object prefetched", "path", f.path, "code", f.haveCode, "data", f.haveData, "symtabs", len(f.symtabs), "relsecs", len(f.relSecs))
	f.state = StatePrefetched
	return nil
}

// Import classifies every symbol in every symbol table this object
// carries, creating image.Symbol values for the ones that define
// storage and recording local, sized definitions in the binding index.
func (f *Factory) Import() error {
	if f.state != StatePrefetched {
		return fmt.Errorf("%w: Import called in state %s", ErrFault, f.state)
	}
	if !f.haveSymtab {
		f.state = StateImported
		return nil
	}

	for ti := range f.symtabs {
		st := &f.symtabs[ti]
		shdr, err := f.r.Shdr(st.shdrIdx)
		if err != nil {
			return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
		}
		n := f.r.NumSyms(&shdr)
		st.entries = make([]*symEntry, n)
		for j := 0; j < n; j++ {
			sym32, err := f.r.Sym(&shdr, j)
			if err != nil {
				return f.fail(fmt.Errorf("%w: reading symbol %d: %v", ErrFault, j, err))
			}
			entry, err := f.classifySymbol(&sym32, st.strtab, j)
			if err != nil {
				return f.fail(err)
			}
			st.entries[j] = entry
		}
	}

	f.state = StateImported
	return nil
}

func (f *Factory) classifySymbol(sym *elf32.Sym32, strtab []byte, idx int) (*symEntry, error) {
	name, _ := f.r.StringAt(strtab, sym.Name)
	stt, stb := sym.Type(), sym.Binding()

	switch sym.Shndx {
	case elf32.SHNUndef:
		if idx == 0 || stb == elf32.STBLocal || name == "" {
			return &symEntry{name: name, undef: true}, nil
		}
		// A globally-bound reference to a symbol this object doesn't
		// define. Look it up against what's already exported; if nothing
		// defines it yet, materialize a placeholder (ea/ra both zero)
		// carrying the export bit, so a relocation elsewhere in this same
		// object can still resolve against it, and so it shows up in
		// find_symbol once Export runs even though it stays undefined.
		if existing := f.img.FindSymbol(name, image.BindMaskAny); existing != nil {
			return &symEntry{name: name, global: true, undef: true, sym: existing}, nil
		}
		bind := image.BindGlobal
		if stb == elf32.STBWeak {
			bind = image.BindWeak
		}
		placeholder := &image.Symbol{Name: name, Type: image.TypeObject, Bind: bind, Origin: image.OriginStorage}
		placeholder.Flags.SetExport(true)
		f.img.AllocGOTSlot(placeholder)
		return &symEntry{name: name, global: true, sym: placeholder}, nil

	case elf32.SHNAbs:
		return nil, fmt.Errorf("%w: absolute symbol %q is not supported by this loader", ErrNoDef, name)

	case elf32.SHNCommon:
		return nil, fmt.Errorf("%w: common symbol %q is not supported by this loader", ErrNoDef, name)
	}

	shndx := int(sym.Shndx)
	if shndx >= len(f.sections) {
		return nil, fmt.Errorf("%w: symbol %q references section %d out of range", ErrFault, name, shndx)
	}
	secRec := &f.sections[shndx]

	if stt == elf32.STTSection {
		if !secRec.mapped {
			return &symEntry{name: secRec.name, undef: true}, nil
		}
		return &symEntry{name: secRec.name, sym: secRec.sym}, nil
	}

	if !secRec.mapped {
		// A typed symbol in an unmapped section (e.g. debug info) has
		// no runtime home; only a problem if something relocates
		// against it, which classifySymbol can't know yet.
		return &symEntry{name: name, undef: true}, nil
	}

	ea := f.img.SegmentByIndex(secRec.segIdx).Address(secRec.base + int(sym.Value))
	ra := ea
	var typ image.Type
	switch stt {
	case elf32.STTFunc:
		typ = image.TypeFunction
		ra = ea | f.target.VLEBit
	case elf32.STTObject, elf32.STTNotype:
		typ = image.TypeObject
	case elf32.STTFile:
		return &symEntry{name: name, undef: true}, nil
	default:
		return &symEntry{name: name, undef: true}, nil
	}

	var bind image.Bind
	switch stb {
	case elf32.STBLocal:
		bind = image.BindLocal
	case elf32.STBWeak:
		bind = image.BindWeak
	default:
		bind = image.BindGlobal
	}

	newSym := &image.Symbol{
		Name:   name,
		Type:   typ,
		Bind:   bind,
		Origin: image.OriginStorage,
		Size:   sym.Size,
		EA:     ea,
		RA:     ra,
	}
	f.img.AllocGOTSlot(newSym)

	if bind == image.BindLocal && sym.Size > 0 {
		f.bindings.add(Binding{
			Symbol:     newSym,
			SourceIdx:  shndx,
			OffsetBase: int(sym.Value),
			OffsetLast: int(sym.Value) + int(sym.Size),
		})
	}

	return &symEntry{name: name, global: bind != image.BindLocal, sym: newSym}, nil
}

// Resolve applies every relocation in every REL/RELA section this
// object carries. The first relocation that cannot be resolved or
// whose type this loader doesn't implement aborts the whole phase:
// there is no partial-object rollback, so whatever earlier relocations
// already wrote stays written (see the package doc).
func (f *Factory) Resolve() error {
	if f.state != StateImported {
		return fmt.Errorf("%w: Resolve called in state %s", ErrFault, f.state)
	}
	if len(f.relSecs) == 0 {
		f.state = StateResolved
		return nil
	}

	gotSym := f.img.FindSymbol(image.GOTSymbolName, image.BindMaskAny)
	var gotAddr uint32
	if gotSym != nil {
		gotAddr = gotSym.RA
	}

	for _, rs := range f.relSecs {
		shdr, err := f.r.Shdr(rs.shdrIdx)
		if err != nil {
			return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
		}
		count := f.r.NumRels(&shdr)
		if rs.rela {
			count = f.r.NumRelas(&shdr)
		}
		if count == 0 {
			continue // nothing to apply, whatever section it names
		}
		targetRec := &f.sections[rs.targetIdx]
		if !targetRec.mapped {
			return f.fail(fmt.Errorf("%w: relocation section targets unmapped section %q", ErrNoReach, targetRec.name))
		}
		st := &f.symtabs[rs.symtabIdx]

		seg := f.img.SegmentByIndex(targetRec.segIdx)

		for i := 0; i < count; i++ {
			var offset, symIdx, rtype uint32
			var addend int32
			var explicitAddend bool
			if rs.rela {
				rela, err := f.r.Rela(&shdr, i)
				if err != nil {
					return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
				}
				offset, symIdx, rtype, addend, explicitAddend = rela.Offset, rela.Sym(), rela.Type(), rela.Addend, true
			} else {
				rel, err := f.r.Rel(&shdr, i)
				if err != nil {
					return f.fail(fmt.Errorf("%w: %v", ErrFault, err))
				}
				offset, symIdx, rtype = rel.Offset, rel.Sym(), rel.Type()
			}

			if int(offset) < targetRec.last-targetRec.base && int(offset) >= 0 {
				// ok, falls within the target section
			} else {
				return f.fail(fmt.Errorf("%w: relocation offset %#x outside section %q", ErrFault, offset, targetRec.name))
			}

			if int(symIdx) >= len(st.entries) {
				return f.fail(fmt.Errorf("%w: relocation references symbol %d out of range", ErrNoSym, symIdx))
			}
			entry := st.entries[symIdx]
			if entry == nil {
				return f.fail(fmt.Errorf("%w: symbol table entry %d", ErrNoSym, symIdx))
			}

			sym := entry.sym
			if entry.undef {
				sym = f.img.FindSymbol(entry.name, image.BindMaskAny)
				if sym == nil {
					return f.fail(fmt.Errorf("%w: %q", ErrNoDef, entry.name))
				}
			}

			width := relocWidth(rtype)
			dst := seg.Pool.At(targetRec.base+int(offset), width)
			if !explicitAddend {
				addend = extractAddend(rtype, dst)
			}

			s := sym.RA
			if isGOTIndirect(rtype) {
				s = sym.GOTSlot
			}

			p := seg.Address(targetRec.base + int(offset))
			args := relocArgs{S: s, A: uint32(addend), P: p, GOT: gotAddr, Base: f.target.AddressBase}
			if err := relocArith(rtype, dst, args); err != nil {
				return f.fail(fmt.Errorf("%w (symbol %q, section %q, offset %#x)", err, sym.Name, targetRec.name, offset))
			}
		}
	}

	f.state = StateResolved
	return nil
}

func isGOTIndirect(rtype uint32) bool {
	switch rtype {
	case elf32.RARMGOTBREL, elf32.RARMGOTPREL, elf32.RARMGOTABS:
		return true
	}
	return false
}

// extractAddend recovers the implicit addend of a REL-style relocation
// from the bytes it will overwrite, the way the ELF REL format (as
// opposed to RELA) requires.
func extractAddend(rtype uint32, dst []byte) int32 {
	switch rtype {
	case elf32.RARMABS16:
		return int32(armGet16(dst))
	case elf32.RARMABS8:
		return int32(int8(dst[0]))
	case elf32.RARMABS12:
		return armGet12(dst)
	case elf32.RARMPREL31:
		return armGet30(dst)
	case elf32.RARMCALL, elf32.RARMJUMP24, elf32.RARMPC24:
		return armGetBL26(dst)
	case elf32.RARMTHMCALL, elf32.RARMTHMJUMP24:
		return armGetT22(dst)
	case elf32.RARMMOVWABSNC, elf32.RARMMOVWPRELNC, elf32.RARMTHMMOVWABSNC, elf32.RARMTHMMOVWPRELNC:
		return armGetMovw(dst)
	case elf32.RARMMOVTABS, elf32.RARMMOVTPREL, elf32.RARMTHMMOVTABS, elf32.RARMTHMMOVTPREL:
		return armGetMovw(dst) << 16
	default:
		return armGet32(dst)
	}
}

// Export promotes every globally or weakly bound, successfully defined
// symbol in this object into the image's public symbol table. A plain
// global redefinition of an already-global symbol is an error; a global
// definition overrides a weak one, and a weak definition never
// overrides an existing global.
func (f *Factory) Export() error {
	if f.state != StateResolved {
		return fmt.Errorf("%w: Export called in state %s", ErrFault, f.state)
	}
	for _, st := range f.symtabs {
		for _, entry := range st.entries {
			if entry == nil || entry.undef || entry.sym == nil || !entry.global {
				continue
			}
			sym := entry.sym
			existing := f.img.FindSymbol(sym.Name, image.BindMaskGlobal|image.BindMaskWeak)
			if existing != nil {
				if existing.Bind == image.BindGlobal && sym.Bind == image.BindGlobal {
					return f.fail(fmt.Errorf("%w: %q", ErrRedef, sym.Name))
				}
				if existing.Bind == image.BindGlobal && sym.Bind == image.BindWeak {
					continue // existing strong definition wins
				}
			}
			sym.Flags.SetExport(true)
			f.img.DefineExported(sym)
		}
	}
	f.img.NoteObjectLoaded()
	f.state = StateExported
	return nil
}

// Collect runs Import, Resolve and Export in order, stopping at the
// first error.
func (f *Factory) Collect() error {
	if err := f.Import(); err != nil {
		return err
	}
	if err := f.Resolve(); err != nil {
		return err
	}
	if err := f.Export(); err != nil {
		return err
	}
	f.state = StateDone
	return nil
}

// Load opens path through fsys, runs it through Prefetch and Collect,
// and closes the underlying file, regardless of outcome. This is the
// entry point cmd/ulddump and tests use; an image.Image itself never
// mentions the loader package; image.Image.Load does not exist (see
// DESIGN.md — Image and the phase engine that mutates it live in
// separate packages to avoid a cyclic import, since loader already
// needs to depend on image).
func Load(img *image.Image, fsys fsiface.FileSystem, path string, log *slog.Logger) error {
	f, err := Open(img, fsys, path, log)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Prefetch(); err != nil {
		return err
	}
	return f.Collect()
}
