// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"github.com/wickedsystems/uld/image"
	"github.com/wickedsystems/uld/internal/imap"
)

// Binding records that a local symbol occupies [offsetBase, offsetLast)
// within one section of the object currently being loaded. Compilers
// commonly emit a relocation against a section symbol with an addend
// pointing somewhere inside it, rather than against the actual local
// symbol the reference is really to (this is how references to static
// functions and file-local data are usually encoded). Import records
// every sized local definition here, and find can recover the real
// symbol from a section index and offset. Resolve does not consult the
// index: it computes against the relocation's own symbol (for a
// section-relative reference, the section) and its diagnostics name
// that symbol.
type Binding struct {
	Symbol     *image.Symbol
	SourceIdx  int // ELF section index the symbol is defined in
	OffsetBase int
	OffsetLast int
}

// bindingIndex is a per-source-section interval index of Bindings,
// backed by the AVL interval tree in package imap. One of these exists
// per ELF section that defines at least one sized local symbol.
type bindingIndex struct {
	bySection map[int]*imap.Imap
}

func newBindingIndex() *bindingIndex {
	return &bindingIndex{bySection: make(map[int]*imap.Imap)}
}

func (bi *bindingIndex) add(b Binding) {
	if b.OffsetLast <= b.OffsetBase {
		return
	}
	m, ok := bi.bySection[b.SourceIdx]
	if !ok {
		m = &imap.Imap{}
		bi.bySection[b.SourceIdx] = m
	}
	m.Insert(imap.Interval{Low: uint64(b.OffsetBase), High: uint64(b.OffsetLast)}, b.Symbol)
}

// find returns the symbol bound over offset within section sourceIdx, or
// nil if no binding covers it.
func (bi *bindingIndex) find(sourceIdx int, offset int) *image.Symbol {
	m, ok := bi.bySection[sourceIdx]
	if !ok {
		return nil
	}
	_, v := m.Find(uint64(offset))
	sym, _ := v.(*image.Symbol)
	return sym
}
