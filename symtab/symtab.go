// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab formats an image's public symbol table for humans, the
// way an "nm"-style dump of a linked image would: name, type, binding,
// address, size, one line per symbol. Unlike the table this was adapted
// from, there is no address-overlap bookkeeping to do here — by the time
// a symbol reaches image.Image.AllSymbols it has already been placed at
// a specific, non-overlapping address by the loader, so looking one up
// by address is a linear scan rather than an interval search.
package symtab

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wickedsystems/uld/image"
)

// Table is a read-only view over an Image's exported symbols, sorted by
// address for stable, predictable dumps.
type Table struct {
	syms []*image.Symbol
}

// NewTable snapshots img's current exported symbol set.
func NewTable(img *image.Image) *Table {
	syms := img.AllSymbols()
	sorted := make([]*image.Symbol, len(syms))
	copy(sorted, syms)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].RA != sorted[j].RA {
			return sorted[i].RA < sorted[j].RA
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &Table{syms: sorted}
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int { return len(t.syms) }

// Lookup returns the symbol containing addr, or nil if none does. A
// zero-size symbol only matches an exact address.
func (t *Table) Lookup(addr uint32) *image.Symbol {
	for _, s := range t.syms {
		lo := s.RA
		hi := lo + s.Size
		if s.Size == 0 {
			if addr == lo {
				return s
			}
			continue
		}
		if addr >= lo && addr < hi {
			return s
		}
	}
	return nil
}

// ByName returns the symbol with the given name, or nil.
func (t *Table) ByName(name string) *image.Symbol {
	for _, s := range t.syms {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Dump writes one line per symbol in address order: address, size,
// type/binding code and name, in the traditional nm column order.
func (t *Table) Dump() string {
	var b strings.Builder
	for _, s := range t.syms {
		fmt.Fprintf(&b, "%08x %08x %s %s\n", s.RA, s.Size, code(s), s.Name)
	}
	return b.String()
}

// code returns the one-letter nm-style type/binding code for a symbol:
// uppercase for global/weak, lowercase for local.
func code(s *image.Symbol) string {
	var c byte
	switch s.Type {
	case image.TypeFunction:
		c = 't'
	case image.TypeObject:
		c = 'd'
	case image.TypeSection:
		c = 's'
	default:
		c = '?'
	}
	if s.Bind != image.BindLocal {
		c = strings.ToUpper(string(c))[0]
	}
	return string(c)
}
