// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import "github.com/wickedsystems/uld/arch"

// segmentReserve is the span of the simulated runtime address space
// reserved per segment. This loader runs host-side (it is not itself
// running on the embedded target), so unlike the device it was modeled
// on it has no real physical RAM addresses to hand out; it synthesizes
// stable, non-overlapping bases instead, which is all relocation
// arithmetic needs to produce byte-identical results to the original.
const segmentReserve = 1 << 20

// Segment is a named, typed byte arena that sections of a given
// (type,flags) combination are copied into.
type Segment struct {
	Name  string
	Type  arch.SegType
	Flags uint32 // SHF_*-shaped attribute bits this segment accepts
	Base  uint32 // simulated runtime address of offset 0 in Pool

	Pool *BytePool
}

func newSegment(name string, typ arch.SegType, flags uint32, base uint32, align int) *Segment {
	return &Segment{Name: name, Type: typ, Flags: flags, Base: base, Pool: NewBytePool(align)}
}

// Address returns the simulated runtime address of a byte offset within
// this segment's pool.
func (s *Segment) Address(offset int) uint32 {
	return s.Base + uint32(offset)
}
