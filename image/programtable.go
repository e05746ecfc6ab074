// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import "github.com/wickedsystems/uld/arch"

// maxSegments bounds the program table the way the loader this was
// ported from bounded it: a fixed small table sized for a handful of
// well-known segments plus a little headroom for raw/custom ones.
const maxSegments = 16

// programTable is the ordered set of segments an Image copies section
// bytes into.
type programTable struct {
	segments [maxSegments]*Segment
	count    int
}

func (pt *programTable) makeSegment(name string, typ arch.SegType, flags uint32, base uint32, align int) (*Segment, bool) {
	if pt.count >= maxSegments {
		return nil, false
	}
	seg := newSegment(name, typ, flags, base, align)
	pt.segments[pt.count] = seg
	pt.count++
	return seg, true
}

func (pt *programTable) byIndex(i int) *Segment {
	if i < 0 || i >= pt.count {
		return nil
	}
	return pt.segments[i]
}

func (pt *programTable) indexOf(seg *Segment) int {
	for i := 0; i < pt.count; i++ {
		if pt.segments[i] == seg {
			return i
		}
	}
	return -1
}

func (pt *programTable) byName(name string) (*Segment, int) {
	for i := 0; i < pt.count; i++ {
		if pt.segments[i].Name == name {
			return pt.segments[i], i
		}
	}
	return nil, -1
}

// byAttributes returns the first segment accepting the given section
// type/flags combination, matching it against the default type->segment
// mapping this Image was created with.
func (pt *programTable) byAttributes(mapper func(typ uint32, flags uint32) int, shType, shFlags uint32) (*Segment, int) {
	i := mapper(shType, shFlags)
	if i < 0 || i >= pt.count {
		return nil, -1
	}
	return pt.segments[i], i
}
