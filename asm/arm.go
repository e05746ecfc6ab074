// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"golang.org/x/arch/arm/armasm"
)

func disasmARM(text []byte, pc uint32, thumb bool) Seq {
	mode := armasm.ModeARM
	step := 4
	if thumb {
		mode = armasm.ModeThumb
		step = 2
	}

	var out armSeq
	for len(text) > 0 {
		inst, err := armasm.Decode(text, mode)
		n := inst.Len
		if err != nil || n == 0 {
			inst = armasm.Inst{}
			n = step
		}
		out = append(out, armInst{inst, pc})

		if n > len(text) {
			n = len(text)
		}
		text = text[n:]
		pc += uint32(n)
	}
	return out
}

type armSeq []armInst

func (s armSeq) Len() int        { return len(s) }
func (s armSeq) Get(i int) Inst   { return &s[i] }

type armInst struct {
	armasm.Inst
	pc uint32
}

func (i *armInst) GoSyntax(symname func(uint32) (string, uint32)) string {
	if i.Op == 0 {
		return "?"
	}
	var syms func(uint64) (string, uint64)
	if symname != nil {
		syms = func(addr uint64) (string, uint64) {
			name, base := symname(uint32(addr))
			return name, uint64(base)
		}
	}
	return armasm.GoSyntax(i.Inst, uint64(i.pc), syms, nil)
}

func (i *armInst) PC() uint32 { return i.pc }

func (i *armInst) Len() int {
	if i.Inst.Len == 0 {
		return 4
	}
	return i.Inst.Len
}

func (i *armInst) Control() Control {
	var c Control
	c.TargetPC = ^uint32(0)

	switch i.Op {
	case armasm.B:
		c.Type = ControlJump
	case armasm.BL, armasm.BLX:
		c.Type = ControlCall
	case armasm.BX:
		c.Type = ControlRet
	}

	for _, arg := range i.Args {
		if pcrel, ok := arg.(armasm.PCRel); ok {
			c.TargetPC = uint32(int64(i.pc) + int64(pcrel))
		}
	}
	if i.Inst.Cond != armasm.AL && i.Inst.Cond != armasm.Cond(0) {
		c.Conditional = true
	}

	return c
}
