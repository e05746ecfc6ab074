// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm abstracts disassembling ARM and Thumb machine code. No
// other package in this module imports it; the loader's logging does not
// disassemble patched instructions.
package asm

import (
	"fmt"

	"github.com/wickedsystems/uld/arch"
)

// Disasm disassembles machine code for the given target. pc is the
// simulated runtime address at which text begins. thumb selects Thumb
// (16-bit, interworking) decoding over plain ARM decoding; callers
// normally derive it from arch.Target.IsVLE on the symbol's RA.
func Disasm(target *arch.Target, text []byte, pc uint32, thumb bool) (Seq, error) {
	switch target.Machine {
	case 40: // EM_ARM
		return disasmARM(text, pc, thumb), nil
	}
	return nil, fmt.Errorf("asm: unsupported machine type %d", target.Machine)
}

// Seq is a sequence of instructions.
type Seq interface {
	Len() int
	Get(i int) Inst
}

// Inst is a single machine instruction.
type Inst interface {
	// GoSyntax returns the Go assembler syntax representation of
	// this instruction. symname, if non-nil, must return the name
	// and base of the symbol containing address addr, or "" if
	// symbol lookup fails.
	GoSyntax(symname func(addr uint32) (string, uint32)) string

	// PC returns the address of this instruction.
	PC() uint32

	// Len returns the length of this instruction in bytes.
	Len() int

	// Control returns the control-flow effects of this instruction.
	Control() Control
}

// Control captures control-flow effects of an instruction.
type Control struct {
	Type        ControlType
	Conditional bool
	TargetPC    uint32
}

type ControlType uint8

const (
	ControlNone ControlType = iota
	ControlJump
	ControlCall
	ControlRet

	// ControlJumpUnknown is a jump with an unknown target. This
	// means the control analysis could be incomplete, since this
	// could jump to an instruction in the analyzed function.
	ControlJumpUnknown
)
