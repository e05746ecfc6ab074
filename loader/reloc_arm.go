// Copyright 2024 wicked systems. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/wickedsystems/uld/elf32"
)

// signExtend sign-extends the low n bits of v to a full int32.
func signExtend(v int32, n uint) int32 {
	shift := 32 - n
	return (v << shift) >> shift
}

// armGet32/armSet32 read/write a plain little-endian 32-bit word — used
// for ABS32/REL32/SBREL32/GOT*, all of which simply overwrite the whole
// instruction or data word.
func armGet32(b []byte) int32 { return int32(binary.LittleEndian.Uint32(b)) }
func armSet32(b []byte, v int32) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}

func armGet16(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }
func armSet16(b []byte, v int16) {
	binary.LittleEndian.PutUint16(b, uint16(v))
}

// arm12 reads/writes the low 12 bits of a 32-bit instruction word,
// preserving the rest — the immediate-offset field of LDR/STR-class
// instructions.
func armGet12(b []byte) int32 {
	return armGet32(b) & 0x0fff
}
func armSet12(b []byte, v int32) {
	w := armGet32(b)
	w = (w &^ 0x0fff) | (v & 0x0fff)
	armSet32(b, w)
}

// arm30 reads/writes a sign-extended 30-bit word offset packed into the
// low 30 bits of a little-endian 32-bit word (bits 31/30 preserved) —
// used for PREL31-shaped fields.
func armGet30(b []byte) int32 {
	raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3]&0x3f)<<24
	return signExtend(int32(raw), 30)
}
func armSet30(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = (b[3] & 0xc0) | byte((v>>24)&0x3f)
}

// armGetBL26/armSetBL26 decode/encode the classic ARM (non-Thumb) BL/B
// 24-bit word-count immediate, expressed here as the byte displacement
// it represents (these functions do the multiply/divide by 4 themselves,
// matching bits/arm.h's b_arm_getbl26/setbl26).
func armGetBL26(b []byte) int32 {
	w := uint32(binary.LittleEndian.Uint32(b))
	imm24 := w & 0x00ffffff
	return signExtend(int32(imm24<<2), 26)
}
func armSetBL26(b []byte, v int32) {
	w := uint32(binary.LittleEndian.Uint32(b))
	w = (w &^ 0x00ffffff) | (uint32(v>>2) & 0x00ffffff)
	binary.LittleEndian.PutUint32(b, w)
}

// armGetT22/armSetT22 decode/encode the Thumb BL/BLX 22-bit split
// immediate spread across two 16-bit halfwords, exactly as
// bits/arm.h's b_armt_getbl22/setbl22 do.
func armGetT22(b []byte) int32 {
	r0 := binary.LittleEndian.Uint16(b[0:2])
	r1 := binary.LittleEndian.Uint16(b[2:4])
	raw := (uint32(r1&0x07ff) << 1) | (uint32(r0&0x07ff) << 12)
	return signExtend(int32(raw), 23)
}
func armSetT22(b []byte, v int32) {
	r0 := binary.LittleEndian.Uint16(b[0:2])
	r1 := binary.LittleEndian.Uint16(b[2:4])
	r1 = (r1 &^ 0x07ff) | uint16((uint32(v)&0x00000fff)>>1)
	r0 = (r0 &^ 0x07ff) | uint16((uint32(v)&0x007ff000)>>12)
	binary.LittleEndian.PutUint16(b[0:2], r0)
	binary.LittleEndian.PutUint16(b[2:4], r1)
}

// armGetMovw/armSetMovw decode/encode the 16-bit immediate of an ARM
// MOVW/MOVT instruction, split as imm4 (bits 19:16) : imm12 (bits 11:0).
func armGetMovw(b []byte) int32 {
	w := binary.LittleEndian.Uint32(b)
	imm4 := (w >> 16) & 0xf
	imm12 := w & 0xfff
	return int32(imm4<<12 | imm12)
}
func armSetMovw(b []byte, v int32) {
	w := binary.LittleEndian.Uint32(b)
	uv := uint32(v) & 0xffff
	w = (w &^ (0xf << 16)) | ((uv >> 12) << 16)
	w = (w &^ 0xfff) | (uv & 0xfff)
	binary.LittleEndian.PutUint32(b, w)
}

// relocArgs bundles the inputs relocArith needs to compute a relocation's
// value: S the resolved symbol address (or, for GOT-indirect types, the
// address of the synthetic GOT cell holding it), A the addend (explicit
// for RELA, or read back out of the bytes for REL), P the address of the
// relocation site itself, GOT the RA of _GLOBAL_OFFSET_TABLE_ (unused in
// the arithmetic table itself, kept for callers that still need it), and
// Base the target's address_base — B_S in the relocation table below.
type relocArgs struct {
	S, A, P, GOT, Base uint32
}

// canReach reports whether v, a signed PC-relative displacement, fits
// the signed range of a bits-wide field — the reachability check
// R_ARM_CALL/JUMP24/THM_PC22 must pass before their branch immediate is
// written; failing it is ErrNoReach.
func canReach(v int32, bits uint) bool {
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return int64(v) >= lo && int64(v) <= hi
}

// fitsUnsigned reports whether v, an absolute (non-PC-relative) value,
// fits in an unsigned bits-wide field — the check R_ARM_ABS16/12/8 must
// pass before truncating S+A into a narrower field than the full word;
// failing it is ErrNoReach. ABS12's field is the unsigned immediate
// offset of an LDR/STR-class instruction, never negative, which is why
// this differs from canReach's signed range.
func fitsUnsigned(v uint32, bits uint) bool {
	return v < uint32(1)<<bits
}

// relocArith applies one relocation to dst (the bytes at the relocation
// site, already sliced to the width the type needs), returning a non-nil
// error if the value cannot be written. It implements exactly the
// relocation types this loader supports; anything else is ErrNoRel,
// reported with the relocation's numeric type code.
func relocArith(rtype uint32, dst []byte, args relocArgs) error {
	a, p := args.A, int32(args.P)
	switch rtype {
	case elf32.RARMABS32:
		armSet32(dst, int32(args.S+a))
	case elf32.RARMREL32:
		armSet32(dst, int32(args.S+a)-p)
	case elf32.RARMSBREL32:
		armSet32(dst, int32(args.S+a)-int32(args.Base))
	case elf32.RARMPREL31:
		v := int32(args.S+a) - p
		armSet30(dst, v)
	case elf32.RARMABS16:
		sum := args.S + a
		if !fitsUnsigned(sum, 16) {
			return fmt.Errorf("%w: R_ARM_ABS16 value %#x", ErrNoReach, sum)
		}
		armSet16(dst, int16(sum))
	case elf32.RARMABS12:
		sum := args.S + a
		if !fitsUnsigned(sum, 12) {
			return fmt.Errorf("%w: R_ARM_ABS12 value %#x", ErrNoReach, sum)
		}
		armSet12(dst, int32(sum))
	case elf32.RARMABS8:
		sum := args.S + a
		if !fitsUnsigned(sum, 8) {
			return fmt.Errorf("%w: R_ARM_ABS8 value %#x", ErrNoReach, sum)
		}
		dst[0] = byte(sum)
	case elf32.RARMCALL, elf32.RARMJUMP24, elf32.RARMPC24:
		v := int32(args.S+a) - p
		if !canReach(v, 26) {
			return fmt.Errorf("%w: R_ARM type %d displacement %d", ErrNoReach, rtype, v)
		}
		armSetBL26(dst, v)
	case elf32.RARMTHMCALL, elf32.RARMTHMJUMP24:
		v := int32(args.S+a) - p
		if !canReach(v, 22) {
			return fmt.Errorf("%w: R_ARM_THM_PC22 displacement %d", ErrNoReach, v)
		}
		armSetT22(dst, v)
	case elf32.RARMMOVWABSNC:
		armSetMovw(dst, int32(args.S+a))
	case elf32.RARMMOVTABS:
		armSetMovw(dst, int32((args.S+a)>>16))
	case elf32.RARMMOVWPRELNC:
		armSetMovw(dst, int32(args.S+a)-p)
	case elf32.RARMMOVTPREL:
		armSetMovw(dst, (int32(args.S+a)-p)>>16)
	case elf32.RARMTHMMOVWABSNC:
		armSetMovw(dst, int32(args.S+a)) // thumb MOVW shares the same imm4:imm12 shape here
	case elf32.RARMTHMMOVTABS:
		armSetMovw(dst, int32((args.S+a)>>16))
	case elf32.RARMTHMMOVWPRELNC:
		armSetMovw(dst, int32(args.S+a)-p)
	case elf32.RARMTHMMOVTPREL:
		armSetMovw(dst, (int32(args.S+a)-p)>>16)
	case elf32.RARMBASEPREL:
		// R_ARM_GOTPC: (B_S + A) - P, B_S = target.address_base — not the
		// _GLOBAL_OFFSET_TABLE_ symbol's own runtime address.
		armSet32(dst, int32(args.Base+a)-p)
	case elf32.RARMGOTBREL:
		// R_ARM_GOT32: (GOT_S + A) - B_S. args.S already carries GOT_S
		// here (the caller substitutes the symbol's GOT slot address for
		// GOT-indirect types), so only the base subtrahend needs fixing.
		armSet32(dst, int32(args.S+a)-int32(args.Base))
	case elf32.RARMGOTABS:
		armSet32(dst, int32(args.S+a))
	case elf32.RARMGOTPREL:
		armSet32(dst, int32(args.S+a)-p)
	default:
		return fmt.Errorf("%w: R_ARM type %d", ErrNoRel, rtype)
	}
	return nil
}

// relocWidth returns how many bytes of dst a relocation type touches, so
// the caller can bounds-check before slicing.
func relocWidth(rtype uint32) int {
	switch rtype {
	case elf32.RARMABS16:
		return 2
	case elf32.RARMABS8:
		return 1
	default:
		return 4
	}
}
