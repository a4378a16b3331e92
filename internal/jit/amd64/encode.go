// Package amd64 encodes a small, closed instruction subset directly
// to machine code: register moves, integer arithmetic, compares,
// conditional jumps, calls and returns. The opcode tables and REX
// prefix arithmetic mirror the teacher's asm/amd64 backend; this
// package carries only the general-purpose encodings the managed
// JIT actually emits; there is no raw syscall instruction here since
// ProtonOS's kernel bridge resolves extern calls to native function
// pointers instead of a Linux syscall ABI.
package amd64

import (
	"encoding/binary"
	"fmt"
)

// Register identifies one of the sixteen amd64 general-purpose
// registers by its encoding number (0-15): RAX..RDI then R8..R15.
type Register uint8

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// bits returns the 3-bit field encoding and whether the register
// requires the REX extension bit (r8-r15).
func (r Register) bits() (field byte, extended bool) {
	return byte(r) & 0x7, r >= R8
}

// rex builds a REX prefix byte. w selects 64-bit operand size; r/x/b
// are the extension bits for the ModRM reg, SIB index and ModRM
// rm/base fields respectively.
func rex(w, r, x, b bool) byte {
	prefix := byte(0x40)
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

func modRM(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// MovImm64 encodes `movabs dst, imm64` (REX.W + B8+rd + imm64), the
// only mov-immediate form that can address the full 64-bit range; the
// JIT uses it for every constant load so relocation patching always
// has a fixed 8-byte immediate to rewrite.
func MovImm64(dst Register, imm uint64) []byte {
	field, ext := dst.bits()
	out := []byte{rex(true, false, false, ext), 0xB8 + field}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], imm)
	return append(out, buf[:]...)
}

// MovRegReg encodes `mov dst, src` (REX.W + 0x89 /r).
func MovRegReg(dst, src Register) []byte {
	dstField, dstExt := dst.bits()
	srcField, srcExt := src.bits()
	return []byte{rex(true, srcExt, false, dstExt), 0x89, modRM(3, srcField, dstField)}
}

type aluOp struct {
	regReg byte // opcode for `op r/m64, r64`
}

var (
	aluAdd = aluOp{regReg: 0x01}
	aluSub = aluOp{regReg: 0x29}
	aluAnd = aluOp{regReg: 0x21}
	aluOr  = aluOp{regReg: 0x09}
	aluXor = aluOp{regReg: 0x31}
	aluCmp = aluOp{regReg: 0x39}
)

func encodeALU(op aluOp, dst, src Register) []byte {
	dstField, dstExt := dst.bits()
	srcField, srcExt := src.bits()
	return []byte{rex(true, srcExt, false, dstExt), op.regReg, modRM(3, srcField, dstField)}
}

func AddRegReg(dst, src Register) []byte { return encodeALU(aluAdd, dst, src) }
func SubRegReg(dst, src Register) []byte { return encodeALU(aluSub, dst, src) }
func AndRegReg(dst, src Register) []byte { return encodeALU(aluAnd, dst, src) }
func OrRegReg(dst, src Register) []byte  { return encodeALU(aluOr, dst, src) }
func XorRegReg(dst, src Register) []byte { return encodeALU(aluXor, dst, src) }
func CmpRegReg(dst, src Register) []byte { return encodeALU(aluCmp, dst, src) }

// TestRegReg encodes `test dst, dst` (REX.W + 0x85 /r), used to set
// ZF/SF from a register's value without consuming a destination.
func TestRegReg(dst Register) []byte {
	field, ext := dst.bits()
	return []byte{rex(true, ext, false, ext), 0x85, modRM(3, field, field)}
}

// ImulRegReg encodes the two-operand `imul dst, src` (REX.W + 0x0F
// 0xAF /r): dst *= src, setting OF/CF on signed overflow the same way
// a one-operand imul does, which is what CheckedMul's overflow jump
// relies on.
func ImulRegReg(dst, src Register) []byte {
	dstField, dstExt := dst.bits()
	srcField, srcExt := src.bits()
	return []byte{rex(true, dstExt, false, srcExt), 0x0F, 0xAF, modRM(3, dstField, srcField)}
}

// MovRegMem encodes `mov dst, [base+disp32]` (REX.W + 0x8B /r), a
// 64-bit qword load used by virtual/interface dispatch to read a
// vtable pointer out of an object header and a method pointer out of
// a vtable.
func MovRegMem(dst, base Register, disp int32) []byte {
	return memOp(0x8B, dst, base, disp)
}

// MovMemReg encodes `mov [base+disp32], src` (REX.W + 0x89 /r), the
// store counterpart of MovRegMem.
func MovMemReg(base Register, disp int32, src Register) []byte {
	return memOp(0x89, src, base, disp)
}

// memOp encodes a reg/mem instruction of the form `op reg, [base+disp32]`
// (or the reverse direction, depending on opcode), always using a
// disp32 ModRM encoding so callers never need to reason about the
// disp8 short form. RSP and R12 require a SIB byte to address
// [base+disp] at all since their ModRM rm field (100) is reserved for
// the SIB escape.
func memOp(opcode byte, reg, base Register, disp int32) []byte {
	regField, regExt := reg.bits()
	baseField, baseExt := base.bits()
	out := []byte{rex(true, regExt, false, baseExt), opcode, modRM(2, regField, baseField)}
	if baseField == 4 {
		out = append(out, 0x24) // SIB: scale=0, index=none, base=RSP/R12
	}
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	return append(out, d[:]...)
}

// Ret encodes a near return.
func Ret() []byte { return []byte{0xC3} }

// JumpCond enumerates the conditional-jump kinds the IR compiler
// needs; Always is an unconditional jump.
type JumpCond int

const (
	Always JumpCond = iota
	Equal
	NotEqual
	AboveOrEqual // unsigned >=, used for bounds checks
	BelowOrEqual
	Above
	Below
	Less // signed <
	Greater
	Sign     // jump if negative
	Overflow // jump if OF set, used by checked arithmetic's overflow trap
)

var jumpOpcode = map[JumpCond][]byte{
	Always:       {0xE9},
	Equal:        {0x0F, 0x84},
	NotEqual:     {0x0F, 0x85},
	AboveOrEqual: {0x0F, 0x83},
	BelowOrEqual: {0x0F, 0x86},
	Above:        {0x0F, 0x87},
	Below:        {0x0F, 0x82},
	Less:         {0x0F, 0x8C},
	Greater:      {0x0F, 0x8F},
	Sign:         {0x0F, 0x88},
	Overflow:     {0x0F, 0x80},
}

// JumpRel32 encodes a jump with a placeholder rel32 operand (zero),
// returning the full instruction bytes and the offset within them
// where the 4-byte displacement must later be patched once the target
// offset is known.
func JumpRel32(cond JumpCond) (instr []byte, patchOffset int, err error) {
	opcode, ok := jumpOpcode[cond]
	if !ok {
		return nil, 0, fmt.Errorf("amd64: unknown jump condition %d", cond)
	}
	instr = append(append([]byte{}, opcode...), 0, 0, 0, 0)
	return instr, len(opcode), nil
}

// CallRel32 encodes a near relative call (0xE8 rel32) with a
// placeholder displacement, mirroring JumpRel32's patch convention.
func CallRel32() (instr []byte, patchOffset int) {
	return []byte{0xE8, 0, 0, 0, 0}, 1
}

// PatchRel32 writes the displacement from the end of the instruction
// (instrEnd, an absolute code-buffer offset) to target into code at
// patchOffset.
func PatchRel32(code []byte, patchOffset, instrEnd, target int) {
	disp := int32(target - instrEnd)
	binary.LittleEndian.PutUint32(code[patchOffset:], uint32(disp))
}

// CallReg encodes an indirect call through a register (REX.W + 0xFF
// /2), used for ExternCall targets: kernel-bridge native functions
// live in the host Go binary's own text segment, which a code buffer
// mmap'd far away in the address space cannot always reach with a
// rel32 displacement.
func CallReg(r Register) []byte {
	field, ext := r.bits()
	return []byte{rex(true, false, false, ext), 0xFF, modRM(3, 2, field)}
}

// PushReg/PopReg encode a 64-bit push/pop of r, for spilling and
// filling a register on the stack. ExternCall does not emit them: it
// saves no registers around its call.
func PushReg(r Register) []byte {
	field, ext := r.bits()
	if ext {
		return []byte{rex(false, false, false, true), 0x50 + field}
	}
	return []byte{0x50 + field}
}

func PopReg(r Register) []byte {
	field, ext := r.bits()
	if ext {
		return []byte{rex(false, false, false, true), 0x58 + field}
	}
	return []byte{0x58 + field}
}
