package amd64

import (
	"encoding/binary"
	"testing"
)

func TestMovImm64Encoding(t *testing.T) {
	code := MovImm64(RAX, 0x1122334455667788)
	if len(code) != 10 {
		t.Fatalf("expected 10-byte movabs, got %d", len(code))
	}
	if code[0] != 0x48 || code[1] != 0xB8 {
		t.Fatalf("unexpected prefix/opcode: %x %x", code[0], code[1])
	}
}

func TestMovImm64ExtendedRegister(t *testing.T) {
	code := MovImm64(R8, 1)
	if code[0] != 0x49 { // REX.W + REX.B
		t.Fatalf("expected REX.WB prefix 0x49, got %#x", code[0])
	}
	if code[1] != 0xB8 {
		t.Fatalf("expected opcode B8 for r8, got %#x", code[1])
	}
}

func TestJumpRel32PatchRoundTrip(t *testing.T) {
	instr, patchOffset, err := JumpRel32(Equal)
	if err != nil {
		t.Fatalf("JumpRel32: %v", err)
	}
	code := append([]byte{0x90, 0x90}, instr...) // two leading nops
	instrStart := 2
	instrEnd := instrStart + len(instr)
	PatchRel32(code, instrStart+patchOffset, instrEnd, 100)

	disp := int32(binary.LittleEndian.Uint32(code[instrStart+patchOffset:]))
	if target := instrEnd + int(disp); target != 100 {
		t.Fatalf("patched displacement %d lands at %d, want 100", disp, target)
	}
}

func TestRetIsSingleByte(t *testing.T) {
	if got := Ret(); len(got) != 1 || got[0] != 0xC3 {
		t.Fatalf("unexpected ret encoding: %x", got)
	}
}

func TestImulRegRegEncoding(t *testing.T) {
	code := ImulRegReg(RAX, RCX)
	if len(code) != 4 {
		t.Fatalf("expected 4-byte imul, got %d: %x", len(code), code)
	}
	if code[1] != 0x0F || code[2] != 0xAF {
		t.Fatalf("expected 0F AF opcode, got %x %x", code[1], code[2])
	}
}

func TestMovRegMemEncoding(t *testing.T) {
	code := MovRegMem(RAX, RDI, 8)
	if code[1] != 0x8B {
		t.Fatalf("expected load opcode 0x8B, got %#x", code[1])
	}
	disp := int32(binary.LittleEndian.Uint32(code[len(code)-4:]))
	if disp != 8 {
		t.Fatalf("expected disp32 of 8, got %d", disp)
	}
}

func TestMovRegMemInsertsSIBForRSPBase(t *testing.T) {
	code := MovRegMem(RAX, RSP, 0)
	if len(code) != 3+1+4 {
		t.Fatalf("expected SIB byte inserted for RSP base, got %d bytes: %x", len(code), code)
	}
	if code[3] != 0x24 {
		t.Fatalf("expected SIB byte 0x24, got %#x", code[3])
	}
}

func TestMovMemRegEncoding(t *testing.T) {
	code := MovMemReg(RDI, 16, RAX)
	if code[1] != 0x89 {
		t.Fatalf("expected store opcode 0x89, got %#x", code[1])
	}
}

func TestOverflowJumpOpcode(t *testing.T) {
	instr, _, err := JumpRel32(Overflow)
	if err != nil {
		t.Fatalf("JumpRel32: %v", err)
	}
	if instr[0] != 0x0F || instr[1] != 0x80 {
		t.Fatalf("expected 0F 80 (jo), got %x", instr[:2])
	}
}
