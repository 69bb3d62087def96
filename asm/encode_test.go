package asm_test

import (
	"testing"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/disasm"
)

func newTestBlock(t *testing.T) *asm.CodeBlock {
	t.Helper()
	cb, err := asm.NewCodeBlock(4096)
	if err != nil {
		t.Fatalf("NewCodeBlock: %v", err)
	}
	t.Cleanup(func() { cb.Close() })
	return cb
}

func TestMovRegImm64RoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Mov(asm.Reg(64, asm.RAX), asm.UImm(0x1122334455))
	end := cb.GetPos()

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "mov" {
		t.Fatalf("mnemonic = %q, want mov", insn.Mnemonic)
	}
	if insn.Dst.RegNo != asm.RAX || insn.Dst.NumBits != 64 {
		t.Fatalf("dst = %+v, want rax/64", insn.Dst)
	}
	if insn.Src.UImmVal != 0x1122334455 {
		t.Fatalf("src imm = %#x, want 0x1122334455", insn.Src.UImmVal)
	}
	if insn.Len != len(raw) {
		t.Fatalf("decoded len %d, encoded len %d", insn.Len, len(raw))
	}
}

func TestAddRegRegRoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Add(asm.Reg(64, asm.RAX), asm.Reg(64, asm.R10))
	end := cb.GetPos()

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "add" {
		t.Fatalf("mnemonic = %q, want add", insn.Mnemonic)
	}
	if insn.Dst.RegNo != asm.RAX || insn.Src.RegNo != asm.R10 {
		t.Fatalf("operands = dst %+v src %+v", insn.Dst, insn.Src)
	}
	if insn.Len != len(raw) {
		t.Fatalf("decoded len %d, encoded len %d", insn.Len, len(raw))
	}
}

func TestCmpMemImmRoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Cmp(asm.Mem(32, asm.RDI, 16), asm.Imm(7))
	end := cb.GetPos()

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "cmp" {
		t.Fatalf("mnemonic = %q, want cmp", insn.Mnemonic)
	}
	if insn.Dst.Kind != asm.KindMem || insn.Dst.RegNo != asm.RDI || insn.Dst.Disp != 16 {
		t.Fatalf("dst = %+v", insn.Dst)
	}
	if insn.Src.ImmVal != 7 {
		t.Fatalf("src imm = %d, want 7", insn.Src.ImmVal)
	}
	if insn.Len != len(raw) {
		t.Fatalf("decoded len %d, encoded len %d", insn.Len, len(raw))
	}
}

func TestJmpPtrRel32RoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	target := cb.GetPtr(start) + 200
	cb.JmpPtr(target)
	end := cb.GetPos()
	if end-start != 5 {
		t.Fatalf("jmp_ptr length = %d, want 5", end-start)
	}

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "jmp" {
		t.Fatalf("mnemonic = %q, want jmp", insn.Mnemonic)
	}
	wantRel := int64(target) - int64(cb.GetPtr(start+5))
	if insn.Src.ImmVal != wantRel {
		t.Fatalf("rel = %d, want %d", insn.Src.ImmVal, wantRel)
	}
}

func TestCmovRoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Cmov(asm.CCE, asm.Reg(64, asm.RAX), asm.Reg(64, asm.RCX))
	end := cb.GetPos()

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "cmov" {
		t.Fatalf("mnemonic = %q, want cmov", insn.Mnemonic)
	}
	if insn.Dst.RegNo != asm.RAX || insn.Src.RegNo != asm.RCX {
		t.Fatalf("operands = dst %+v src %+v", insn.Dst, insn.Src)
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Push(asm.Reg(64, asm.R12))
	cb.Pop(asm.Reg(64, asm.R12))
	end := cb.GetPos()

	raw := cb.Bytes(start, end)
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode push: %v", err)
	}
	if insn.Mnemonic != "push" || insn.Dst.RegNo != asm.R12 {
		t.Fatalf("push decode = %+v", insn)
	}
	insn2, err := disasm.Decode(raw[insn.Len:])
	if err != nil {
		t.Fatalf("Decode pop: %v", err)
	}
	if insn2.Mnemonic != "pop" || insn2.Dst.RegNo != asm.R12 {
		t.Fatalf("pop decode = %+v", insn2)
	}
}

func TestRetLen(t *testing.T) {
	cb := newTestBlock(t)
	start := cb.GetPos()
	cb.Ret()
	raw := cb.Bytes(start, cb.GetPos())
	insn, err := disasm.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if insn.Mnemonic != "ret" || insn.Len != 1 {
		t.Fatalf("ret decode = %+v", insn)
	}
}
