package asm

// This file transliterates ujit_asm.c's instruction encoders: every opcode
// byte value and REX/ModR/M/SIB/displacement decision below mirrors that
// source exactly, re-expressed as methods on *CodeBlock.

func boolBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// writeREXByte emits 0x40 | (w<<3) | (r<<2) | (x<<1) | b, where r/x/b are
// the high (>=8) bit of regNo/idxRegNo/rmRegNo respectively.
func (cb *CodeBlock) writeREXByte(w bool, regNo, idxRegNo, rmRegNo int) {
	r := boolBit(regNeedsRex(regNo))
	x := boolBit(regNeedsRex(idxRegNo))
	b := boolBit(regNeedsRex(rmRegNo))
	cb.WriteByte(0x40 | (boolBit(w) << 3) | (r << 2) | (x << 1) | b)
}

// writeOpcodeReg embeds reg's low 3 bits into opcode, used by the
// mov-immediate / push / pop register forms.
func (cb *CodeBlock) writeOpcodeReg(opcode byte, reg Operand) {
	cb.WriteByte(opcode | byte(reg.RegNo&7))
}

// writeRM is the core ModR/M + SIB + displacement encoder, used by every
// two-operand (or one-operand-plus-extension) instruction below.
// opExt, when != 0xFF, is written into the ModR/M reg field instead of
// rOpnd's register number (used for /digit opcode-extension forms).
func (cb *CodeBlock) writeRM(szPref, rexW bool, rOpnd, rmOpnd Operand, opExt byte, opcodes ...byte) {
	isMem := rmOpnd.Kind == KindMem
	needSib := isMem && sibNeeded(rmOpnd)
	needRex := rexW || rexNeeded(rOpnd) || rexNeeded(rmOpnd)

	if szPref {
		cb.WriteByte(0x66)
	}

	if needRex {
		var regNo int
		if rOpnd.Kind == KindReg {
			regNo = rOpnd.RegNo
		}
		idxRegNo := 0
		if isMem && rmOpnd.HasIdx {
			idxRegNo = rmOpnd.IdxRegNo
		}
		var rmRegNo int
		if isMem {
			rmRegNo = rmOpnd.RegNo
		} else {
			rmRegNo = rmOpnd.RegNo
		}
		cb.writeREXByte(rexW, regNo, idxRegNo, rmRegNo)
	}

	for _, op := range opcodes {
		cb.WriteByte(op)
	}

	var mod byte
	var dSize int
	if isMem {
		if rmOpnd.IsIPRel {
			mod = 0
		} else {
			dSize = dispSize(rmOpnd)
			switch dSize {
			case 0:
				mod = 0
			case 8:
				mod = 1
			default:
				mod = 2
			}
		}
	} else {
		mod = 3
	}

	var regField byte
	if opExt != 0xFF {
		regField = opExt
	} else if rOpnd.Kind == KindReg {
		regField = byte(rOpnd.RegNo & 7)
	}

	var rmField byte
	if isMem {
		if needSib {
			rmField = 4
		} else {
			rmField = byte(rmOpnd.RegNo & 7)
		}
	} else {
		rmField = byte(rmOpnd.RegNo & 7)
	}

	cb.WriteByte((mod << 6) | (regField << 3) | rmField)

	if isMem && needSib {
		index := byte(4)
		if rmOpnd.HasIdx {
			index = byte(rmOpnd.IdxRegNo & 7)
		}
		base := byte(rmOpnd.RegNo & 7)
		cb.WriteByte((rmOpnd.ScaleExp << 6) | (index << 3) | base)
	}

	if isMem {
		if rmOpnd.IsIPRel {
			cb.WriteInt(int64(rmOpnd.Disp), 32)
		} else if dSize == 8 {
			cb.WriteInt(int64(rmOpnd.Disp), 8)
		} else if dSize == 32 {
			cb.WriteInt(int64(rmOpnd.Disp), 32)
		}
	}
}

// writeRMUnary encodes one-operand forms like not/neg: 8-bit opcode if the
// operand is 8-bit, otherwise the size-prefixed/REX.W-prefixed opcode.
func (cb *CodeBlock) writeRMUnary(rmOpnd Operand, opExt byte, opcode8, opcodePref byte) {
	if rmOpnd.NumBits == 8 {
		cb.writeRM(false, false, None, rmOpnd, opExt, opcode8)
		return
	}
	cb.writeRM(rmOpnd.NumBits == 16, rmOpnd.NumBits == 64, None, rmOpnd, opExt, opcodePref)
}

// arithOpcodes bundles the eight opcode bytes a classic ALU mnemonic
// (add/and/or/sub/xor/cmp) needs across its R/M, M/Imm and extension forms.
type arithOpcodes struct {
	memReg8, memRegPref   byte
	regMem8, regMemPref   byte
	memImm8, memImmSml    byte
	memImmLrg             byte
	ext                   byte
}

// writeRMMulti implements the shared R/M-form dispatch used by
// add/and/or/sub/xor/cmp/mov: (mem,reg)/(reg,reg), (reg,mem), and
// (_, imm) each pick their own opcode and operand order.
func (cb *CodeBlock) writeRMMulti(op0, op1 Operand, ops arithOpcodes) {
	switch {
	case op1.Kind == KindReg && (op0.Kind == KindMem || op0.Kind == KindReg):
		szPref := op0.NumBits == 16
		rexW := op0.NumBits == 64
		if op0.NumBits == 8 {
			cb.writeRM(false, false, op1, op0, 0xFF, ops.memReg8)
		} else {
			cb.writeRM(szPref, rexW, op1, op0, 0xFF, ops.memRegPref)
		}
	case op0.Kind == KindReg && op1.Kind == KindMem:
		szPref := op0.NumBits == 16
		rexW := op0.NumBits == 64
		if op0.NumBits == 8 {
			cb.writeRM(false, false, op0, op1, 0xFF, ops.regMem8)
		} else {
			cb.writeRM(szPref, rexW, op0, op1, 0xFF, ops.regMemPref)
		}
	case op1.Kind == KindImm || op1.Kind == KindUImm:
		var imm int64
		if op1.Kind == KindImm {
			imm = op1.ImmVal
		} else {
			imm = int64(op1.UImmVal)
		}
		szPref := op0.NumBits == 16
		rexW := op0.NumBits == 64
		if op0.NumBits == 8 {
			cb.writeRM(false, false, None, op0, ops.ext, ops.memImm8)
			cb.WriteInt(imm, 8)
			return
		}
		immSize := sigImmSize(imm)
		if immSize <= 8 {
			cb.writeRM(szPref, rexW, None, op0, ops.ext, ops.memImmSml)
			cb.WriteInt(imm, 8)
		} else {
			cb.writeRM(szPref, rexW, None, op0, ops.ext, ops.memImmLrg)
			n := op0.NumBits
			if n > 32 {
				n = 32
			}
			cb.WriteInt(imm, n)
		}
	default:
		panic("asm: unsupported operand combination")
	}
}

func (cb *CodeBlock) Add(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x00, 0x01, 0x02, 0x03, 0x80, 0x83, 0x81, 0x00})
}
func (cb *CodeBlock) Or(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x08, 0x09, 0x0A, 0x0B, 0x80, 0x83, 0x81, 0x01})
}
func (cb *CodeBlock) And(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x20, 0x21, 0x22, 0x23, 0x80, 0x83, 0x81, 0x04})
}
func (cb *CodeBlock) Sub(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x28, 0x29, 0x2A, 0x2B, 0x80, 0x83, 0x81, 0x05})
}
func (cb *CodeBlock) Xor(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x30, 0x31, 0x32, 0x33, 0x80, 0x83, 0x81, 0x06})
}
func (cb *CodeBlock) Cmp(dst, src Operand) {
	cb.writeRMMulti(dst, src, arithOpcodes{0x38, 0x39, 0x3A, 0x3B, 0x80, 0x83, 0x81, 0x07})
}

// Mov has three distinct forms, unlike the other ALU ops: reg+imm embeds
// the register in the opcode byte; mem+imm uses 0xC6/0xC7; the general
// R/M form reuses writeRMMulti (opcode 0xFF is a never-taken placeholder
// for the reg+imm case, which is handled before reaching it).
func (cb *CodeBlock) Mov(dst, src Operand) {
	if dst.Kind == KindReg && (src.Kind == KindImm || src.Kind == KindUImm) {
		var imm int64
		var uimm uint64
		if src.Kind == KindImm {
			imm = src.ImmVal
			uimm = uint64(imm)
		} else {
			uimm = src.UImmVal
		}
		rexW := dst.NumBits == 64
		needRex := rexW || regNeedsRex(dst.RegNo) || needsREXReg8(dst)
		if needRex {
			cb.writeREXByte(rexW, 0, 0, dst.RegNo)
		}
		if dst.NumBits == 8 {
			cb.writeOpcodeReg(0xB0, dst)
			cb.WriteInt(imm, 8)
		} else if rexW {
			cb.writeOpcodeReg(0xB8, dst)
			cb.WriteInt(int64(uimm), 64)
		} else {
			cb.writeOpcodeReg(0xB8, dst)
			cb.WriteInt(int64(uimm), dst.NumBits)
		}
		return
	}
	if dst.Kind == KindMem && (src.Kind == KindImm || src.Kind == KindUImm) {
		var imm int64
		if src.Kind == KindImm {
			imm = src.ImmVal
		} else {
			imm = int64(src.UImmVal)
		}
		szPref := dst.NumBits == 16
		rexW := dst.NumBits == 64
		if dst.NumBits == 8 {
			cb.writeRM(false, false, None, dst, 0x00, 0xC6)
			cb.WriteInt(imm, 8)
		} else {
			cb.writeRM(szPref, rexW, None, dst, 0x00, 0xC7)
			n := dst.NumBits
			if n > 32 {
				n = 32
			}
			cb.WriteInt(imm, n)
		}
		return
	}
	cb.writeRMMulti(dst, src, arithOpcodes{0x88, 0x89, 0x8A, 0x8B, 0xFF, 0xFF, 0xFF, 0xFF})
}

// Lea always forces a 64-bit destination and REX.W, per ujit_asm.c.
func (cb *CodeBlock) Lea(dst, src Operand) {
	if dst.NumBits != 64 {
		panic("asm: lea destination must be 64-bit")
	}
	cb.writeRM(false, true, dst, src, 0xFF, 0x8D)
}

// Movsx sign-extends src into dst; the opcode depends on src's width.
func (cb *CodeBlock) Movsx(dst, src Operand) {
	rexW := dst.NumBits == 64
	switch src.NumBits {
	case 8:
		cb.writeRM(false, rexW, dst, src, 0xFF, 0x0F, 0xBE)
	case 16:
		cb.writeRM(false, rexW, dst, src, 0xFF, 0x0F, 0xBF)
	case 32:
		cb.writeRM(false, true, dst, src, 0xFF, 0x63)
	default:
		panic("asm: movsx unsupported source width")
	}
}

func (cb *CodeBlock) Not(rm Operand) { cb.writeRMUnary(rm, 0x02, 0xF6, 0xF7) }
func (cb *CodeBlock) Neg(rm Operand) { cb.writeRMUnary(rm, 0x03, 0xF6, 0xF7) }

// writeShift implements shl/shr/sal/sar: a literal immediate of 1 is
// implicit (opMemOne, no immediate byte); any other count writes a single
// immediate byte. The CL-register shift form is intentionally
// unimplemented, matching the original, which never enabled it.
func (cb *CodeBlock) writeShift(rm Operand, count int64, ext byte) {
	szPref := rm.NumBits == 16
	rexW := rm.NumBits == 64
	if count == 1 {
		cb.writeRM(szPref, rexW, None, rm, ext, 0xD1)
		return
	}
	cb.writeRM(szPref, rexW, None, rm, ext, 0xC1)
	cb.WriteInt(count, 8)
}

func (cb *CodeBlock) Shl(rm Operand, count int64) { cb.writeShift(rm, count, 0x04) }
func (cb *CodeBlock) Sal(rm Operand, count int64) { cb.writeShift(rm, count, 0x04) }
func (cb *CodeBlock) Shr(rm Operand, count int64) { cb.writeShift(rm, count, 0x05) }
func (cb *CodeBlock) Sar(rm Operand, count int64) { cb.writeShift(rm, count, 0x07) }

// Test supports both the immediate and register forms. The register form
// asserts both operands are 32-bit, matching the original's currently
// supported subset.
func (cb *CodeBlock) Test(rm Operand, src Operand) {
	if src.Kind == KindImm || src.Kind == KindUImm {
		var uimm uint64
		if src.Kind == KindImm {
			uimm = uint64(src.ImmVal)
		} else {
			uimm = src.UImmVal
		}
		sz := unsigImmSize(uimm)
		resized := rm
		if sz < resized.NumBits {
			resized.NumBits = sz
		}
		if resized.NumBits == 8 {
			cb.writeRM(false, false, None, resized, 0x00, 0xF6)
			cb.WriteInt(int64(uimm), 8)
		} else {
			cb.writeRM(resized.NumBits == 16, resized.NumBits == 64, None, resized, 0x00, 0xF7)
			n := resized.NumBits
			if n > 32 {
				n = 32
			}
			cb.WriteInt(int64(uimm), n)
		}
		return
	}
	if rm.NumBits != 32 || src.NumBits != 32 {
		panic("asm: test register form currently requires 32-bit operands")
	}
	cb.writeRM(false, false, src, rm, 0xFF, 0x85)
}

func (cb *CodeBlock) Push(reg Operand) {
	needRex := regNeedsRex(reg.RegNo)
	if needRex {
		cb.writeREXByte(false, 0, 0, reg.RegNo)
	}
	cb.writeOpcodeReg(0x50, reg)
}

func (cb *CodeBlock) Pop(reg Operand) {
	needRex := regNeedsRex(reg.RegNo)
	if needRex {
		cb.writeREXByte(false, 0, 0, reg.RegNo)
	}
	cb.writeOpcodeReg(0x58, reg)
}

func (cb *CodeBlock) Pushfq() { cb.WriteByte(0x9C) }
func (cb *CodeBlock) Popfq()  { cb.WriteBytes(0x48, 0x9D) }

func (cb *CodeBlock) Ret()  { cb.WriteByte(0xC3) }
func (cb *CodeBlock) Cdq()  { cb.WriteByte(0x99) }
func (cb *CodeBlock) Cqo()  { cb.WriteBytes(0x48, 0x99) }
func (cb *CodeBlock) Int3() { cb.WriteByte(0xCC) }
func (cb *CodeBlock) Ud2()  { cb.WriteBytes(0x0F, 0x0B) }

// Nop emits a canonical variable-length NOP sequence: 1-9 bytes are a
// single hardcoded pattern each; longer requests recurse in 9-byte chunks
// plus a remainder, matching ujit_asm.c's nop().
func (cb *CodeBlock) Nop(length int) {
	patterns := [10][]byte{
		{},
		{0x90},
		{0x66, 0x90},
		{0x0F, 0x1F, 0x00},
		{0x0F, 0x1F, 0x40, 0x00},
		{0x0F, 0x1F, 0x44, 0x00, 0x00},
		{0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
		{0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
		{0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
		{0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	for length > 9 {
		cb.WriteBytes(patterns[9]...)
		length -= 9
	}
	cb.WriteBytes(patterns[length]...)
}

func (cb *CodeBlock) CallRel32(rel int32) {
	cb.WriteByte(0xE8)
	cb.WriteInt(int64(rel), 32)
}

// CallPtr emits a direct call to an absolute address, preferring a
// relative E8 call when the offset fits in 32 bits and falling back to
// loading the address into scratch and calling through it.
func (cb *CodeBlock) CallPtr(scratch Operand, dst uintptr) {
	endPos := cb.writePos + 5
	rel := int64(dst) - int64(cb.GetPtr(endPos))
	if rel >= -(1<<31) && rel <= (1<<31)-1 {
		cb.CallRel32(int32(rel))
		return
	}
	cb.Mov(scratch, UImm(uint64(dst)))
	cb.Call(scratch)
}

// CallLabel emits a direct call to a not-yet-placed label.
func (cb *CodeBlock) CallLabel(label LabelID) {
	cb.WriteByte(0xE8)
	cb.LabelRef(label)
}

// Call encodes the ModR/M-extension indirect-call form (/2).
func (cb *CodeBlock) Call(rm Operand) {
	cb.writeRM(false, false, None, rm, 0x02, 0xFF)
}

// Jmp32 emits a direct near jump with an immediately-known rel32, with no
// label involved.
func (cb *CodeBlock) Jmp32(rel int32) {
	cb.WriteByte(0xE9)
	cb.WriteInt(int64(rel), 32)
}

// JmpRM encodes the ModR/M-extension indirect-jump form (/4).
func (cb *CodeBlock) JmpRM(rm Operand) {
	cb.writeRM(false, false, None, rm, 0x04, 0xFF)
}

// CC is an x86 condition code, shared by Jcc and Cmov.
type CC uint8

const (
	CCO CC = iota
	CCNO
	CCB // c, nae
	CCAE // nb, nc
	CCE // z
	CCNE // nz
	CCBE // na
	CCA // nbe
	CCS
	CCNS
	CCP // pe
	CCNP // po
	CCL // nge
	CCGE // nl
	CCLE // ng
	CCG // nle
)

// Jcc emits a conditional jump to a not-yet-placed label: the two-byte
// opcode 0x0F (0x80|cc), a 32-bit placeholder, and a pending label
// reference resolved by CodeBlock.LinkLabels.
func (cb *CodeBlock) Jcc(cc CC, label LabelID) {
	cb.WriteBytes(0x0F, 0x80|byte(cc))
	cb.LabelRef(label)
}

// Jmp emits an unconditional jump to a not-yet-placed label.
func (cb *CodeBlock) Jmp(label LabelID) {
	cb.WriteByte(0xE9)
	cb.LabelRef(label)
}

// JccPtr emits a conditional jump to a known absolute address as a
// 32-bit signed relative offset, asserting that the offset fits.
func (cb *CodeBlock) JccPtr(cc CC, dst uintptr) {
	cb.WriteBytes(0x0F, 0x80|byte(cc))
	endPtr := cb.GetPtr(cb.writePos + 4)
	rel := int64(dst) - int64(endPtr)
	if rel < -(1<<31) || rel > (1<<31)-1 {
		panic("asm: jcc_ptr relative offset does not fit in 32 bits")
	}
	cb.WriteInt(rel, 32)
}

// JmpPtr emits an unconditional jump to a known absolute address.
func (cb *CodeBlock) JmpPtr(dst uintptr) {
	cb.WriteByte(0xE9)
	endPtr := cb.GetPtr(cb.writePos + 4)
	rel := int64(dst) - int64(endPtr)
	if rel < -(1<<31) || rel > (1<<31)-1 {
		panic("asm: jmp_ptr relative offset does not fit in 32 bits")
	}
	cb.WriteInt(rel, 32)
}

// Cmov encodes the two-byte-opcode conditional move 0x0F (0x40|cc).
func (cb *CodeBlock) Cmov(cc CC, dst, src Operand) {
	if dst.Kind != KindReg {
		panic("asm: cmov destination must be a register")
	}
	if dst.NumBits < 16 {
		panic("asm: cmov destination must be at least 16 bits")
	}
	cb.writeRM(dst.NumBits == 16, dst.NumBits == 64, dst, src, 0xFF, 0x0F, 0x40|byte(cc))
}
