// Package disasm decodes the exact instruction forms asm's encoder
// produces: the round-trip partner to asm/encode.go, not a general x86-64
// disassembler. Every opcode this package recognizes is one
// asm.CodeBlock's methods actually emit; anything else is reported as an
// error rather than guessed at. Grounded on go-interpreter/wagon's
// disasm package (a decoder paired one-to-one with its own bytecode,
// same relationship this package has to asm) and transliterated against
// asm/encode.go's own REX/ModR/M/SIB logic run in reverse.
package disasm

import (
	"fmt"

	"github.com/relblock/bbvjit/asm"
)

// Insn is one decoded instruction: a mnemonic plus up to two operands
// (asm.None when absent) and the byte length consumed.
type Insn struct {
	Mnemonic string
	Dst, Src asm.Operand
	Len      int
}

// prefixes collects the REX/0x66 state consumed ahead of an opcode byte,
// plus whether that opcode is a two-byte 0x0F form (the 0x0F itself is
// left in place for decodeTwoByte).
type prefixes struct {
	szPref  bool
	rexW    bool
	rexR    bool
	rexX    bool
	rexB    bool
	hasRex  bool
	twoByte bool
}

func readPrefixes(code []byte) (prefixes, int) {
	var p prefixes
	i := 0
	for i < len(code) {
		switch {
		case code[i] == 0x66:
			p.szPref = true
			i++
		case code[i]&0xF0 == 0x40:
			p.hasRex = true
			p.rexW = code[i]&0x08 != 0
			p.rexR = code[i]&0x04 != 0
			p.rexX = code[i]&0x02 != 0
			p.rexB = code[i]&0x01 != 0
			i++
		default:
			if i+1 < len(code) && code[i] == 0x0F {
				p.twoByte = true
			}
			return p, i
		}
	}
	return p, i
}

// modrm decodes the ModR/M + optional SIB + optional displacement
// sequence starting at code[0], returning the reg field (before REX.R is
// folded in), the decoded r/m operand, and the number of bytes consumed.
func modrm(code []byte, p prefixes, rmBits int) (regField byte, rm asm.Operand, n int, err error) {
	if len(code) == 0 {
		return 0, asm.Operand{}, 0, fmt.Errorf("disasm: truncated ModR/M")
	}
	b := code[0]
	mod := b >> 6
	regField = (b >> 3) & 7
	if p.rexR {
		regField |= 8
	}
	rmLow := b & 7
	n = 1

	if mod == 3 {
		regNo := int(rmLow)
		if p.rexB {
			regNo |= 8
		}
		return regField, asm.Reg(rmBits, regNo), n, nil
	}

	baseRegNo := int(rmLow)
	hasIdx := false
	idxRegNo := 0
	var scaleExp uint8
	if rmLow == 4 {
		if len(code) < n+1 {
			return 0, asm.Operand{}, 0, fmt.Errorf("disasm: truncated SIB")
		}
		sib := code[n]
		n++
		scaleExp = sib >> 6
		idx := (sib >> 3) & 7
		base := sib & 7
		if idx != 4 || p.rexX {
			hasIdx = true
			idxRegNo = int(idx)
			if p.rexX {
				idxRegNo |= 8
			}
		}
		baseRegNo = int(base)
		if p.rexB {
			baseRegNo |= 8
		}
	} else if p.rexB {
		baseRegNo |= 8
	}

	var disp int32
	switch {
	case mod == 0 && rmLow == 5:
		// RIP-relative: disp32, no base register.
		if len(code) < n+4 {
			return 0, asm.Operand{}, 0, fmt.Errorf("disasm: truncated rip-rel disp32")
		}
		disp = readInt32(code[n:])
		n += 4
		return regField, asm.MemIPRel(rmBits, disp), n, nil
	case mod == 1:
		if len(code) < n+1 {
			return 0, asm.Operand{}, 0, fmt.Errorf("disasm: truncated disp8")
		}
		disp = int32(int8(code[n]))
		n++
	case mod == 2:
		if len(code) < n+4 {
			return 0, asm.Operand{}, 0, fmt.Errorf("disasm: truncated disp32")
		}
		disp = readInt32(code[n:])
		n += 4
	}

	if hasIdx {
		return regField, asm.MemIdx(rmBits, baseRegNo, idxRegNo, scaleExp, disp), n, nil
	}
	return regField, asm.Mem(rmBits, baseRegNo, disp), n, nil
}

func readInt32(b []byte) int32 {
	return int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func rmBitsFor(p prefixes) int {
	switch {
	case p.rexW:
		return 64
	case p.szPref:
		return 16
	default:
		return 32
	}
}

// Decode reads exactly one instruction off the front of code. It only
// recognizes the mnemonics and operand shapes asm's encoder methods can
// produce; anything else returns an error naming the unrecognized opcode
// byte.
func Decode(code []byte) (Insn, error) {
	p, pfxLen := readPrefixes(code)
	rest := code[pfxLen:]
	if len(rest) == 0 {
		return Insn{}, fmt.Errorf("disasm: truncated instruction")
	}

	if p.twoByte {
		return decodeTwoByte(code, p, pfxLen, rest)
	}
	return decodeOneByte(code, p, pfxLen, rest)
}

var arithMnemonics = map[byte]string{
	0x00: "add", 0x01: "add", 0x02: "add", 0x03: "add",
	0x08: "or", 0x09: "or", 0x0A: "or", 0x0B: "or",
	0x20: "and", 0x21: "and", 0x22: "and", 0x23: "and",
	0x28: "sub", 0x29: "sub", 0x2A: "sub", 0x2B: "sub",
	0x30: "xor", 0x31: "xor", 0x32: "xor", 0x33: "xor",
	0x38: "cmp", 0x39: "cmp", 0x3A: "cmp", 0x3B: "cmp",
	0x88: "mov", 0x89: "mov", 0x8A: "mov", 0x8B: "mov",
}

var extMnemonics8081 = map[byte]string{0: "add", 1: "or", 4: "and", 5: "sub", 6: "xor", 7: "cmp"}
var extMnemonicsF6F7 = map[byte]string{0: "test", 2: "not", 3: "neg"}
var extMnemonicsShift = map[byte]string{4: "shl", 5: "shr", 7: "sar"}

func decodeOneByte(full []byte, p prefixes, pfxLen int, rest []byte) (Insn, error) {
	op := rest[0]
	bits := rmBitsFor(p)
	body := rest[1:]

	switch {
	case op == 0xC3:
		return Insn{Mnemonic: "ret", Len: pfxLen + 1}, nil
	case op == 0x99:
		if p.rexW {
			return Insn{Mnemonic: "cqo", Len: pfxLen + 1}, nil
		}
		return Insn{Mnemonic: "cdq", Len: pfxLen + 1}, nil
	case op == 0x9C:
		return Insn{Mnemonic: "pushfq", Len: pfxLen + 1}, nil
	case op == 0x9D:
		return Insn{Mnemonic: "popfq", Len: pfxLen + 1}, nil
	case op == 0xCC:
		return Insn{Mnemonic: "int3", Len: pfxLen + 1}, nil
	case op >= 0x50 && op <= 0x57:
		regNo := int(op - 0x50)
		if p.rexB {
			regNo |= 8
		}
		return Insn{Mnemonic: "push", Dst: asm.Reg(64, regNo), Len: pfxLen + 1}, nil
	case op >= 0x58 && op <= 0x5F:
		regNo := int(op - 0x58)
		if p.rexB {
			regNo |= 8
		}
		return Insn{Mnemonic: "pop", Dst: asm.Reg(64, regNo), Len: pfxLen + 1}, nil
	case op >= 0xB0 && op <= 0xB7:
		regNo := int(op - 0xB0)
		if p.rexB {
			regNo |= 8
		}
		if len(body) < 1 {
			return Insn{}, fmt.Errorf("disasm: truncated mov-imm8")
		}
		return Insn{Mnemonic: "mov", Dst: asm.Reg(8, regNo), Src: asm.Imm(int64(int8(body[0]))), Len: pfxLen + 2}, nil
	case op >= 0xB8 && op <= 0xBF:
		regNo := int(op - 0xB8)
		if p.rexB {
			regNo |= 8
		}
		immBits := 32
		if p.rexW {
			immBits = 64
		}
		n := immBits / 8
		if len(body) < n {
			return Insn{}, fmt.Errorf("disasm: truncated mov-imm")
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(body[i])
		}
		return Insn{Mnemonic: "mov", Dst: asm.Reg(bits, regNo), Src: asm.UImm(v), Len: pfxLen + 1 + n}, nil
	case op == 0x63:
		regField, rm, n, err := modrm(body, p, 32)
		if err != nil {
			return Insn{}, err
		}
		return Insn{Mnemonic: "movsx", Dst: asm.Reg(64, int(regField)), Src: rm, Len: pfxLen + 1 + n}, nil
	case op == 0x8D:
		_, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		regNo := int((body[0] >> 3) & 7)
		if p.rexR {
			regNo |= 8
		}
		return Insn{Mnemonic: "lea", Dst: asm.Reg(64, regNo), Src: rm, Len: pfxLen + 1 + n}, nil
	case op == 0xC6 || op == 0xC7:
		_, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		immBits := 8
		if op == 0xC7 {
			immBits = bits
			if immBits > 32 {
				immBits = 32
			}
		}
		nb := immBits / 8
		tail := body[n:]
		if len(tail) < nb {
			return Insn{}, fmt.Errorf("disasm: truncated mov mem,imm")
		}
		v := readSigned(tail, nb)
		return Insn{Mnemonic: "mov", Dst: rm, Src: asm.Imm(v), Len: pfxLen + 1 + n + nb}, nil
	case op == 0x80 || op == 0x81 || op == 0x83:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		mnem, ok := extMnemonics8081[regField&7]
		if !ok {
			return Insn{}, fmt.Errorf("disasm: unrecognized 0x%02x extension /%d", op, regField&7)
		}
		immBits := 8
		if op == 0x81 {
			immBits = bits
			if immBits > 32 {
				immBits = 32
			}
		}
		nb := immBits / 8
		tail := body[n:]
		if len(tail) < nb {
			return Insn{}, fmt.Errorf("disasm: truncated arith mem,imm")
		}
		v := readSigned(tail, nb)
		return Insn{Mnemonic: mnem, Dst: rm, Src: asm.Imm(v), Len: pfxLen + 1 + n + nb}, nil
	case op == 0xF6 || op == 0xF7:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		mnem, ok := extMnemonicsF6F7[regField&7]
		if !ok {
			return Insn{}, fmt.Errorf("disasm: unrecognized 0x%02x extension /%d", op, regField&7)
		}
		if mnem == "not" || mnem == "neg" {
			return Insn{Mnemonic: mnem, Dst: rm, Len: pfxLen + 1 + n}, nil
		}
		immBits := 8
		if op == 0xF7 {
			immBits = bits
			if immBits > 32 {
				immBits = 32
			}
		}
		nb := immBits / 8
		tail := body[n:]
		if len(tail) < nb {
			return Insn{}, fmt.Errorf("disasm: truncated test imm")
		}
		v := readUnsigned(tail, nb)
		return Insn{Mnemonic: "test", Dst: rm, Src: asm.UImm(v), Len: pfxLen + 1 + n + nb}, nil
	case op == 0xD1 || op == 0xC1:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		mnem, ok := extMnemonicsShift[regField&7]
		if !ok {
			return Insn{}, fmt.Errorf("disasm: unrecognized shift extension /%d", regField&7)
		}
		if op == 0xD1 {
			return Insn{Mnemonic: mnem, Dst: rm, Src: asm.Imm(1), Len: pfxLen + 1 + n}, nil
		}
		tail := body[n:]
		if len(tail) < 1 {
			return Insn{}, fmt.Errorf("disasm: truncated shift count")
		}
		return Insn{Mnemonic: mnem, Dst: rm, Src: asm.Imm(int64(tail[0])), Len: pfxLen + 1 + n + 1}, nil
	case op == 0x85:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		return Insn{Mnemonic: "test", Dst: rm, Src: asm.Reg(bits, int(regField)), Len: pfxLen + 1 + n}, nil
	case op == 0xE8:
		if len(body) < 4 {
			return Insn{}, fmt.Errorf("disasm: truncated call rel32")
		}
		return Insn{Mnemonic: "call", Src: asm.Imm(int64(readInt32(body))), Len: pfxLen + 5}, nil
	case op == 0xE9:
		if len(body) < 4 {
			return Insn{}, fmt.Errorf("disasm: truncated jmp rel32")
		}
		return Insn{Mnemonic: "jmp", Src: asm.Imm(int64(readInt32(body))), Len: pfxLen + 5}, nil
	case op == 0xFF:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		switch regField & 7 {
		case 2:
			return Insn{Mnemonic: "call", Dst: rm, Len: pfxLen + 1 + n}, nil
		case 4:
			return Insn{Mnemonic: "jmp", Dst: rm, Len: pfxLen + 1 + n}, nil
		default:
			return Insn{}, fmt.Errorf("disasm: unrecognized 0xFF extension /%d", regField&7)
		}
	case op >= 0x00 && arithMnemonics[op] != "" && op != 0xC3:
		mnem := arithMnemonics[op]
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		regNo := int(regField)
		var regBits int
		switch op & 1 {
		case 0:
			regBits = 8
		default:
			regBits = bits
		}
		if op&0x01 == 0 && (op == 0x00 || op == 0x08 || op == 0x20 || op == 0x28 || op == 0x30 || op == 0x38 || op == 0x88) {
			regBits = 8
		}
		regOperand := asm.Reg(regBits, regNo)
		// Opcode low nibble 0/1 => (rm, reg) direction; 2/3 (and mov's
		// 0x8A/0x8B) => (reg, rm).
		switch op & 0x0F {
		case 0x02, 0x03, 0x0A, 0x0B:
			return Insn{Mnemonic: mnem, Dst: regOperand, Src: rm, Len: pfxLen + 1 + n}, nil
		default:
			return Insn{Mnemonic: mnem, Dst: rm, Src: regOperand, Len: pfxLen + 1 + n}, nil
		}
	default:
		return Insn{}, fmt.Errorf("disasm: unrecognized opcode byte 0x%02x", op)
	}
}

func decodeTwoByte(full []byte, p prefixes, pfxLen int, rest []byte) (Insn, error) {
	if len(rest) < 2 {
		return Insn{}, fmt.Errorf("disasm: truncated two-byte opcode")
	}
	op2 := rest[1]
	body := rest[2:]
	bits := rmBitsFor(p)

	switch {
	case op2 == 0x1F:
		// multi-byte NOP form; length already fully determined by the
		// ModR/M it carries, but asm.Nop never needs decoding back, so
		// this is reported informationally only.
		_, _, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		return Insn{Mnemonic: "nop", Len: pfxLen + 2 + n}, nil
	case op2 == 0x0B:
		return Insn{Mnemonic: "ud2", Len: pfxLen + 2}, nil
	case op2 == 0xBE || op2 == 0xBF:
		regField, rm, n, err := modrm(body, p, 8+8*int(op2-0xBE))
		if err != nil {
			return Insn{}, err
		}
		return Insn{Mnemonic: "movsx", Dst: asm.Reg(bits, int(regField)), Src: rm, Len: pfxLen + 2 + n}, nil
	case op2&0xF0 == 0x80:
		if len(body) < 4 {
			return Insn{}, fmt.Errorf("disasm: truncated jcc rel32")
		}
		return Insn{Mnemonic: "jcc", Dst: asm.Imm(int64(op2 & 0x0F)), Src: asm.Imm(int64(readInt32(body))), Len: pfxLen + 6}, nil
	case op2&0xF0 == 0x40:
		regField, rm, n, err := modrm(body, p, bits)
		if err != nil {
			return Insn{}, err
		}
		return Insn{Mnemonic: "cmov", Dst: asm.Reg(bits, int(regField)), Src: rm, Len: pfxLen + 2 + n}, nil
	default:
		return Insn{}, fmt.Errorf("disasm: unrecognized two-byte opcode 0x0F 0x%02x", op2)
	}
}

func readSigned(b []byte, n int) int64 {
	switch n {
	case 1:
		return int64(int8(b[0]))
	case 4:
		return int64(readInt32(b))
	default:
		panic("disasm: unsupported immediate width")
	}
}

func readUnsigned(b []byte, n int) uint64 {
	switch n {
	case 1:
		return uint64(b[0])
	case 4:
		return uint64(uint32(readInt32(b)))
	default:
		panic("disasm: unsupported immediate width")
	}
}
