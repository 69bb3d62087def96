// Package bytecode defines the toy stack-based instruction set this
// module's Compiler understands — exactly the opcode subset named in
// spec.md §6, translated from YARV's named instructions
// (getlocal_WC_0, opt_send_without_block, ...) into a minimal
// instruction-index-addressed bytecode, so the JIT can be driven without
// a real Ruby VM behind it.
package bytecode

import "github.com/relblock/bbvjit/jit/ids"

// Opcode is one instruction in the subset this module's Compiler handles
// plus Leave, which returns from a region; no handler is registered for
// Leave, so compiling it ends the block in a side exit like any unlisted
// opcode would.
type Opcode uint8

const (
	Nop Opcode = iota
	Pop
	Dup
	PutNil
	PutObject           // A0 = Value
	PutObjectInt2Fix0   // pushes fixnum 0
	PutObjectInt2Fix1   // pushes fixnum 1
	PutSelf
	GetLocalWC0         // A0 = local slot index
	SetLocalWC0         // A0 = local slot index
	GetInstanceVariable // A0 = ivar slot index
	SetInstanceVariable // A0 = ivar slot index
	OptLt
	OptMinus
	OptPlus
	OptSendWithoutBlock // A0 = call-site id, A1 = argc
	BranchUnless        // A0 = target instruction index
	Jump                // A0 = target instruction index
	Leave               // not in spec's subset: forces CantCompile, always ends a region in the interpreter
)

// Value is a tagged run-time value: bit 0 set means a fixnum whose value
// is Raw>>1; bit 0 clear means a heap or immediate reference whose
// identity the host interprets via Raw. This mirrors Ruby's VALUE tagging
// (TAG_FIXNUM_BIT = 1) closely enough to exercise the Compiler's guard
// and tagged-arithmetic logic without building a real object model.
type Value struct {
	Raw  int64
	Kind ValueKind
}

// ValueKind distinguishes non-fixnum immediates/heap references from
// fixnums; fixnums are identified purely by the tag bit on Raw, matching
// Ruby, so ValueKind is only consulted when IsFixnum is false.
type ValueKind uint8

const (
	KindHeapObject ValueKind = iota
	KindNil
	KindFalse
	KindTrue
	KindSymbol
	KindString
	KindArray
	KindHash
)

// FixnumTagBit is the low bit marking a Value as a tagged fixnum.
const FixnumTagBit = 1

// NewFixnum tags n as a fixnum value.
func NewFixnum(n int64) Value { return Value{Raw: (n << 1) | FixnumTagBit} }

// IsFixnum reports whether v carries the fixnum tag bit.
func (v Value) IsFixnum() bool { return v.Raw&FixnumTagBit != 0 }

// FixnumVal returns the untagged integer value; only meaningful when
// IsFixnum is true.
func (v Value) FixnumVal() int64 { return v.Raw >> 1 }

// Insn is one fixed-width instruction: an opcode plus up to two
// immediate/index arguments.
type Insn struct {
	Op     Opcode
	A0, A1 int32
}

// Iseq is one compiled instruction sequence: the unit compile_iseq and
// BlockId both refer to.
type Iseq struct {
	ID     ids.IseqRef
	Insns  []Insn
	NLocal int
}
