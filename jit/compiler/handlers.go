package compiler

// This file implements the per-opcode handler family, one gen* function
// per bytecode.Opcode, matching ujit_codegen.c's gen_* functions' guard
// and specialization contracts (spec.md §4.5). Each handler reads its
// instruction's operands off iseq.Insns[idx], reasons about ctxIn's
// recorded types to decide whether a runtime guard is needed, and returns
// the outgoing Context alongside a Result telling CompileBlock's driver
// loop whether to keep going, stop the block cleanly, or bail to a side
// exit.

import (
	"reflect"
	"runtime"
	"unsafe"

	"github.com/relblock/bbvjit/asm"
	"github.com/relblock/bbvjit/bytecode"
	"github.com/relblock/bbvjit/jit/branch"
	"github.com/relblock/bbvjit/jit/cache"
	"github.com/relblock/bbvjit/jit/ctx"
	"github.com/relblock/bbvjit/jit/ids"
)

// Toy struct-layout constants for the demo host's frame/object shapes.
// A real interpreter substitutes its own CFP/object-header offsets here;
// nothing in the Compiler depends on their specific values beyond self
// consistency between this file and the memory a caller lays out for the
// generated code (compiler_test.go's vmMemory in this package's tests).
const (
	cfpSize           = 64
	cfpSelfOffset     = 0
	cfpEPOffset       = 8
	ecCFPOffset       = 0
	classSerialOffset = 8
	ivarBaseOffset    = 16
)

// Immediate encodings for Ruby's three non-heap, non-fixnum singletons;
// kept local to codegen since bytecode.Value only distinguishes them by
// Kind at the Go level; generated code only ever deals in raw words.
const (
	qFalse uint64 = 0x00
	qNil   uint64 = 0x08
	qTrue  uint64 = 0x14
)

func toMem(m ctx.MemOperand) asm.Operand {
	return asm.Mem(64, m.BaseRegNo, m.DispBytes)
}

func genNop(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	return ctxIn, KeepCompiling
}

func genPop(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	cur := ctxIn
	cur.Pop(regSP, 1)
	return cur, KeepCompiling
}

// genDup reads the top slot into a scratch register and writes it to the
// two slots left by pushing twice, so both copies land at their final
// addresses without a stack-to-stack memory move.
func genDup(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	cur := ctxIn
	top := cur.Opnd(regSP, 0)
	topType := cur.TopType()
	c.CB.Mov(asm.Reg(64, reg0), toMem(top))

	dst0 := cur.Push(regSP, topType)
	c.CB.Mov(toMem(dst0), asm.Reg(64, reg0))
	dst1 := cur.Push(regSP, topType)
	c.CB.Mov(toMem(dst1), asm.Reg(64, reg0))
	return cur, KeepCompiling
}

func pushConst(c *Compiler, cur *ctx.Context, t ctx.TypeTag, raw uint64) {
	dst := cur.Push(regSP, t)
	c.CB.Mov(toMem(dst), asm.UImm(raw))
}

func genPutNil(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	cur := ctxIn
	pushConst(c, &cur, ctx.TNil, qNil)
	return cur, KeepCompiling
}

// genPutObject bakes the instruction's Value operand directly into the
// generated code as an immediate. A real heap-referencing interpreter
// would instead re-read the operand through the bytecode's own PC each
// time this site runs, so a moving GC can update the reference in place;
// the demo host has no moving collector over iseq operands, so baking the
// raw word in is equivalent and simpler (SPEC_FULL.md's GC story covers
// compiled-code relocation, not operand relocation).
func genPutObject(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	v := bytecode.Value{Raw: int64(insn.A0)}
	t := ctx.THeapObject
	switch {
	case v.Raw&1 == 1:
		t = ctx.TFixnum
	case uint64(v.Raw) == qNil:
		t = ctx.TNil
	case uint64(v.Raw) == qFalse:
		t = ctx.TFalse
	case uint64(v.Raw) == qTrue:
		t = ctx.TTrue
	}
	cur := ctxIn
	pushConst(c, &cur, t, uint64(v.Raw))
	return cur, KeepCompiling
}

// genPutObjectInt2Fix returns a handler for the putobject_INT2FIX_0_/1_
// specializations: the fixnum value is fixed by the opcode itself, so no
// operand read is needed at all.
func genPutObjectInt2Fix(n int64) HandlerFunc {
	raw := uint64(bytecode.NewFixnum(n).Raw)
	return func(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
		cur := ctxIn
		pushConst(c, &cur, ctx.TFixnum, raw)
		return cur, KeepCompiling
	}
}

func genPutSelf(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	cur := ctxIn
	c.CB.Mov(asm.Reg(64, reg0), asm.Mem(64, regCFP, cfpSelfOffset))
	dst := cur.Push(regSP, cur.SelfType)
	c.CB.Mov(toMem(dst), asm.Reg(64, reg0))
	return cur, KeepCompiling
}

func genGetLocalWC0(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	cur := ctxIn
	c.CB.Mov(asm.Reg(64, reg1), asm.Mem(64, regCFP, cfpEPOffset))
	c.CB.Mov(asm.Reg(64, reg0), asm.Mem(64, reg1, -insn.A0*slotSize))

	t := ctx.TUnknown
	if int(insn.A0) < ctx.MaxLocalTypes {
		t = cur.LocalTypes[insn.A0]
	}
	dst := cur.Push(regSP, t)
	c.CB.Mov(toMem(dst), asm.Reg(64, reg0))
	return cur, KeepCompiling
}

// genSetLocalWC0 stores the popped top of stack straight into the local
// slot. A real interpreter additionally guards the EP's write-barrier
// flag and side-exits when set (spec.md §4.5); the demo host's locals are
// never subject to a moving collector mid-region, so that guard has
// nothing to protect here and is intentionally omitted.
func genSetLocalWC0(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	cur := ctxIn
	top := cur.Pop(regSP, 1)
	c.CB.Mov(asm.Reg(64, reg0), toMem(top))
	c.CB.Mov(asm.Reg(64, reg1), asm.Mem(64, regCFP, cfpEPOffset))
	c.CB.Mov(asm.Mem(64, reg1, -insn.A0*slotSize), asm.Reg(64, reg0))

	if int(insn.A0) < ctx.MaxLocalTypes {
		cur.LocalTypes[insn.A0] = ctx.TUnknown
	}
	return cur, KeepCompiling
}

// genGetInstanceVariable specializes the read to the class the inline
// cache was populated against: guard self's class serial, then load the
// ivar directly out of its fixed slot, skipping any general-purpose
// lookup. A cache miss, or any mismatch discovered at run time, bails to
// the interpreter.
func genGetInstanceVariable(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	view, ok := c.Host.IVar(iseq.ID, idx)
	if !ok {
		return ctxIn, CantCompile
	}

	exitPtr := c.genSideExit(iseq, idx, ctxIn)
	c.CB.Mov(asm.Reg(64, reg0), asm.Mem(64, regCFP, cfpSelfOffset))
	c.CB.Mov(asm.Reg(32, reg1), asm.Mem(32, reg0, classSerialOffset))
	c.CB.Cmp(asm.Reg(32, reg1), asm.Imm(view.ClassSerial))
	c.CB.JccPtr(asm.CCNE, exitPtr)

	c.CB.Mov(asm.Reg(64, reg1), asm.Mem(64, reg0, ivarBaseOffset+insn.A0*slotSize))

	cur := ctxIn
	dst := cur.Push(regSP, ctx.TUnknown)
	c.CB.Mov(toMem(dst), asm.Reg(64, reg1))
	return cur, KeepCompiling
}

// genSetInstanceVariable mirrors the get side, but bails outright (rather
// than guard-and-continue) whenever the cached slot might need a write
// barrier on assignment, matching ujit_codegen.c's gen_setinstancevariable:
// the barrier bookkeeping itself is not specialized, so a slot that needs
// it is never written by generated code.
func genSetInstanceVariable(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	view, ok := c.Host.IVar(iseq.ID, idx)
	if !ok || view.NeedsWriteBarrierOnSet {
		return ctxIn, CantCompile
	}

	exitPtr := c.genSideExit(iseq, idx, ctxIn)
	cur := ctxIn
	top := cur.Pop(regSP, 1)
	c.CB.Mov(asm.Reg(64, reg1), toMem(top))
	c.CB.Mov(asm.Reg(64, reg0), asm.Mem(64, regCFP, cfpSelfOffset))
	c.CB.Mov(asm.Reg(32, reg0), asm.Mem(32, reg0, classSerialOffset))
	c.CB.Cmp(asm.Reg(32, reg0), asm.Imm(view.ClassSerial))
	c.CB.JccPtr(asm.CCNE, exitPtr)

	c.CB.Mov(asm.Reg(64, reg0), asm.Mem(64, regCFP, cfpSelfOffset))
	c.CB.Mov(asm.Mem(64, reg0, ivarBaseOffset+insn.A0*slotSize), asm.Reg(64, reg1))
	return cur, KeepCompiling
}

// guardBothFixnum emits the paired tag-bit tests opt_plus/opt_minus/opt_lt
// all share, loading the two top operands into reg0/reg1 (rhs then lhs
// overwritten to lhs/rhs order expected by the caller) and side-exiting on
// either guard's failure.
func guardBothFixnum(c *Compiler, cur *ctx.Context, exitPtr uintptr) {
	rhs := cur.Opnd(regSP, 0)
	lhs := cur.Opnd(regSP, 1)
	c.CB.Mov(asm.Reg(64, reg0), toMem(lhs))
	c.CB.Mov(asm.Reg(64, reg1), toMem(rhs))
	c.CB.Test(asm.Reg(32, reg0), asm.Imm(bytecode.FixnumTagBit))
	c.CB.JccPtr(asm.CCE, exitPtr)
	c.CB.Test(asm.Reg(32, reg1), asm.Imm(bytecode.FixnumTagBit))
	c.CB.JccPtr(asm.CCE, exitPtr)
}

// bopTokenBit reserves the top bit of the DependencyToken space for
// basic-op redefinition tokens, synthesized here rather than handed out by
// Host, so opt_plus/opt_minus/opt_lt can depend on "this op stays
// unredefined" the same way opt_send_without_block depends on a CME/CC.
// Host-assigned tokens are never expected to set this bit; a real
// interpreter's CME/CC identities are addresses or small serials, never
// the full 64-bit range.
const bopTokenBit = uint64(1) << 63

func bopToken(op bytecode.Opcode) ids.DependencyToken {
	return ids.DependencyToken(bopTokenBit | uint64(op))
}

// recordBOPDep registers rctx's block as depending on op staying
// unredefined, reusing the CC slot of DepsRef since no handler that calls
// this also populates CC itself.
func recordBOPDep(rctx *runCtx, iseq *bytecode.Iseq, op bytecode.Opcode) {
	rctx.deps.Iseq = iseq.ID
	rctx.deps.CC, rctx.deps.HasCC = bopToken(op), true
}

func genOptPlus(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	if c.Host.BOPRedefined(bytecode.OptPlus) {
		return ctxIn, CantCompile
	}
	recordBOPDep(rctx, iseq, bytecode.OptPlus)
	exitPtr := c.genSideExit(iseq, idx, ctxIn)
	cur := ctxIn
	guardBothFixnum(c, &cur, exitPtr)

	// Both operands carry the +1 fixnum tag, so a raw add leaves the sum
	// tagged +2; subtracting 1 restores the tag and overflow on the add
	// itself means the untagged sum overflowed too.
	c.CB.Add(asm.Reg(64, reg0), asm.Reg(64, reg1))
	c.CB.JccPtr(asm.CCO, exitPtr)
	c.CB.Sub(asm.Reg(64, reg0), asm.Imm(1))

	cur.Pop(regSP, 2)
	dst := cur.Push(regSP, ctx.TFixnum)
	c.CB.Mov(toMem(dst), asm.Reg(64, reg0))
	return cur, KeepCompiling
}

func genOptMinus(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	if c.Host.BOPRedefined(bytecode.OptMinus) {
		return ctxIn, CantCompile
	}
	recordBOPDep(rctx, iseq, bytecode.OptMinus)
	exitPtr := c.genSideExit(iseq, idx, ctxIn)
	cur := ctxIn
	guardBothFixnum(c, &cur, exitPtr)

	// Subtracting two +1-tagged values leaves a -0-tagged difference;
	// adding 1 back restores the tag.
	c.CB.Sub(asm.Reg(64, reg0), asm.Reg(64, reg1))
	c.CB.JccPtr(asm.CCO, exitPtr)
	c.CB.Add(asm.Reg(64, reg0), asm.Imm(1))

	cur.Pop(regSP, 2)
	dst := cur.Push(regSP, ctx.TFixnum)
	c.CB.Mov(toMem(dst), asm.Reg(64, reg0))
	return cur, KeepCompiling
}

// genOptCompare returns a handler for a fixnum comparison specialized to
// cc, materializing the Ruby boolean result via a cmov rather than a
// branch: reg0 starts as Qfalse, is overwritten with Qtrue exactly when cc
// holds over the two operand values, compared still fixnum-tagged (2n+1
// keeps the signed order of n).
func genOptCompare(cc asm.CC) HandlerFunc {
	return func(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
		if c.Host.BOPRedefined(bytecode.OptLt) {
			return ctxIn, CantCompile
		}
		recordBOPDep(rctx, iseq, bytecode.OptLt)
		exitPtr := c.genSideExit(iseq, idx, ctxIn)
		cur := ctxIn
		guardBothFixnum(c, &cur, exitPtr)

		c.CB.Cmp(asm.Reg(64, reg0), asm.Reg(64, reg1))
		c.CB.Mov(asm.Reg(64, reg0), asm.UImm(qFalse))
		c.CB.Mov(asm.Reg(64, reg1), asm.UImm(qTrue))
		c.CB.Cmov(cc, asm.Reg(64, reg0), asm.Reg(64, reg1))

		cur.Pop(regSP, 2)
		dst := cur.Push(regSP, ctx.TUnknown)
		c.CB.Mov(toMem(dst), asm.Reg(64, reg0))
		return cur, KeepCompiling
	}
}

// cfuncName resolves the registered Go function's symbol name so it can
// be checked against the leaf-cfunc allowlist; reflection is only paid at
// compile time, never in the generated code itself.
func cfuncName(fn func(bytecode.Value, []bytecode.Value) bytecode.Value) string {
	return runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
}

// genOptSendWithoutBlock requires a populated, simple, single-class
// inline cache (spec.md §4.5): it guards the receiver's class, builds a
// callee frame unless the target is on the leaf-cfunc allowlist, and
// records the call site's CME/CC tokens as dependencies of the block
// being compiled so invalidate_for_dependency can find it later. It
// always ends its block, matching every real interpreter call site's
// need to reconsider control-flow context after a call returns.
func genOptSendWithoutBlock(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	view, ok := c.Host.CallSite(iseq.ID, idx)
	if !ok || !view.Populated || !view.Simple || view.Argc != int(insn.A1) || view.CFunc == nil {
		return ctxIn, CantCompile
	}

	exitPtr := c.genSideExit(iseq, idx, ctxIn)
	cur := ctxIn
	recv := cur.Opnd(regSP, int32(view.Argc))
	c.CB.Mov(asm.Reg(64, reg0), toMem(recv))
	c.CB.Mov(asm.Reg(32, reg1), asm.Mem(32, reg0, classSerialOffset))
	c.CB.Cmp(asm.Reg(32, reg1), asm.Imm(view.RecvClassSerial))
	c.CB.JccPtr(asm.CCNE, exitPtr)

	leaf := view.IsLeaf
	if !leaf {
		leaf = c.leafCFuncs[cfuncName(view.CFunc)]
	}
	needsFrame := !leaf
	if needsFrame {
		c.CB.Mov(asm.Reg(64, reg1), asm.Mem(64, regEC, ecCFPOffset))
		c.CB.Sub(asm.Reg(64, reg1), asm.Imm(cfpSize))
		c.CB.Mov(asm.Mem(64, regEC, ecCFPOffset), asm.Reg(64, reg1))
		c.CB.Mov(asm.Mem(64, reg1, cfpSelfOffset), asm.Reg(64, reg0))
	}

	rctx.deps = cache.DepsRef{Iseq: iseq.ID}
	rctx.deps.CME, rctx.deps.HasCME = view.CME, true
	rctx.deps.CC, rctx.deps.HasCC = view.CC, true

	// The callee is a Go closure, not a raw function pointer call_ptr can
	// target directly (ujit_codegen.c's gen_opt_send_without_block does
	// call_ptr(cb, REG0, cfunc->func)): registerLeafCall hands back a
	// small integer key generated code carries instead, resolved back to
	// the closure by nativeCallDispatch on the other side of the call.
	siteKey := c.registerLeafCall(view.CFunc)

	// regCFP/regEC/regSP (rdi/rsi/rdx) are argument-passing registers
	// under the call we're about to make; save them across it so the
	// rest of this block's generated code can keep treating them as
	// fixed, matching how a real call site spills caller-saved state
	// around any native call.
	c.CB.Push(asm.Reg(64, regCFP))
	c.CB.Push(asm.Reg(64, regEC))
	c.CB.Push(asm.Reg(64, regSP))

	scratch := asm.Reg(64, asm.R11)
	if view.Argc > 0 {
		// arg0 through argN-1 sit in increasing memory-address order
		// starting at Opnd(Argc-1), matching a C VALUE *argv array: one
		// LEA at the first argument's slot gives the whole vector.
		arg0 := cur.Opnd(regSP, int32(view.Argc-1))
		c.CB.Lea(scratch, toMem(arg0))
	} else {
		c.CB.Mov(scratch, asm.UImm(0))
	}

	c.CB.Mov(asm.Reg(64, asm.RDI), asm.UImm(uint64(uintptr(unsafe.Pointer(c)))))
	c.CB.Mov(asm.Reg(32, asm.RSI), asm.UImm(uint64(siteKey)))
	c.CB.Mov(asm.Reg(64, asm.RDX), asm.Reg(64, reg0))
	c.CB.Mov(asm.Reg(64, asm.RCX), scratch)
	c.CB.Mov(asm.Reg(32, asm.R8), asm.UImm(uint64(view.Argc)))
	c.CB.CallPtr(asm.Reg(64, asm.R10), nativeCallTrampolineAddr())

	c.CB.Pop(asm.Reg(64, regSP))
	c.CB.Pop(asm.Reg(64, regEC))
	c.CB.Pop(asm.Reg(64, regCFP))

	cur.Pop(regSP, uint16(view.Argc+1))
	dst := cur.Push(regSP, ctx.TUnknown)
	c.CB.Mov(toMem(dst), asm.Reg(64, asm.RAX))

	if needsFrame {
		c.CB.Mov(asm.Reg(64, reg1), asm.Mem(64, regEC, ecCFPOffset))
		c.CB.Add(asm.Reg(64, reg1), asm.Imm(cfpSize))
		c.CB.Mov(asm.Mem(64, regEC, ecCFPOffset), asm.Reg(64, reg1))
	}

	// The call's real result is already safely written to dst; bail to
	// the interpreter at the next instruction rather than inlining past
	// the call (this handler never attempts to compile what follows a
	// call site in the same block), matching this function's own
	// contract that it always ends its block by reconsidering
	// control-flow context after the call returns.
	c.CB.JmpPtr(c.genSideExit(iseq, idx+1, cur))
	return cur, EndBlock
}

// genBranchUnless pops the condition, tests it against Ruby's combined
// nil/false falsy encoding (test(val, ^Qnil) is zero iff val is Qnil or
// Qfalse), and emits a two-target branch: target 0, the jump_offset
// destination, is resolved through the normal cache/stub path as the cold
// edge; target 1, the fallthrough at idx+1, is queued on pendingNext so
// CompileBlock compiles it immediately afterward, making it adjacent and
// letting its half of the branch be a 5-byte nop placeholder instead of a
// jmp.
func genBranchUnless(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	cur := ctxIn
	cond := cur.Pop(regSP, 1)
	c.CB.Mov(asm.Reg(64, reg0), toMem(cond))
	c.CB.Test(asm.Reg(64, reg0), asm.UImm(^qNil))

	jumpTarget := ids.BlockId{Iseq: iseq.ID, Idx: uint32(insn.A0)}
	fallTarget := ids.BlockId{Iseq: iseq.ID, Idx: idx + 1}

	branchID, br := c.Branches.Alloc()
	br.SrcCtx = cur
	br.Targets[0] = jumpTarget
	br.TargetCtxs[0] = cur
	br.HasTarget1 = true
	br.Targets[1] = fallTarget
	br.TargetCtxs[1] = cur
	br.Shape = branch.ShapeNext1
	br.GenFn = func(cb *asm.CodeBlock, t0, t1 uintptr, shape branch.Shape) {
		cb.JccPtr(asm.CCE, t0)
		if shape != branch.ShapeNext1 {
			cb.JmpPtr(t1)
		} else {
			// jmp rel32 is always 5 bytes; reserve the space with nops so
			// a later invalidation can rewrite this branch back to the
			// Default shape without growing past its recorded end.
			cb.Nop(5)
		}
	}

	dst0 := c.GetBranchTarget(iseq, jumpTarget, cur, branchID, 0)
	br.DstAddrs[0] = dst0

	br.Start = c.CB.GetPos()
	br.GenFn(c.CB, dst0, 0, br.Shape)
	br.End = c.CB.GetPos()

	rctx.pendingNext = append(rctx.pendingNext, branchID)
	return cur, EndBlock
}

func genJump(c *Compiler, iseq *bytecode.Iseq, idx uint32, ctxIn ctx.Context, rctx *runCtx) (ctx.Context, Result) {
	insn := iseq.Insns[idx]
	target := ids.BlockId{Iseq: iseq.ID, Idx: uint32(insn.A0)}
	branchID, needsFollowup := c.DirectJump(iseq, ctxIn, target, ctxIn)
	if needsFollowup {
		rctx.pendingNext = append(rctx.pendingNext, branchID)
	}
	return ctxIn, EndBlock
}
